package session

import (
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/hal"
	"github.com/tphakala/meetrec/internal/hal/haltest"
	"github.com/tphakala/meetrec/internal/testutil"
)

const waitFor = 2 * time.Second

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "meeting.wav")
	cfg.ChunkFrames = 4
	cfg.TelemetryInterval = 10 * time.Millisecond
	cfg.Capture.RingCapacity = 1024
	cfg.Capture.ReadTimeout = 2 * time.Millisecond
	cfg.Capture.MaxFramesPerCallback = 256
	cfg.AEC.FilterLength = 8
	cfg.AEC.MaxPendingReference = 1024
	return cfg
}

// fakeSink records what the consumer writes.
type fakeSink struct {
	mu         sync.Mutex
	path       string
	format     audiocore.StreamFormat
	samples    []float32
	writes     int
	opens      int
	closes     int
	openErr    error
	writeErr   error
	closeErr   error
	closePanic bool
}

func (s *fakeSink) Open(path string, format audiocore.StreamFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opens++
	s.path, s.format = path, format
	return nil
}

func (s *fakeSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closePanic {
		panic("sink close exploded")
	}
	return s.closeErr
}

func (s *fakeSink) written() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.samples)
}

func (s *fakeSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSink) factory() SinkFactory {
	return func(Config) (audiocore.FileSink, error) { return s, nil }
}

// fakeProcessor counts calls and can blow up on Close.
type fakeProcessor struct {
	mu         sync.Mutex
	reverse    int
	captured   int
	closed     bool
	closePanic bool
	processErr error
}

func (p *fakeProcessor) FeedReverseStream([]float32, int, int, int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reverse++
	return nil
}

func (p *fakeProcessor) ProcessCaptureStream([]float32, int, int, int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captured++
	return p.processErr
}

func (p *fakeProcessor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.closePanic {
		panic("processor close exploded")
	}
	return nil
}

func (p *fakeProcessor) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakeProcessor) factory() ProcessorFactory {
	return func(Config, audiocore.StreamFormat) (audiocore.StreamProcessor, error) { return p, nil }
}

type fixedOwner string

func (o fixedOwner) CurrentApp() string { return string(o) }

type harness struct {
	backend *haltest.Backend
	mic     hal.ObjectID
	sink    *fakeSink
	ctrl    *Controller
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	backend := haltest.New()
	mic, err := backend.DefaultInputDevice()
	require.NoError(t, err)

	sink := &fakeSink{}
	opts = append([]Option{WithSinkFactory(sink.factory())}, opts...)
	ctrl, err := NewController(backend, cfg, testutil.Logger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	return &harness{backend: backend, mic: mic, sink: sink, ctrl: ctrl}
}

// aggregateID returns the aggregate device of the running session.
func (h *harness) aggregateID(t *testing.T) hal.ObjectID {
	t.Helper()
	p := h.ctrl.pipe.Load()
	require.NotNil(t, p)
	require.NotNil(t, p.device)
	return p.device.ID()
}

// requireReleased checks that nothing the session acquired is still alive.
func (h *harness) requireReleased(t *testing.T) {
	t.Helper()
	require.Zero(t, h.backend.LiveObjects(), "aggregate devices or taps left alive")
	require.Empty(t, h.backend.Orphans())
	require.Zero(t, h.backend.ListenerCount(h.mic), "microphone listeners left registered")
	require.Zero(t, h.backend.ProcCount(h.mic), "microphone io procs left registered")
	require.Empty(t, h.ctrl.Devices().Tracker().Outstanding())
}
