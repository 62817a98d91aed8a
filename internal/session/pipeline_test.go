package session

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/audiocore/processors"
	"github.com/tphakala/meetrec/internal/audiocore/processors/aec"
	"github.com/tphakala/meetrec/internal/hal/haltest"
	"github.com/tphakala/meetrec/internal/testutil"
)

// chunkPipeline builds a pipeline by hand so processChunk can be driven
// without goroutines: a mono microphone and a stereo system stream mixed
// into two channels.
func chunkPipeline(t *testing.T, c *Controller, sink *fakeSink, proc audiocore.StreamProcessor) *pipeline {
	t.Helper()
	const frames = 2
	return &pipeline{
		id:     "test",
		frames: frames,
		format: audiocore.StreamFormat{SampleRate: 48000, Channels: 2, BitDepth: 32, Interleaved: true, Kind: audiocore.FloatPCM},
		mic: &stream{
			name: StreamMicrophone, channels: 1, volume: c.micVolume, gate: c.micGate,
			buf: make([]float32, frames), expanded: make([]float32, frames*2),
		},
		sys: &stream{
			name: StreamSystem, channels: 2, volume: c.sysVolume, gate: c.sysGate,
			buf: make([]float32, frames*2),
		},
		out:       make([]float32, frames*2),
		sink:      sink,
		processor: proc,
	}
}

func newChunkController(t *testing.T) *Controller {
	t.Helper()
	cfg := testConfig(t)
	cfg.MicNoiseReduction = 0
	cfg.SpeakerNoiseReduction = 0
	c, err := NewController(haltest.New(), cfg, testutil.Logger())
	require.NoError(t, err)
	return c
}

func TestProcessChunkMixesStreams(t *testing.T) {
	t.Parallel()
	c := newChunkController(t)
	sink := &fakeSink{}
	p := chunkPipeline(t, c, sink, nil)

	copy(p.mic.buf, []float32{0.5, -0.25})
	copy(p.sys.buf, []float32{0.25, 0.75, -0.5, -0.5})
	c.processChunk(p, true, true)

	assert.Equal(t, []float32{0.75, 1, -0.75, -0.75}, sink.written(), "mono mic spread over both channels, sum clipped")
	assert.Equal(t, int64(2), p.framesWritten.Load())
}

func TestProcessChunkUnderflowContributesSilence(t *testing.T) {
	t.Parallel()
	c := newChunkController(t)
	sink := &fakeSink{}
	p := chunkPipeline(t, c, sink, nil)

	// stream.read clears the buffer of a stream that underflowed
	copy(p.sys.buf, []float32{0.1, 0.2, 0.3, 0.4})
	c.processChunk(p, false, true)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, sink.written())

	c.processChunk(p, false, false)
	assert.Len(t, sink.written(), 4, "nothing is written when both streams underflow")
}

func TestProcessChunkAppliesPerStreamVolume(t *testing.T) {
	t.Parallel()
	c := newChunkController(t)
	c.SetMicrophoneVolume(0.5)
	c.SetSystemAudioVolume(0)
	sink := &fakeSink{}
	p := chunkPipeline(t, c, sink, nil)

	copy(p.mic.buf, []float32{0.5, 1})
	copy(p.sys.buf, []float32{0.9, 0.9, 0.9, 0.9})
	c.processChunk(p, true, true)

	assert.Equal(t, []float32{0.25, 0.25, 0.5, 0.5}, sink.written())
}

func TestProcessChunkFeedsEchoCanceller(t *testing.T) {
	t.Parallel()
	c := newChunkController(t)
	sink := &fakeSink{}
	proc := &fakeProcessor{}
	p := chunkPipeline(t, c, sink, proc)

	c.processChunk(p, true, true)
	c.processChunk(p, false, true)
	assert.Equal(t, 1, proc.reverse, "no far end is queued for a microphone chunk that underflowed")
	assert.Equal(t, 1, proc.captured)

	c.processChunk(p, true, false)
	assert.Equal(t, 2, proc.reverse, "system silence is still fed as the far end")
	assert.Equal(t, 2, proc.captured)

	proc.processErr = assert.AnError
	c.processChunk(p, true, true)
	assert.Equal(t, 1, p.processorFailures)
	assert.Len(t, sink.written(), 16, "a failing canceller does not stop the recording")
}

func TestEchoCancellationSurvivesMicrophoneUnderflows(t *testing.T) {
	t.Parallel()
	const (
		frames = 480
		delay  = 3
		gain   = 0.5
	)
	c := newChunkController(t)
	canceller, err := aec.New(aec.Config{
		FilterLength:        32,
		StepSize:            0.5,
		Regularization:      1e-6,
		MaxPendingReference: 48000,
	})
	require.NoError(t, err)
	p := &pipeline{
		id:        "test",
		frames:    frames,
		format:    audiocore.StreamFormat{SampleRate: 48000, Channels: 1, BitDepth: 32, Interleaved: true, Kind: audiocore.FloatPCM},
		mic:       &stream{name: StreamMicrophone, channels: 1, volume: c.micVolume, gate: c.micGate, buf: make([]float32, frames)},
		sys:       &stream{name: StreamSystem, channels: 1, volume: c.sysVolume, gate: c.sysGate, buf: make([]float32, frames)},
		out:       make([]float32, frames),
		sink:      &fakeSink{},
		processor: canceller,
	}

	rng := rand.New(rand.NewPCG(3, 4))
	var past [delay]float32
	var near, residual float64
	for chunk := range 120 {
		for i := range p.sys.buf {
			p.sys.buf[i] = float32(rng.Float64()*2-1) * 0.5
		}
		// the microphone falls behind while the system stream starts up
		micOK := chunk > 4 || chunk%2 == 0
		if micOK {
			for i := range p.mic.buf {
				var x float32
				if i >= delay {
					x = p.sys.buf[i-delay]
				} else {
					x = past[i]
				}
				p.mic.buf[i] = gain * x
			}
		} else {
			clear(p.mic.buf)
		}
		copy(past[:], p.sys.buf[frames-delay:])

		near = energy(p.mic.buf)
		c.processChunk(p, micOK, true)
		residual = energy(p.mic.buf)
	}

	require.Positive(t, near)
	assert.Less(t, residual, near*0.01, "echo should still be attenuated after underflows")
	assert.Zero(t, canceller.Stats().ReferenceDropped)
}

func energy(samples []float32) float64 {
	var e float64
	for _, s := range samples {
		e += float64(s) * float64(s)
	}
	return e
}

func TestProcessChunkMixedAudioReachesMonitor(t *testing.T) {
	t.Parallel()
	c := newChunkController(t)
	frames, cancel := c.Subscribe(1)
	defer cancel()
	p := chunkPipeline(t, c, &fakeSink{}, nil)

	copy(p.mic.buf, []float32{0.1, 0.2})
	c.processChunk(p, true, false)
	c.processChunk(p, true, false)

	f := <-frames
	assert.Equal(t, []float32{0.1, 0.1, 0.2, 0.2}, f.Samples)
	assert.Equal(t, 2, f.Channels)
	assert.Equal(t, uint64(1), c.monitor.dropped.Load(), "full subscriber drops instead of blocking")
}

func TestRecordingToWAVFile(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.OutputPath = filepath.Join(t.TempDir(), "nested", "call.wav")
	cfg.ChunkFrames = 240
	cfg.EchoCancellation = false
	cfg.MicNoiseReduction = 0
	cfg.SpeakerNoiseReduction = 0
	cfg.Capture.RingCapacity = 48000

	backend := haltest.New()
	mic, err := backend.DefaultInputDevice()
	require.NoError(t, err)
	c, err := NewController(backend, cfg, testutil.Logger())
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()

	require.True(t, c.Start())
	p := c.pipe.Load()
	require.NotNil(t, p)
	agg := p.device.ID()

	taps, err := c.Devices().ListTaps(p.device)
	require.NoError(t, err)
	require.Len(t, taps, 1)
	assert.Equal(t, cfg.TapName, taps[0].Name)

	const chunks = 10
	micChunk := make([]float32, cfg.ChunkFrames)
	sysChunk := make([]float32, cfg.ChunkFrames*2)
	for i := range micChunk {
		micChunk[i] = 0.1
	}
	for i := range sysChunk {
		sysChunk[i] = 0.2
	}
	for range chunks {
		require.NoError(t, backend.DeliverFloat(mic, micChunk, 1))
		require.NoError(t, backend.DeliverFloat(agg, sysChunk, 2))
	}

	require.Eventually(t, func() bool {
		st := c.Status()
		return st.Streams[0].RingOccupied == 0 && st.Streams[1].RingOccupied == 0 &&
			st.FramesWritten >= int64(chunks*cfg.ChunkFrames)
	}, waitFor, time.Millisecond)
	c.Stop()

	assert.Zero(t, backend.LiveObjects())
	assert.Empty(t, c.Devices().Tracker().Outstanding())

	f, err := os.Open(cfg.OutputPath)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 48000, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	assert.GreaterOrEqual(t, len(buf.Data), chunks*cfg.ChunkFrames)

	peak := 0
	for _, v := range buf.Data {
		peak = max(peak, v)
	}
	assert.Positive(t, peak)
	assert.LessOrEqual(t, float64(peak), float64(processors.Clamp(0.3))*32767+1)
}
