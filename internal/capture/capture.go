// Package capture binds to one input device, runs the real-time I/O
// procedure and hands the samples to a ring buffer or a FrameHandler.
//
// The I/O goroutine only touches atomics, the ring buffer and preallocated
// scratch memory. Property notifications arrive on a separate goroutine and
// are turned into a Fault; recovery is the owner's job (stop, then start
// again), never done in place.
package capture

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/audiocore/ringbuffer"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
	"github.com/tphakala/meetrec/internal/logger"
)

const componentCapture = "capture"

// State is the lifecycle state of a DeviceCapture.
type State int32

const (
	StateUnbound State = iota
	StateBound
	StateCapturing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateCapturing:
		return "capturing"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FaultReason says why a capture left the capturing state on its own.
type FaultReason string

const (
	FaultFormatChanged FaultReason = "format-changed"
	FaultDeviceLost    FaultReason = "device-lost"
	FaultDeviceChanged FaultReason = "device-changed"
	FaultIOFailures    FaultReason = "io-failures"
)

// Fault is published when a running capture can no longer continue.
type Fault struct {
	CaptureID string
	Reason    FaultReason
	Err       error
	At        time.Time
}

// Options tune a DeviceCapture.
type Options struct {
	// RingCapacity is the ring buffer capacity in samples.
	RingCapacity int
	// ReadTimeout bounds consumer reads on the ring buffer.
	ReadTimeout time.Duration
	// MaxFramesPerCallback sizes the conversion scratch buffer.
	MaxFramesPerCallback int
	// MaxIOFailures consecutive failed cycles fault the capture.
	MaxIOFailures int
	// Downmix averages all channels into one.
	Downmix bool
}

// DefaultOptions holds two seconds of 48 kHz stereo.
func DefaultOptions() Options {
	return Options{
		RingCapacity:         2 * 48000 * 2,
		ReadTimeout:          ringbuffer.DefaultReadTimeout,
		MaxFramesPerCallback: 4096,
		MaxIOFailures:        32,
	}
}

// Stats is a snapshot of capture counters.
type Stats struct {
	State          State
	FramesCaptured uint64
	FramesDropped  uint64
	IOFailures     uint64
	Overloads      uint64
	Ring           ringbuffer.Stats
}

type handlerBox struct {
	h audiocore.FrameHandler
}

// DeviceCapture captures from one device.
type DeviceCapture struct {
	id      string
	backend hal.Backend
	opts    Options
	log     logger.Logger
	ring    *ringbuffer.RingBuffer
	faults  chan Fault

	// control path
	mu         sync.Mutex
	device     hal.ObjectID
	format     audiocore.StreamFormat
	procID     hal.IOProcID
	hasProc    bool
	listenerID hal.ListenerID
	listening  bool

	// shared with the I/O goroutine
	state               atomic.Int32
	adapter             atomic.Pointer[formatAdapter]
	handler             atomic.Pointer[handlerBox]
	paused              atomic.Bool
	framesCaptured      atomic.Uint64
	framesDropped       atomic.Uint64
	ioFailures          atomic.Uint64
	overloads           atomic.Uint64
	consecutiveFailures atomic.Int32
}

// New creates an unbound capture.
func New(id string, backend hal.Backend, opts Options, log logger.Logger) (*DeviceCapture, error) {
	defaults := DefaultOptions()
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = defaults.RingCapacity
	}
	if opts.MaxFramesPerCallback <= 0 {
		opts.MaxFramesPerCallback = defaults.MaxFramesPerCallback
	}
	if opts.MaxIOFailures <= 0 {
		opts.MaxIOFailures = defaults.MaxIOFailures
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}

	ring, err := ringbuffer.New(opts.RingCapacity, ringbuffer.WithReadTimeout(opts.ReadTimeout))
	if err != nil {
		return nil, err
	}
	return &DeviceCapture{
		id:      id,
		backend: backend,
		opts:    opts,
		log:     log.Module(componentCapture).With(logger.String("capture", id)),
		ring:    ring,
		faults:  make(chan Fault, 1),
	}, nil
}

// ID returns the capture identifier given to New.
func (c *DeviceCapture) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *DeviceCapture) State() State { return State(c.state.Load()) }

// Ring returns the buffer frames are queued on when no handler is set.
func (c *DeviceCapture) Ring() *ringbuffer.RingBuffer { return c.ring }

// Faults delivers at most one pending fault at a time.
func (c *DeviceCapture) Faults() <-chan Fault { return c.faults }

// Device returns the bound device.
func (c *DeviceCapture) Device() hal.ObjectID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *DeviceCapture) buildError(err error, category errors.ErrorCategory) error {
	return errors.New(err).
		Component(componentCapture).
		Category(category).
		Context("capture", c.id).
		Build()
}

// SetDevice binds the capture to device. Passing hal.UnknownObject unbinds.
func (c *DeviceCapture) SetDevice(device hal.ObjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); st == StateCapturing || st == StateFaulted {
		return c.buildError(fmt.Errorf("cannot rebind capture %q while %s", c.id, st), errors.CategoryAlreadyRunning)
	}
	c.device = device
	if device == hal.UnknownObject {
		c.state.Store(int32(StateUnbound))
		return nil
	}
	c.state.Store(int32(StateBound))
	return nil
}

// GetAudioFormat queries the bound device's input format.
func (c *DeviceCapture) GetAudioFormat() (audiocore.StreamFormat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveFormatLocked()
}

// OutputFormat describes the samples delivered to the ring buffer or
// handler. It is only meaningful after a successful StartRecording.
func (c *DeviceCapture) OutputFormat() audiocore.StreamFormat {
	if a := c.adapter.Load(); a != nil {
		return a.OutputFormat()
	}
	return audiocore.StreamFormat{}
}

func (c *DeviceCapture) resolveFormatLocked() (audiocore.StreamFormat, error) {
	if c.device == hal.UnknownObject {
		return audiocore.StreamFormat{}, c.buildError(fmt.Errorf("capture %q is not bound to a device", c.id), errors.CategoryNotFound)
	}
	formats, err := c.backend.InputStreamFormats(c.device)
	if err != nil {
		return audiocore.StreamFormat{}, c.buildError(fmt.Errorf("query input format of device %d: %w", c.device, err), errors.CategoryNotFound)
	}
	if len(formats) == 0 {
		return audiocore.StreamFormat{}, c.buildError(fmt.Errorf("device %d has no input streams", c.device), errors.CategoryNotFound)
	}

	combined := formats[0]
	for _, f := range formats[1:] {
		if f.SampleRate != combined.SampleRate || f.Kind != combined.Kind || f.BitDepth != combined.BitDepth {
			return audiocore.StreamFormat{}, c.buildError(
				fmt.Errorf("device %d streams disagree: %s vs %s", c.device, combined, f), errors.CategoryFormatMismatch)
		}
		combined.Channels += f.Channels
		combined.Interleaved = true
	}
	return combined, nil
}

// SetAudioDataCallback routes every completed cycle to h instead of the
// ring buffer. nil restores ring buffer delivery. h runs on the real-time
// goroutine.
func (c *DeviceCapture) SetAudioDataCallback(h audiocore.FrameHandler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handlerBox{h: h})
}

// SetPaused drops incoming frames while true without stopping I/O.
func (c *DeviceCapture) SetPaused(paused bool) {
	c.paused.Store(paused)
}

// StartRecording registers listeners and the I/O procedure and starts I/O.
// Any step that fails undoes the ones before it.
func (c *DeviceCapture) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateCapturing:
		c.log.Warn("start requested while already capturing")
		return c.buildError(fmt.Errorf("capture %q already running", c.id), errors.CategoryAlreadyRunning)
	case StateUnbound:
		return c.buildError(fmt.Errorf("capture %q is not bound to a device", c.id), errors.CategoryState)
	case StateFaulted:
		return c.buildError(fmt.Errorf("capture %q faulted, stop it before starting again", c.id), errors.CategoryState)
	}

	format, err := c.resolveFormatLocked()
	if err != nil {
		return err
	}
	adapter, err := newFormatAdapter(format, c.opts.Downmix, c.opts.MaxFramesPerCallback)
	if err != nil {
		return err
	}
	c.format = format
	c.adapter.Store(adapter)
	c.ring.Clear()
	c.consecutiveFailures.Store(0)

	if err := c.registerListenersLocked(); err != nil {
		return err
	}

	procID, err := c.backend.CreateIOProc(c.device, c.ioProc)
	if err != nil {
		c.rollbackListeners()
		return c.buildError(fmt.Errorf("create io proc on device %d: %w", c.device, err), errors.CategoryAudio)
	}
	c.procID, c.hasProc = procID, true

	// accept callbacks before the first one can arrive
	c.state.Store(int32(StateCapturing))
	if err := c.backend.StartIO(c.device, procID); err != nil {
		c.state.Store(int32(StateBound))
		if derr := c.backend.DestroyIOProc(c.device, procID); derr != nil {
			c.log.Error("failed to destroy io proc after start failure", logger.Error(derr))
		}
		c.hasProc = false
		c.rollbackListeners()
		return c.buildError(fmt.Errorf("start io on device %d: %w", c.device, err), errors.CategoryAudio)
	}

	c.log.Info("capture started",
		logger.Int("device_id", int(c.device)),
		logger.String("format", format.String()),
		logger.String("output_format", adapter.OutputFormat().String()))
	return nil
}

func (c *DeviceCapture) rollbackListeners() {
	if err := c.unregisterListenersLocked(); err != nil {
		c.log.Error("failed to unregister listeners during rollback", logger.Error(err))
	}
}

// StopRecording stops I/O and unregisters everything StartRecording
// registered. It is a no-op unless the capture is capturing or faulted.
func (c *DeviceCapture) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.State()
	if st != StateCapturing && st != StateFaulted {
		return nil
	}
	// in-flight callbacks see this and return without touching anything
	c.state.Store(int32(StateBound))

	var errs []error
	if c.hasProc {
		if err := c.backend.StopIO(c.device, c.procID); err != nil {
			errs = append(errs, fmt.Errorf("stop io: %w", err))
		}
		if err := c.backend.DestroyIOProc(c.device, c.procID); err != nil {
			errs = append(errs, fmt.Errorf("destroy io proc: %w", err))
		}
		c.hasProc = false
	}
	if err := c.unregisterListenersLocked(); err != nil {
		errs = append(errs, err)
	}

	stats := c.statsLocked()
	c.log.Info("capture stopped",
		logger.String("previous_state", st.String()),
		logger.Uint64("frames_captured", stats.FramesCaptured),
		logger.Uint64("frames_dropped", stats.FramesDropped),
		logger.Uint64("io_failures", stats.IOFailures),
		logger.Uint64("ring_overflows", stats.Ring.OverflowCount))

	if len(errs) > 0 {
		return c.buildError(errors.Join(errs...), errors.CategoryResourceLeak)
	}
	return nil
}

// RegisterListeners subscribes to device property changes. Every
// successful registration is paired with exactly one UnregisterListeners.
func (c *DeviceCapture) RegisterListeners() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerListenersLocked()
}

// UnregisterListeners removes the property listener, if registered.
func (c *DeviceCapture) UnregisterListeners() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unregisterListenersLocked()
}

func (c *DeviceCapture) registerListenersLocked() error {
	if c.listening {
		return nil
	}
	id, err := c.backend.AddPropertyListener(c.device, c.onPropertyChanged)
	if err != nil {
		return c.buildError(fmt.Errorf("register property listener on device %d: %w", c.device, err), errors.CategoryAudio)
	}
	c.listenerID, c.listening = id, true
	return nil
}

func (c *DeviceCapture) unregisterListenersLocked() error {
	if !c.listening {
		return nil
	}
	c.listening = false
	if err := c.backend.RemovePropertyListener(c.device, c.listenerID); err != nil {
		return c.buildError(fmt.Errorf("unregister property listener on device %d: %w", c.device, err), errors.CategoryResourceLeak)
	}
	return nil
}

// onPropertyChanged runs on the backend's notification goroutine.
func (c *DeviceCapture) onPropertyChanged(_ hal.ObjectID, props []hal.Property) {
	switch {
	case slices.Contains(props, hal.PropertyDeviceIsAlive):
		c.fault(FaultDeviceLost, nil)
	case slices.Contains(props, hal.PropertyStreamFormat):
		c.fault(FaultFormatChanged, nil)
	case slices.Contains(props, hal.PropertyDeviceHasChanged):
		c.fault(FaultDeviceChanged, nil)
	case slices.Contains(props, hal.PropertyOverload):
		c.overloads.Add(1)
	}
}

// fault moves a capturing capture to faulted and publishes the reason once.
func (c *DeviceCapture) fault(reason FaultReason, err error) {
	if !c.state.CompareAndSwap(int32(StateCapturing), int32(StateFaulted)) {
		return
	}
	select {
	case c.faults <- Fault{CaptureID: c.id, Reason: reason, Err: err, At: time.Now()}:
	default:
	}
}

// ioProc runs on the backend's real-time goroutine.
func (c *DeviceCapture) ioProc(in *hal.BufferList, frameCount int, ts audiocore.Timestamp) error {
	if State(c.state.Load()) != StateCapturing {
		return nil
	}
	adapter := c.adapter.Load()
	if adapter == nil {
		return nil
	}

	samples, err := adapter.convert(in, frameCount)
	if err != nil {
		c.ioFailures.Add(1)
		if int(c.consecutiveFailures.Add(1)) >= c.opts.MaxIOFailures {
			c.fault(FaultIOFailures, err)
		}
		return err
	}
	c.consecutiveFailures.Store(0)

	if c.paused.Load() {
		c.framesDropped.Add(uint64(frameCount))
		return nil
	}
	if box := c.handler.Load(); box != nil {
		box.h.OnFrames(samples, frameCount, ts)
	} else if !c.ring.Write(samples) {
		c.framesDropped.Add(uint64(frameCount))
		return nil
	}
	c.framesCaptured.Add(uint64(frameCount))
	return nil
}

// Read drains len(dst) samples from the ring buffer, waiting at most the
// configured read timeout.
func (c *DeviceCapture) Read(dst []float32) bool {
	return c.ring.Read(dst)
}

// Stats returns a snapshot of the counters.
func (c *DeviceCapture) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *DeviceCapture) statsLocked() Stats {
	return Stats{
		State:          c.State(),
		FramesCaptured: c.framesCaptured.Load(),
		FramesDropped:  c.framesDropped.Load(),
		IOFailures:     c.ioFailures.Load(),
		Overloads:      c.overloads.Load(),
		Ring:           c.ring.Stats(),
	}
}
