// Package session drives a recording: it acquires the aggregate device,
// the captures, the file sink and the echo canceller, runs the consumer
// that mixes and writes the audio, and tears everything down again.
//
// One control mutex serializes Start, Stop, Pause and Resume. The state is
// kept in an atomic so the audio goroutines and status readers never take
// that mutex.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/meetrec/internal/aggregate"
	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/audiocore/processors"
	"github.com/tphakala/meetrec/internal/capture"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
	"github.com/tphakala/meetrec/internal/logger"
	"github.com/tphakala/meetrec/internal/micowner"
	"github.com/tphakala/meetrec/internal/observability/metrics"
)

// FaultSinkErrors is the reason used when the sink keeps failing.
const FaultSinkErrors = "sink-errors"

// Fault describes why a session left Running on its own.
type Fault struct {
	SessionID string    `json:"session_id"`
	Stream    string    `json:"stream"`
	Reason    string    `json:"reason"`
	Err       error     `json:"-"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Controller is the recording session controller.
type Controller struct {
	backend      hal.Backend
	devices      *aggregate.Manager
	cfg          Config
	log          logger.Logger
	newSink      SinkFactory
	newProcessor ProcessorFactory
	metrics      *metrics.CaptureMetrics
	micOwner     MicOwnerFinder
	onFault      func(Fault)
	startCheck   func(outputPath string) error

	mu         sync.Mutex
	state      atomic.Int32
	pipe       atomic.Pointer[pipeline]
	outputPath atomic.Pointer[string]
	lastFault  atomic.Pointer[Fault]

	micVolume *processors.Volume
	sysVolume *processors.Volume
	micGate   *processors.NoiseGate
	sysGate   *processors.NoiseGate
	monitor   *monitor
}

// NewController validates cfg and creates an idle controller on backend.
func NewController(backend hal.Backend, cfg Config, log logger.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = time.Second
	}

	micGate, err := processors.NewNoiseGate(cfg.MaxGateThreshold)
	if err != nil {
		return nil, err
	}
	sysGate, err := processors.NewNoiseGate(cfg.MaxGateThreshold)
	if err != nil {
		return nil, err
	}
	micGate.SetLevel(cfg.MicNoiseReduction)
	sysGate.SetLevel(cfg.SpeakerNoiseReduction)

	c := &Controller{
		backend:      backend,
		devices:      aggregate.NewManager(backend, log),
		cfg:          cfg,
		log:          log.Module(componentSession),
		newSink:      defaultSinkFactory,
		newProcessor: defaultProcessorFactory,
		micVolume:    processors.NewVolume(cfg.MicrophoneVolume),
		sysVolume:    processors.NewVolume(cfg.SystemVolume),
		micGate:      micGate,
		sysGate:      sysGate,
		monitor:      newMonitor(),
	}
	for _, opt := range opts {
		opt(c)
	}
	path := cfg.OutputPath
	c.outputPath.Store(&path)
	c.metrics.RecordTransition(StateIdle.String(), StateIdle.String(), stateNames)
	return c, nil
}

// State returns the current state without blocking.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// IsRecording reports Running or Paused.
func (c *Controller) IsRecording() bool {
	return c.State().Recording()
}

// Devices exposes the aggregate device manager.
func (c *Controller) Devices() *aggregate.Manager {
	return c.devices
}

func (c *Controller) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	c.recordTransition(from, to)
}

func (c *Controller) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.recordTransition(from, to)
	return true
}

func (c *Controller) recordTransition(from, to State) {
	if from == to {
		return
	}
	c.metrics.RecordTransition(from.String(), to.String(), stateNames)
	c.log.Debug("session state changed",
		logger.String("from", from.String()),
		logger.String("to", to.String()))
}

func (c *Controller) buildError(err error, category errors.ErrorCategory) error {
	return errors.New(err).
		Component(componentSession).
		Category(category).
		Context("state", c.State().String()).
		Build()
}

// Start begins a recording, or resumes a paused one. It returns false when
// the session is already running, faulted, or could not be started.
func (c *Controller) Start() bool {
	return c.StartRecording() == nil
}

// StartRecording is Start with the reason for a refusal or failure.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.State(); st {
	case StatePaused:
		c.resumeLocked()
		return nil
	case StateRunning:
		c.log.Warn("start requested while already recording")
		return c.buildError(fmt.Errorf("session is already recording"), errors.CategoryAlreadyRunning)
	case StateFaulted:
		c.log.Warn("start requested on a faulted session, stop it first")
		return c.buildError(fmt.Errorf("session is faulted, stop it before starting again"), errors.CategoryState)
	case StateIdle:
	default:
		return c.buildError(fmt.Errorf("cannot start while %s", st), errors.CategoryState)
	}

	if c.startCheck != nil {
		if err := c.startCheck(c.OutputPath()); err != nil {
			c.log.Error("start check failed", logger.String("path", c.OutputPath()), logger.Error(err))
			c.metrics.RecordStart(metrics.StatusError)
			return err
		}
	}

	c.setState(StateInitializing)
	c.lastFault.Store(nil)

	p, err := c.initialize()
	if err != nil {
		c.log.Error("failed to start recording, rolling back", logger.Error(err))
		c.teardown(p)
		c.setState(StateIdle)
		c.metrics.RecordStart(metrics.StatusError)
		return err
	}

	c.pipe.Store(p)
	c.startWorkers(p)
	if !c.transition(StateInitializing, StateRunning) {
		c.log.Warn("session faulted while starting", logger.String("session_id", p.id))
	}
	c.metrics.RecordStart(metrics.StatusSuccess)
	c.log.Info("recording started",
		logger.String("session_id", p.id),
		logger.String("path", p.outputPath),
		logger.String("format", p.format.String()),
		logger.Bool("microphone", p.mic != nil),
		logger.Bool("system", p.sys != nil),
		logger.Bool("echo_cancellation", p.processor != nil))
	return nil
}

// initialize acquires the pipeline resources in order. On error the
// returned pipeline holds whatever was acquired so far.
func (c *Controller) initialize() (*pipeline, error) {
	p := &pipeline{
		id:         uuid.NewString(),
		outputPath: c.OutputPath(),
		startedAt:  time.Now(),
		frames:     c.cfg.ChunkFrames,
	}

	if c.cfg.CaptureSystem {
		dev, err := c.devices.CreateAggregateDevice(c.cfg.AggregateDeviceName)
		if err != nil {
			return p, err
		}
		p.device = dev
		tap, err := c.devices.CreateTap(c.cfg.TapName)
		if err != nil {
			return p, err
		}
		p.tap = tap
		if _, err := c.devices.AddTap(tap, dev); err != nil {
			return p, err
		}
		if p.sys, err = c.newStream(StreamSystem, dev.ID(), c.sysVolume, c.sysGate); err != nil {
			return p, err
		}
	}

	if c.cfg.CaptureMicrophone {
		id, err := c.backend.DefaultInputDevice()
		if err != nil {
			return p, errors.New(fmt.Errorf("resolve default input device: %w", err)).
				Component(componentSession).
				Category(errors.CategoryNotFound).
				Context("resource", "audio_device").
				Build()
		}
		if p.mic, err = c.newStream(StreamMicrophone, id, c.micVolume, c.micGate); err != nil {
			return p, err
		}
	}

	format, err := c.resolveOutputFormat(p)
	if err != nil {
		return p, err
	}
	p.format = format
	p.out = make([]float32, p.frames*format.Channels)
	for _, s := range p.streams() {
		s.buf = make([]float32, p.frames*s.channels)
		if s.channels != format.Channels {
			s.expanded = make([]float32, p.frames*format.Channels)
		}
		if need, capacity := len(s.buf), s.capture.Ring().Capacity(); need >= capacity {
			return p, c.buildError(fmt.Errorf("%s chunk of %d samples does not fit a ring of %d", s.name, need, capacity),
				errors.CategoryConfiguration)
		}
	}

	sink, err := c.newSink(c.cfg)
	if err != nil {
		return p, err
	}
	if err := sink.Open(p.outputPath, format); err != nil {
		return p, err
	}
	p.sink = sink

	if c.cfg.EchoCancellation && p.mic != nil && p.sys != nil {
		proc, err := c.newProcessor(c.cfg, format)
		if err != nil {
			return p, err
		}
		p.processor = proc
	}

	for _, s := range []*stream{p.sys, p.mic} {
		if s == nil {
			continue
		}
		if err := s.capture.StartRecording(); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (c *Controller) newStream(name string, device hal.ObjectID, volume *processors.Volume, gate *processors.NoiseGate) (*stream, error) {
	opts := c.cfg.Capture
	opts.Downmix = c.cfg.Mono
	dc, err := capture.New(name, c.backend, opts, c.log)
	if err != nil {
		return nil, err
	}
	if err := dc.SetDevice(device); err != nil {
		return nil, err
	}
	format, err := dc.GetAudioFormat()
	if err != nil {
		return nil, err
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	channels := format.Channels
	if opts.Downmix {
		channels = 1
	}
	return &stream{
		name:     name,
		capture:  dc,
		channels: channels,
		volume:   volume,
		gate:     gate,
	}, nil
}

// resolveOutputFormat checks that the streams can be mixed without
// resampling. A mono stream is spread over the other stream's channels.
func (c *Controller) resolveOutputFormat(p *pipeline) (audiocore.StreamFormat, error) {
	var rate, channels int
	for _, s := range p.streams() {
		f, err := s.capture.GetAudioFormat()
		if err != nil {
			return audiocore.StreamFormat{}, err
		}
		if rate != 0 && f.SampleRate != rate {
			return audiocore.StreamFormat{}, c.formatMismatch(fmt.Errorf("sample rates differ: %d Hz vs %d Hz", rate, f.SampleRate))
		}
		rate = f.SampleRate
		channels = max(channels, s.channels)
	}
	for _, s := range p.streams() {
		if s.channels != 1 && s.channels != channels {
			return audiocore.StreamFormat{}, c.formatMismatch(fmt.Errorf("cannot mix %d channel %s stream into %d channels", s.channels, s.name, channels))
		}
	}
	return audiocore.StreamFormat{
		SampleRate:  rate,
		Channels:    channels,
		BitDepth:    32,
		Interleaved: true,
		Kind:        audiocore.FloatPCM,
	}, nil
}

func (c *Controller) formatMismatch(err error) error {
	return errors.New(err).
		Component(componentSession).
		Category(errors.CategoryFormatMismatch).
		Build()
}

// Stop ends the recording from any state and always leaves the session
// Idle. Every teardown stage runs even if an earlier one fails or panics.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.State()
	if prev == StateIdle {
		return
	}
	c.setState(StateStopping)

	p := c.pipe.Load()
	if p != nil {
		p.setPaused(true)
		c.teardown(p)
		c.pipe.Store(nil)
	}
	c.setState(StateIdle)

	if p != nil {
		c.log.Info("recording stopped",
			logger.String("session_id", p.id),
			logger.String("previous_state", prev.String()),
			logger.String("path", p.outputPath),
			logger.Int64("frames_written", p.framesWritten.Load()),
			logger.Duration("duration", time.Since(p.startedAt)))
	}
}

// teardown releases p in the order captures, consumer, file, processor,
// devices. It also serves as the rollback of a partial start, so every
// stage tolerates missing parts.
func (c *Controller) teardown(p *pipeline) {
	if p == nil {
		return
	}
	c.runStage("stop_microphone", p.mic.stop)
	c.runStage("stop_system", p.sys.stop)
	c.runStage("stop_consumer", func() error {
		if p.cancel == nil {
			return nil
		}
		p.stopWorkers()
		c.reportTelemetry(p)
		return nil
	})
	c.runStage("close_file", func() error {
		if p.sink == nil {
			return nil
		}
		return p.sink.Close()
	})
	c.runStage("release_processor", func() error {
		if p.processor == nil {
			return nil
		}
		return p.processor.Close()
	})
	c.runStage("release_devices", func() error { return c.releaseDevices(p) })
}

func (c *Controller) releaseDevices(p *pipeline) error {
	var errs []error
	if p.device != nil {
		if err := c.devices.DestroyAggregateDevice(p.device); err != nil {
			errs = append(errs, err)
		}
	}
	// a tap that never got attached is not owned by the device
	if p.tap != nil && !p.tap.Released() && !c.devices.ReleaseTap(p.tap) {
		errs = append(errs, errors.Newf("tap %q could not be released", p.tap.Name()).
			Component(componentSession).
			Category(errors.CategoryResourceLeak).
			Build())
	}
	return errors.Join(errs...)
}

// runStage isolates one teardown stage.
func (c *Controller) runStage(stage string, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("teardown stage %s panicked: %v", stage, r)
			}
		}()
		err = fn()
	}()

	if err != nil {
		c.metrics.RecordTeardownStage(stage, metrics.StatusError)
		c.log.Error("teardown stage failed",
			logger.String("stage", stage),
			logger.Error(err))
		return
	}
	c.metrics.RecordTeardownStage(stage, metrics.StatusSuccess)
}

// Pause keeps devices open but drops audio until Resume.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.transition(StateRunning, StatePaused) {
		c.log.Debug("pause ignored", logger.String("state", c.State().String()))
		return false
	}
	if p := c.pipe.Load(); p != nil {
		p.setPaused(true)
	}
	c.log.Info("recording paused")
	return true
}

// Resume continues a paused recording.
func (c *Controller) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeLocked()
}

func (c *Controller) resumeLocked() bool {
	if !c.transition(StatePaused, StateRunning) {
		c.log.Debug("resume ignored", logger.String("state", c.State().String()))
		return false
	}
	if p := c.pipe.Load(); p != nil {
		p.setPaused(false)
	}
	c.log.Info("recording resumed")
	return true
}

// fault moves an active session to Faulted. Only the first fault of a
// session is reported.
func (c *Controller) fault(f Fault) {
	for {
		cur := c.State()
		if cur != StateRunning && cur != StatePaused && cur != StateInitializing {
			return
		}
		if c.transition(cur, StateFaulted) {
			break
		}
	}
	if f.Err != nil {
		f.Message = f.Err.Error()
	}
	c.lastFault.Store(&f)
	c.metrics.RecordFault(f.Stream, f.Reason)
	c.log.Error("recording faulted, stop and start again to recover",
		logger.String("session_id", f.SessionID),
		logger.String("stream", f.Stream),
		logger.String("reason", f.Reason),
		logger.Error(f.Err))
	if c.onFault != nil {
		c.onFault(f)
	}
}

// LastFault returns the fault of the current or previous session, if any.
func (c *Controller) LastFault() (Fault, bool) {
	if f := c.lastFault.Load(); f != nil {
		return *f, true
	}
	return Fault{}, false
}

// SetOutputPath sets the file of the next recording.
func (c *Controller) SetOutputPath(path string) error {
	if path == "" {
		return errors.Newf("output path is empty").
			Component(componentSession).
			Category(errors.CategoryValidation).
			Build()
	}
	c.outputPath.Store(&path)
	if c.IsRecording() {
		c.log.Info("output path changed, applies to the next recording", logger.String("path", path))
	}
	return nil
}

// OutputPath returns the file the next recording writes to.
func (c *Controller) OutputPath() string {
	return *c.outputPath.Load()
}

// SetMicNoiseReduction sets the microphone gate level (0 to 10) and
// returns the clamped level.
func (c *Controller) SetMicNoiseReduction(level int) int {
	return c.micGate.SetLevel(level)
}

// SetSpeakerNoiseReduction sets the system audio gate level (0 to 10) and
// returns the clamped level.
func (c *Controller) SetSpeakerNoiseReduction(level int) int {
	return c.sysGate.SetLevel(level)
}

// SetMicrophoneVolume sets the microphone gain and returns it clamped to [0, 1].
func (c *Controller) SetMicrophoneVolume(v float32) float32 {
	return c.micVolume.Set(v)
}

// SetSystemAudioVolume sets the system audio gain and returns it clamped to [0, 1].
func (c *Controller) SetSystemAudioVolume(v float32) float32 {
	return c.sysVolume.Set(v)
}

// GetCurrentMicrophoneApp returns the application holding the microphone.
// It never blocks on a process scan.
func (c *Controller) GetCurrentMicrophoneApp() string {
	if c.micOwner == nil {
		return micowner.UnknownApplication
	}
	return c.micOwner.CurrentApp()
}

// Subscribe delivers mixed chunks until cancel is called or the controller
// is closed. Slow subscribers lose frames.
func (c *Controller) Subscribe(buffer int) (<-chan MonitorFrame, func()) {
	return c.monitor.subscribe(buffer)
}

// Close stops any recording, ends all subscriptions and releases every
// backend object the controller created.
func (c *Controller) Close() error {
	c.Stop()
	c.monitor.closeAll()
	return c.devices.Close()
}
