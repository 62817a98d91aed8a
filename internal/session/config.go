package session

import (
	"fmt"
	"time"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/audiocore/export"
	"github.com/tphakala/meetrec/internal/audiocore/processors"
	"github.com/tphakala/meetrec/internal/audiocore/processors/aec"
	"github.com/tphakala/meetrec/internal/capture"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/observability/metrics"
)

const componentSession = "session"

// Stream names used in logs, metrics and status.
const (
	StreamMicrophone = "microphone"
	StreamSystem     = "system"
)

// Config holds the session settings that are fixed for the controller's
// lifetime. Levels and volumes can be changed later through the controller.
type Config struct {
	OutputPath        string
	CaptureMicrophone bool
	CaptureSystem     bool
	EchoCancellation  bool
	// Mono downmixes both sources before mixing.
	Mono bool
	// BitDepth of the written PCM, 16 or 24.
	BitDepth int
	// ChunkFrames is the consumer's unit of work per stream.
	ChunkFrames int
	// MaxGateThreshold is the gate threshold at noise reduction level 10.
	MaxGateThreshold float32
	// MaxSinkErrors consecutive failed writes fault the session.
	MaxSinkErrors     int
	TelemetryInterval time.Duration

	AggregateDeviceName string
	TapName             string

	MicNoiseReduction     int
	SpeakerNoiseReduction int
	MicrophoneVolume      float32
	SystemVolume          float32

	Capture capture.Options
	AEC     aec.Config
}

// DefaultConfig records both sources in mono with echo cancellation.
func DefaultConfig() Config {
	return Config{
		OutputPath:            "recordings/meeting.wav",
		CaptureMicrophone:     true,
		CaptureSystem:         true,
		EchoCancellation:      true,
		Mono:                  true,
		BitDepth:              16,
		ChunkFrames:           480,
		MaxGateThreshold:      processors.DefaultMaxGateThreshold,
		MaxSinkErrors:         10,
		TelemetryInterval:     time.Second,
		AggregateDeviceName:   "meetrec-aggregate",
		TapName:               "meetrec-system-tap",
		MicNoiseReduction:     processors.DefaultLevel,
		SpeakerNoiseReduction: processors.DefaultLevel,
		MicrophoneVolume:      1,
		SystemVolume:          1,
		Capture:               capture.DefaultOptions(),
		AEC:                   aec.DefaultConfig(),
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if !c.CaptureMicrophone && !c.CaptureSystem {
		errs = append(errs, fmt.Errorf("at least one of microphone or system capture must be enabled"))
	}
	if c.OutputPath == "" {
		errs = append(errs, fmt.Errorf("output path is empty"))
	}
	if c.BitDepth != 16 && c.BitDepth != 24 {
		errs = append(errs, fmt.Errorf("bit depth %d is not 16 or 24", c.BitDepth))
	}
	if c.ChunkFrames <= 0 {
		errs = append(errs, fmt.Errorf("chunk frames must be positive, got %d", c.ChunkFrames))
	}
	if c.Capture.RingCapacity > 0 && c.ChunkFrames >= c.Capture.RingCapacity {
		errs = append(errs, fmt.Errorf("chunk of %d frames does not fit a ring of %d samples", c.ChunkFrames, c.Capture.RingCapacity))
	}
	if c.MaxGateThreshold <= 0 || c.MaxGateThreshold > 1 {
		errs = append(errs, fmt.Errorf("max gate threshold %v is outside (0, 1]", c.MaxGateThreshold))
	}
	if c.MaxSinkErrors <= 0 {
		errs = append(errs, fmt.Errorf("max sink errors must be positive, got %d", c.MaxSinkErrors))
	}
	if c.CaptureSystem && (c.AggregateDeviceName == "" || c.TapName == "") {
		errs = append(errs, fmt.Errorf("aggregate device and tap names are required for system capture"))
	}
	if c.EchoCancellation && c.CaptureMicrophone && c.CaptureSystem {
		if err := c.AEC.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.New(errors.Join(errs...)).
		Component(componentSession).
		Category(errors.CategoryConfiguration).
		Build()
}

// SinkFactory creates the file sink for one session.
type SinkFactory func(cfg Config) (audiocore.FileSink, error)

// ProcessorFactory creates the echo canceller for one session.
type ProcessorFactory func(cfg Config, format audiocore.StreamFormat) (audiocore.StreamProcessor, error)

// MicOwnerFinder answers which application holds the microphone.
type MicOwnerFinder interface {
	CurrentApp() string
}

func defaultSinkFactory(cfg Config) (audiocore.FileSink, error) {
	return export.NewWAVSink(cfg.BitDepth)
}

func defaultProcessorFactory(cfg Config, _ audiocore.StreamFormat) (audiocore.StreamProcessor, error) {
	return aec.New(cfg.AEC)
}

// Option configures a Controller.
type Option func(*Controller)

// WithSinkFactory replaces the WAV sink.
func WithSinkFactory(f SinkFactory) Option {
	return func(c *Controller) { c.newSink = f }
}

// WithProcessorFactory replaces the NLMS echo canceller.
func WithProcessorFactory(f ProcessorFactory) Option {
	return func(c *Controller) { c.newProcessor = f }
}

// WithMetrics exports pipeline metrics.
func WithMetrics(m *metrics.CaptureMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithMicOwnerFinder enables GetCurrentMicrophoneApp.
func WithMicOwnerFinder(f MicOwnerFinder) Option {
	return func(c *Controller) { c.micOwner = f }
}

// WithStartCheck runs check with the output path before any device is
// created. A failing check refuses the start.
func WithStartCheck(check func(outputPath string) error) Option {
	return func(c *Controller) { c.startCheck = check }
}

// WithFaultHandler is called once per fault on the goroutine that noticed
// it. The handler must not call Stop synchronously.
func WithFaultHandler(h func(Fault)) Option {
	return func(c *Controller) { c.onFault = h }
}
