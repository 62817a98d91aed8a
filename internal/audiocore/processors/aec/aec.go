// Package aec implements a normalized least mean squares (NLMS) acoustic
// echo canceller behind the audiocore.StreamProcessor contract.
//
// The far-end (reference) signal is fed with FeedReverseStream and queued;
// ProcessCaptureStream consumes one reference sample per near-end frame,
// estimates the echo with an adaptive FIR filter and subtracts it from every
// channel in place. Both streams must share one sample rate.
package aec

import (
	"fmt"
	"math"
	"sync"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/errors"
)

const componentAEC = "aec"

// Config tunes the canceller.
type Config struct {
	// FilterLength is the number of taps, i.e. the longest echo path in samples.
	FilterLength int
	// StepSize is the NLMS adaptation rate in (0, 2).
	StepSize float32
	// Regularization keeps the normalization stable on silent input.
	Regularization float32
	// MaxPendingReference bounds the queued far-end samples. Older samples
	// are dropped when the near end falls behind.
	MaxPendingReference int
}

// DefaultConfig covers about 10 ms of echo path at 48 kHz.
func DefaultConfig() Config {
	return Config{
		FilterLength:        512,
		StepSize:            0.3,
		Regularization:      1e-6,
		MaxPendingReference: 48000,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var problems []error
	if c.FilterLength <= 0 {
		problems = append(problems, fmt.Errorf("filter length %d must be positive", c.FilterLength))
	}
	if !(c.StepSize > 0 && c.StepSize < 2) {
		problems = append(problems, fmt.Errorf("step size %v outside (0, 2)", c.StepSize))
	}
	if c.Regularization < 0 {
		problems = append(problems, fmt.Errorf("regularization %v is negative", c.Regularization))
	}
	if c.MaxPendingReference < c.FilterLength {
		problems = append(problems, fmt.Errorf("max pending reference %d below filter length %d", c.MaxPendingReference, c.FilterLength))
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.Join(problems...)).
		Component(componentAEC).
		Category(errors.CategoryConfiguration).
		Build()
}

// Stats describes the canceller's work so far.
type Stats struct {
	FramesProcessed  uint64
	ReferenceDropped uint64
	ReferenceStarved uint64
	NearEndEnergy    float64
	ResidualEnergy   float64
	EchoReturnLossDB float64
}

// Canceller is safe for one feeding goroutine and one processing goroutine.
type Canceller struct {
	mu  sync.Mutex
	cfg Config

	weights []float32
	// history holds the newest FilterLength reference samples twice so the
	// window history[pos:pos+n] is contiguous, newest first.
	history []float32
	pos     int
	energy  float64

	pending    []float32
	head, size int

	sampleRate int
	closed     bool
	stats      Stats
}

var _ audiocore.StreamProcessor = (*Canceller)(nil)

// New returns a fully initialized canceller.
func New(cfg Config) (*Canceller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Canceller{
		cfg:     cfg,
		weights: make([]float32, cfg.FilterLength),
		history: make([]float32, 2*cfg.FilterLength),
		pending: make([]float32, cfg.MaxPendingReference),
	}, nil
}

// Config returns the configuration the canceller was built with.
func (c *Canceller) Config() Config { return c.cfg }

func (c *Canceller) buildError(err error, category errors.ErrorCategory) error {
	return errors.New(err).Component(componentAEC).Category(category).Build()
}

func (c *Canceller) checkLocked(samples []float32, sampleRate, channels, frameCount int) error {
	if c.closed {
		return c.buildError(fmt.Errorf("canceller is closed"), errors.CategoryState)
	}
	if sampleRate <= 0 || channels <= 0 || frameCount < 0 {
		return c.buildError(fmt.Errorf("invalid stream: rate=%d channels=%d frames=%d", sampleRate, channels, frameCount), errors.CategoryValidation)
	}
	if len(samples) < frameCount*channels {
		return c.buildError(fmt.Errorf("got %d samples for %d frames of %d channels", len(samples), frameCount, channels), errors.CategoryValidation)
	}
	switch c.sampleRate {
	case 0:
		c.sampleRate = sampleRate
	case sampleRate:
	default:
		return c.buildError(fmt.Errorf("stream at %d Hz, canceller running at %d Hz", sampleRate, c.sampleRate), errors.CategoryFormatMismatch)
	}
	return nil
}

// FeedReverseStream queues the far-end signal, downmixed to mono.
func (c *Canceller) FeedReverseStream(samples []float32, sampleRate, channels, frameCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(samples, sampleRate, channels, frameCount); err != nil {
		return err
	}

	inv := 1 / float32(channels)
	for f := range frameCount {
		var s float32
		for ch := range channels {
			s += samples[f*channels+ch]
		}
		c.pushLocked(s * inv)
	}
	return nil
}

func (c *Canceller) pushLocked(s float32) {
	n := len(c.pending)
	if c.size == n {
		c.head = (c.head + 1) % n
		c.size--
		c.stats.ReferenceDropped++
	}
	c.pending[(c.head+c.size)%n] = s
	c.size++
}

func (c *Canceller) popLocked() float32 {
	if c.size == 0 {
		c.stats.ReferenceStarved++
		return 0
	}
	s := c.pending[c.head]
	c.head = (c.head + 1) % len(c.pending)
	c.size--
	return s
}

// ProcessCaptureStream removes the estimated echo from the near-end signal
// in place.
func (c *Canceller) ProcessCaptureStream(samples []float32, sampleRate, channels, frameCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(samples, sampleRate, channels, frameCount); err != nil {
		return err
	}

	n := c.cfg.FilterLength
	mu := c.cfg.StepSize
	inv := 1 / float32(channels)
	for f := range frameCount {
		c.pos--
		if c.pos < 0 {
			c.pos = n - 1
		}
		old := c.history[c.pos]
		x := c.popLocked()
		c.history[c.pos] = x
		c.history[c.pos+n] = x
		c.energy += float64(x)*float64(x) - float64(old)*float64(old)
		if c.energy < 0 {
			c.energy = 0
		}
		window := c.history[c.pos : c.pos+n]

		var echo float32
		for k, w := range c.weights {
			echo += w * window[k]
		}

		frame := samples[f*channels : f*channels+channels]
		var near float32
		for _, s := range frame {
			near += s
		}
		near *= inv
		residual := near - echo
		for ch := range frame {
			frame[ch] -= echo
		}

		c.stats.NearEndEnergy += float64(near) * float64(near)
		c.stats.ResidualEnergy += float64(residual) * float64(residual)

		g := mu * residual / (float32(c.energy) + c.cfg.Regularization)
		if g != 0 {
			for k := range c.weights {
				c.weights[k] += g * window[k]
			}
		}
	}
	c.stats.FramesProcessed += uint64(frameCount)
	return nil
}

// Reset clears the adaptive state and queued reference without releasing
// memory. The sample rate is relatched on the next call.
func (c *Canceller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.weights)
	clear(c.history)
	c.pos, c.energy = 0, 0
	c.head, c.size = 0, 0
	c.sampleRate = 0
	c.stats = Stats{}
}

// Stats returns a snapshot of the counters.
func (c *Canceller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	if s.ResidualEnergy > 0 && s.NearEndEnergy > 0 {
		s.EchoReturnLossDB = 10 * math.Log10(s.NearEndEnergy/s.ResidualEnergy)
	}
	return s
}

// Close releases the filter state. Further calls fail; Close is idempotent.
func (c *Canceller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.weights, c.history, c.pending = nil, nil, nil
	return nil
}
