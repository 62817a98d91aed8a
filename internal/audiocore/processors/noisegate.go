package processors

import (
	"fmt"
	"sync/atomic"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/errors"
)

const (
	// MinLevel disables the gate.
	MinLevel = 0
	// MaxLevel applies the full configured threshold.
	MaxLevel = 10
	// DefaultLevel is the level a new session starts with.
	DefaultLevel = 5
	// DefaultMaxGateThreshold is the amplitude gated at MaxLevel.
	DefaultMaxGateThreshold float32 = 0.05
)

// ClampLevel limits level to [MinLevel, MaxLevel].
func ClampLevel(level int) int {
	return min(max(level, MinLevel), MaxLevel)
}

// ThresholdForLevel maps a 0-10 level linearly onto [0, maxThreshold].
// Out of range levels are clamped.
func ThresholdForLevel(level int, maxThreshold float32) float32 {
	return float32(ClampLevel(level)) / MaxLevel * maxThreshold
}

// NoiseGate zeroes samples whose magnitude is strictly below a threshold
// derived from its level. The level may be changed concurrently with Apply.
type NoiseGate struct {
	maxThreshold float32
	level        atomic.Int32
}

// NewNoiseGate creates a gate at DefaultLevel. maxThreshold must be in (0, 1].
func NewNoiseGate(maxThreshold float32) (*NoiseGate, error) {
	if !(maxThreshold > 0 && maxThreshold <= 1) {
		return nil, errors.New(fmt.Errorf("gate threshold %v outside (0, 1]", maxThreshold)).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryValidation).
			Context("max_threshold", maxThreshold).
			Build()
	}
	g := &NoiseGate{maxThreshold: maxThreshold}
	g.level.Store(DefaultLevel)
	return g, nil
}

// SetLevel stores level clamped to [0, 10] and returns the stored value.
func (g *NoiseGate) SetLevel(level int) int {
	level = ClampLevel(level)
	g.level.Store(int32(level))
	return level
}

// Level returns the current level.
func (g *NoiseGate) Level() int { return int(g.level.Load()) }

// Threshold returns the amplitude below which samples are zeroed.
func (g *NoiseGate) Threshold() float32 {
	return ThresholdForLevel(g.Level(), g.maxThreshold)
}

// Apply gates samples in place and returns how many were zeroed.
func (g *NoiseGate) Apply(samples []float32) int {
	level := g.Level()
	if level == MinLevel {
		return 0
	}
	return Gate(samples, ThresholdForLevel(level, g.maxThreshold))
}

// Gate zeroes samples with magnitude strictly below threshold. A sample
// exactly at the threshold passes.
func Gate(samples []float32, threshold float32) int {
	if threshold <= 0 {
		return 0
	}
	gated := 0
	for i, s := range samples {
		if s < threshold && s > -threshold && s != 0 {
			samples[i] = 0
			gated++
		}
	}
	return gated
}
