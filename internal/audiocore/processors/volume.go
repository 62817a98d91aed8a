// Package processors provides the per-chunk sample transforms the session
// consumer applies to captured audio: volume, noise gate and mixing.
//
// All transforms work in place on interleaved float32 samples, run in
// O(len(samples)) and never allocate.
package processors

import (
	"math"
	"sync/atomic"
)

// ClampVolume limits v to [0, 1]. NaN is treated as silence.
func ClampVolume(v float32) float32 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// ApplyVolume scales samples by v after clamping it to [0, 1].
func ApplyVolume(samples []float32, v float32) {
	v = ClampVolume(v)
	if v == 1 {
		return
	}
	for i := range samples {
		samples[i] *= v
	}
}

// Volume is a volume setting that can be changed from the control path while
// the consumer applies it.
type Volume struct {
	bits atomic.Uint32
}

// NewVolume returns a Volume set to v.
func NewVolume(v float32) *Volume {
	vol := &Volume{}
	vol.Set(v)
	return vol
}

// Set stores v clamped to [0, 1] and returns the stored value.
func (vol *Volume) Set(v float32) float32 {
	v = ClampVolume(v)
	vol.bits.Store(math.Float32bits(v))
	return v
}

// Get returns the current volume.
func (vol *Volume) Get() float32 {
	return math.Float32frombits(vol.bits.Load())
}

// Apply scales samples by the current volume.
func (vol *Volume) Apply(samples []float32) {
	ApplyVolume(samples, vol.Get())
}
