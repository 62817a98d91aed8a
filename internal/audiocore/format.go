package audiocore

import (
	"fmt"
	"time"

	"github.com/tphakala/meetrec/internal/errors"
)

// FormatKind is the sample encoding of a stream.
type FormatKind int

const (
	// IntegerPCM is signed little-endian linear PCM.
	IntegerPCM FormatKind = iota
	// FloatPCM is IEEE 754 little-endian float32.
	FloatPCM
)

func (k FormatKind) String() string {
	switch k {
	case IntegerPCM:
		return "int"
	case FloatPCM:
		return "float"
	default:
		return fmt.Sprintf("FormatKind(%d)", int(k))
	}
}

// StreamFormat describes a device stream. It is fixed once I/O has started;
// a change reported by the device faults the capture instead of mutating it.
type StreamFormat struct {
	SampleRate  int
	Channels    int
	BitDepth    int
	Interleaved bool
	Kind        FormatKind
}

// BytesPerSample returns the size of one sample of one channel.
func (f StreamFormat) BytesPerSample() int {
	return f.BitDepth / 8
}

// BytesPerFrame returns the size of one frame across all channels of an
// interleaved buffer.
func (f StreamFormat) BytesPerFrame() int {
	return f.BytesPerSample() * f.Channels
}

// FrameDuration converts a frame count into wall-clock time.
func (f StreamFormat) FrameDuration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

func (f StreamFormat) String() string {
	layout := "interleaved"
	if !f.Interleaved {
		layout = "planar"
	}
	return fmt.Sprintf("%dHz/%dch/%dbit-%s/%s", f.SampleRate, f.Channels, f.BitDepth, f.Kind, layout)
}

// Validate rejects formats the pipeline cannot adapt.
func (f StreamFormat) Validate() error {
	valid := f.SampleRate > 0 && f.Channels > 0
	switch f.Kind {
	case FloatPCM:
		valid = valid && f.BitDepth == 32
	case IntegerPCM:
		valid = valid && (f.BitDepth == 16 || f.BitDepth == 24 || f.BitDepth == 32)
	default:
		valid = false
	}
	if valid {
		return nil
	}
	return errors.Newf("unsupported stream format %s", f).
		Component(ComponentAudioCore).
		Category(errors.CategoryFormatMismatch).
		Context("format", f.String()).
		Build()
}

// Timestamp marks the start of an I/O cycle.
type Timestamp struct {
	SampleTime float64       // frames since the device started
	HostTime   time.Duration // monotonic time since the device started
}
