package capture

import (
	"encoding/binary"
	"math"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
)

// Errors returned from the real-time path are built once; constructing an
// error per cycle would allocate on the I/O goroutine.
var (
	errNoBuffers = errors.Newf("cycle delivered no buffers").
			Component(componentCapture).
			Category(errors.CategoryIOFailure).
			Build()
	errChannelLayout = errors.Newf("cycle channel layout does not match the stream format").
				Component(componentCapture).
				Category(errors.CategoryIOFailure).
				Build()
	errShortBuffer = errors.Newf("cycle buffer shorter than its frame count").
			Component(componentCapture).
			Category(errors.CategoryIOFailure).
			Build()
	errTooManyFrames = errors.Newf("cycle exceeds the preallocated frame budget").
				Component(componentCapture).
				Category(errors.CategoryIOFailure).
				Build()
)

const (
	int16Scale = 1.0 / 32768.0
	int24Scale = 1.0 / 8388608.0
	int32Scale = 1.0 / 2147483648.0
)

// formatAdapter converts the device's native buffers into interleaved
// float32. Each buffer of a cycle is interleaved over its own channels, so
// planar streams (one channel per buffer) and aggregate devices (one buffer
// per tap) are handled the same way.
type formatAdapter struct {
	format      audiocore.StreamFormat
	outChannels int
	maxFrames   int
	scratch     []float32
}

func newFormatAdapter(format audiocore.StreamFormat, downmix bool, maxFrames int) (*formatAdapter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	out := format.Channels
	if downmix {
		out = 1
	}
	return &formatAdapter{
		format:      format,
		outChannels: out,
		maxFrames:   maxFrames,
		scratch:     make([]float32, maxFrames*out),
	}, nil
}

// OutputFormat describes the samples convert produces.
func (a *formatAdapter) OutputFormat() audiocore.StreamFormat {
	return audiocore.StreamFormat{
		SampleRate:  a.format.SampleRate,
		Channels:    a.outChannels,
		BitDepth:    32,
		Interleaved: true,
		Kind:        audiocore.FloatPCM,
	}
}

// convert returns a view into the adapter's scratch buffer, valid until the
// next call.
func (a *formatAdapter) convert(in *hal.BufferList, frames int) ([]float32, error) {
	if in == nil || len(in.Buffers) == 0 {
		return nil, errNoBuffers
	}
	if frames > a.maxFrames {
		return nil, errTooManyFrames
	}

	bps := a.format.BytesPerSample()
	channels := 0
	for i := range in.Buffers {
		b := &in.Buffers[i]
		if b.Channels <= 0 {
			return nil, errChannelLayout
		}
		if len(b.Data) < frames*b.Channels*bps {
			return nil, errShortBuffer
		}
		channels += b.Channels
	}
	if channels != a.format.Channels {
		return nil, errChannelLayout
	}

	out := a.scratch[:frames*a.outChannels]
	if a.outChannels == 1 && channels > 1 {
		clear(out)
		inv := float32(1) / float32(channels)
		for i := range in.Buffers {
			b := &in.Buffers[i]
			for f := range frames {
				base := f * b.Channels * bps
				for j := range b.Channels {
					out[f] += a.decode(b.Data[base+j*bps:]) * inv
				}
			}
		}
		return out, nil
	}

	offset := 0
	for i := range in.Buffers {
		b := &in.Buffers[i]
		for f := range frames {
			base := f * b.Channels * bps
			dst := f*a.outChannels + offset
			for j := range b.Channels {
				out[dst+j] = a.decode(b.Data[base+j*bps:])
			}
		}
		offset += b.Channels
	}
	return out, nil
}

func (a *formatAdapter) decode(p []byte) float32 {
	switch {
	case a.format.Kind == audiocore.FloatPCM:
		return math.Float32frombits(binary.LittleEndian.Uint32(p))
	case a.format.BitDepth == 16:
		return float32(int16(binary.LittleEndian.Uint16(p))) * int16Scale
	case a.format.BitDepth == 24:
		v := int32(p[0]) | int32(p[1])<<8 | int32(int8(p[2]))<<16
		return float32(v) * int24Scale
	default:
		return float32(int32(binary.LittleEndian.Uint32(p))) * int32Scale
	}
}
