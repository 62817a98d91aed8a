package capture

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/hal"
)

func floatBytes(samples ...float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func TestAdapterDecodesIntegerDepths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		depth int
		data  []byte
		want  float32
	}{
		{"int16 half", 16, []byte{0x00, 0x40}, 0.5},
		{"int16 min", 16, []byte{0x00, 0x80}, -1},
		{"int24 half", 24, []byte{0x00, 0x00, 0x40}, 0.5},
		{"int24 negative", 24, []byte{0x00, 0x00, 0xC0}, -0.5},
		{"int32 quarter", 32, []byte{0x00, 0x00, 0x00, 0x20}, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := newFormatAdapter(audiocore.StreamFormat{
				SampleRate: 48000, Channels: 1, BitDepth: tt.depth, Interleaved: true, Kind: audiocore.IntegerPCM,
			}, false, 8)
			require.NoError(t, err)

			out, err := a.convert(&hal.BufferList{Buffers: []hal.Buffer{{Channels: 1, Data: tt.data}}}, 1)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, out[0], 1e-6)
		})
	}
}

func TestAdapterInterleavesPlanarBuffers(t *testing.T) {
	t.Parallel()
	a, err := newFormatAdapter(audiocore.StreamFormat{
		SampleRate: 48000, Channels: 2, BitDepth: 32, Kind: audiocore.FloatPCM,
	}, false, 8)
	require.NoError(t, err)

	in := &hal.BufferList{Buffers: []hal.Buffer{
		{Channels: 1, Data: floatBytes(0.1, 0.2, 0.3)},
		{Channels: 1, Data: floatBytes(-0.1, -0.2, -0.3)},
	}}
	out, err := a.convert(in, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.1, 0.2, -0.2, 0.3, -0.3}, out)
}

func TestAdapterRejectsMalformedCycles(t *testing.T) {
	t.Parallel()
	a, err := newFormatAdapter(audiocore.StreamFormat{
		SampleRate: 48000, Channels: 2, BitDepth: 32, Interleaved: true, Kind: audiocore.FloatPCM,
	}, false, 4)
	require.NoError(t, err)

	_, err = a.convert(nil, 1)
	assert.ErrorIs(t, err, audiocore.ErrIOFailure)

	_, err = a.convert(&hal.BufferList{Buffers: []hal.Buffer{{Channels: 1, Data: floatBytes(0, 0)}}}, 2)
	assert.ErrorIs(t, err, errChannelLayout)

	_, err = a.convert(&hal.BufferList{Buffers: []hal.Buffer{{Channels: 2, Data: floatBytes(0, 0)}}}, 2)
	assert.ErrorIs(t, err, errShortBuffer)

	_, err = a.convert(&hal.BufferList{Buffers: []hal.Buffer{{Channels: 2, Data: make([]byte, 80)}}}, 10)
	assert.ErrorIs(t, err, errTooManyFrames)
}

func TestAdapterRejectsUnsupportedFormats(t *testing.T) {
	t.Parallel()

	bad := []audiocore.StreamFormat{
		{SampleRate: 48000, Channels: 1, BitDepth: 8, Kind: audiocore.IntegerPCM},
		{SampleRate: 48000, Channels: 1, BitDepth: 64, Kind: audiocore.FloatPCM},
		{SampleRate: 0, Channels: 1, BitDepth: 16, Kind: audiocore.IntegerPCM},
	}
	for _, f := range bad {
		_, err := newFormatAdapter(f, false, 8)
		assert.ErrorIs(t, err, audiocore.ErrFormatMismatch, f.String())
	}
}
