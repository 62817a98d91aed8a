package malgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/meetrec/internal/audiocore"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, uint32(48000), cfg.SampleRate)
	assert.Equal(t, uint32(1), cfg.InputChannels)
	assert.Equal(t, uint32(2), cfg.OutputChannels)

	cfg = Config{SampleRate: 16000, OutputChannels: 1}.withDefaults()
	assert.Equal(t, uint32(16000), cfg.SampleRate)
	assert.Equal(t, uint32(1), cfg.OutputChannels)
}

func TestStreamFormatIsConvertedFloat(t *testing.T) {
	t.Parallel()

	f := Config{}.withDefaults().streamFormat(2)
	require.NoError(t, f.Validate())
	assert.Equal(t, audiocore.FloatPCM, f.Kind)
	assert.Equal(t, 32, f.BitDepth)
	assert.True(t, f.Interleaved)
	assert.Equal(t, 2, f.Channels)
	assert.Equal(t, 48000, f.SampleRate)
}

func TestSelectSystemEndpoint(t *testing.T) {
	t.Parallel()

	captures := []endpoint{
		{Name: "Built-in Audio Analog Stereo", IsDefault: true},
		{Name: "Monitor of HDMI Output"},
		{Name: "Monitor of Built-in Audio Analog Stereo"},
		{Name: "BlackHole 2ch"},
	}
	playbacks := []endpoint{
		{Name: "HDMI Output"},
		{Name: "Built-in Audio Analog Stereo", IsDefault: true},
	}

	tests := []struct {
		name      string
		captures  []endpoint
		playbacks []endpoint
		preferred string
		want      int
		wantErr   string
	}{
		{"monitor of the default sink", captures, playbacks, "", 2, ""},
		{"any monitor without a default sink", captures, playbacks[:1], "", 1, ""},
		{"exact preferred name", captures, playbacks, "BlackHole 2ch", 3, ""},
		{"preferred substring", captures, playbacks, "HDMI", 1, ""},
		{"unknown preferred name", captures, playbacks, "Soundflower", -1, `"Soundflower"`},
		{"no monitor sources", captures[:1], playbacks, "", -1, "audio.systemdevice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := selectSystemEndpoint(tt.captures, tt.playbacks, tt.preferred)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
