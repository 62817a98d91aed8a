package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/meetrec/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadEmbeddedDefaultsMatchSetDefaults(t *testing.T) {
	t.Parallel()
	fromFile, err := Load(nil, writeConfig(t, string(DefaultConfigYAML())))
	require.NoError(t, err)

	// an empty file leaves every key at its SetDefault value
	fromDefaults, err := Load(nil, writeConfig(t, "{}\n"))
	require.NoError(t, err)

	fromDefaults.Logging.ModuleLevels = fromFile.Logging.ModuleLevels
	assert.Equal(t, fromFile, fromDefaults, "config.yaml and setDefaultConfig drifted apart")
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	s, err := Load(nil, writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "recordings/meeting.wav", s.Recording.OutputPath)
	assert.True(t, s.Recording.Microphone)
	assert.True(t, s.Recording.System)
	assert.Equal(t, 16, s.Recording.BitDepth)
	assert.Equal(t, 48000, s.Audio.SampleRate)
	assert.Equal(t, 10*time.Millisecond, s.Audio.ReadTimeout)
	assert.Equal(t, 5, s.Processing.MicNoiseReduction)
	assert.InDelta(t, 0.05, s.Processing.MaxGateThreshold, 1e-9)
	assert.True(t, s.Processing.EchoCancellation.Enabled)
	assert.Equal(t, "info", s.Logging.DefaultLevel)
	require.NotNil(t, s.Logging.Console)
	assert.True(t, s.Logging.Console.Enabled)
	assert.False(t, s.WebServer.Enabled)
	assert.False(t, s.Sentry.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
recording:
  outputpath: /tmp/standup.wav
  system: false
  duration: 90s
audio:
  chunkframes: 960
processing:
  echocancellation:
    enabled: false
logging:
  default_level: debug
  module_levels:
    session: trace
`)
	s, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/standup.wav", s.Recording.OutputPath)
	assert.False(t, s.Recording.System)
	assert.True(t, s.Recording.Microphone, "unset keys keep their defaults")
	assert.Equal(t, 90*time.Second, s.Recording.Duration)
	assert.Equal(t, 960, s.Audio.ChunkFrames)
	assert.False(t, s.Processing.EchoCancellation.Enabled)
	assert.Equal(t, "debug", s.Logging.DefaultLevel)
	assert.Equal(t, map[string]string{"session": "trace"}, s.Logging.ModuleLevels)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "recording:\n  outputpath: from-file.wav\n")
	t.Setenv("MEETREC_OUTPUT", "from-env.wav")
	t.Setenv("MEETREC_AUDIO_CHUNKFRAMES", "240")
	t.Setenv("MEETREC_AEC", "false")

	s, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.wav", s.Recording.OutputPath)
	assert.Equal(t, 240, s.Audio.ChunkFrames)
	assert.False(t, s.Processing.EchoCancellation.Enabled)
}

func TestLoadBoundValuesOverrideEverything(t *testing.T) {
	t.Setenv("MEETREC_OUTPUT", "from-env.wav")
	v := viper.New()
	v.Set("recording.outputpath", "from-flag.wav")

	s, err := Load(v, writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-flag.wav", s.Recording.OutputPath)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
recording:
  microphone: false
  system: false
  bitdepth: 12
processing:
  micnoisereduction: 11
`)
	_, err := Load(nil, path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Parallel()
	_, err := Load(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("MEETREC_LISTEN", "no-port")
	_, err := Load(nil, writeConfig(t, "{}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEETREC_LISTEN")
}

func TestDumpRoundTripsThroughLoad(t *testing.T) {
	t.Parallel()
	s, err := Load(nil, writeConfig(t, "recording:\n  outputpath: dumped.wav\n"))
	require.NoError(t, err)

	data, err := Dump(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Contains(t, raw, "recording")
	assert.Contains(t, raw, "logging")

	again, err := Load(nil, writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, "dumped.wav", again.Recording.OutputPath)
	assert.Equal(t, s.Audio, again.Audio)
}

func TestWriteDefaultConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meetrec", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfigYAML(), data)

	err = WriteDefaultConfig(path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
}

func TestContextLoadHonoursBoundValues(t *testing.T) {
	path := writeConfig(t, "recording:\n  bitdepth: 24\n  mono: false\n")

	c := NewContext(nil)
	c.ConfigFile = path
	c.Viper.Set("recording.bitdepth", 16)
	require.NoError(t, c.Load())

	require.NotNil(t, c.Settings)
	assert.Equal(t, 16, c.Settings.Recording.BitDepth)
	assert.False(t, c.Settings.Recording.Mono)
	assert.Equal(t, path, c.ConfigFileUsed())
}
