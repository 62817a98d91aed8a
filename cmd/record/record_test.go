package record

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/meetrec/internal/app"
	"github.com/tphakala/meetrec/internal/buildinfo"
	"github.com/tphakala/meetrec/internal/conf"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal/haltest"
	"github.com/tphakala/meetrec/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func loadSettings(t *testing.T) *conf.Settings {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("micowner:\n  enabled: false\n"), 0o600))
	s, err := conf.Load(nil, path)
	require.NoError(t, err)
	s.Recording.OutputPath = filepath.Join(t.TempDir(), "meeting.wav")
	return s
}

func TestOverridesApply(t *testing.T) {
	t.Parallel()
	s := loadSettings(t)

	require.NoError(t, overrides{noAEC: true, noSystem: true}.apply(s))
	assert.False(t, s.Processing.EchoCancellation.Enabled)
	assert.False(t, s.Recording.System)
	assert.True(t, s.Recording.Microphone)

	err := overrides{noMic: true}.apply(s)
	require.Error(t, err, "nothing left to record")
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestRecordStopsAfterDuration(t *testing.T) {
	t.Parallel()
	s := loadSettings(t)
	backend := haltest.New()
	a, err := app.New(s, &buildinfo.Context{Version: "test"},
		app.WithBackend(backend),
		app.WithLogger(testutil.Logger()))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Record(t.Context(), a, 50*time.Millisecond, &out))
	require.NoError(t, a.Close())

	assert.Contains(t, out.String(), "Recording to "+s.Recording.OutputPath)
	assert.Contains(t, out.String(), "Stopping after 50ms")
	assert.Contains(t, out.String(), "Recorded ")
	assert.Zero(t, backend.LiveObjects())

	info, err := os.Stat(s.Recording.OutputPath)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Size(), int64(44), "a WAV header was written")
}

func TestRecordReportsStartFailure(t *testing.T) {
	t.Parallel()
	s := loadSettings(t)
	backend := haltest.New()
	backend.FailOn(haltest.OpCreateAggregateDevice, assert.AnError)
	a, err := app.New(s, nil,
		app.WithBackend(backend),
		app.WithLogger(testutil.Logger()))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	var out bytes.Buffer
	err = Record(t.Context(), a, time.Second, &out)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDeviceCreation))
	assert.Empty(t, out.String())
}
