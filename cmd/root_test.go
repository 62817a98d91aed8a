package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/meetrec/internal/buildinfo"
	"github.com/tphakala/meetrec/internal/conf"
	"github.com/tphakala/meetrec/internal/errors"
)

func execute(t *testing.T, args ...string) (*conf.Context, string, error) {
	t.Helper()
	ctx := conf.NewContext(&buildinfo.Context{Version: "1.2.3", BuildDate: "2026-01-02"})
	root := RootCommand(ctx)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return ctx, out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersionSkipsConfiguration(t *testing.T) {
	_, out, err := execute(t, "version", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "meetrec 1.2.3 (built 2026-01-02)\n"), out)
	assert.Contains(t, out, runtime.GOOS+"/"+runtime.GOARCH)
}

func TestConfigPrintsEffectiveSettings(t *testing.T) {
	path := writeConfig(t, "recording:\n  bitdepth: 24\n")

	ctx, out, err := execute(t, "config", "--config", path, "--debug")
	require.NoError(t, err)
	assert.Contains(t, out, "# loaded from "+path)
	assert.True(t, ctx.Settings.Debug, "--debug is bound to the debug key")

	var dumped conf.Settings
	require.NoError(t, yaml.Unmarshal([]byte(out), &dumped))
	assert.Equal(t, 24, dumped.Recording.BitDepth)
}

func TestConfigInitWritesDefaults(t *testing.T) {
	target := filepath.Join(t.TempDir(), "meetrec.yaml")

	_, out, err := execute(t, "config", "--config", writeConfig(t, "{}\n"), "--init", "--path", target)
	require.NoError(t, err)
	assert.Contains(t, out, target)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, conf.DefaultConfigYAML(), data)

	_, _, err = execute(t, "config", "--config", writeConfig(t, "{}\n"), "--init", "--path", target)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
}

func TestInvalidConfigurationFailsBeforeRunning(t *testing.T) {
	path := writeConfig(t, "recording:\n  bitdepth: 12\n")

	_, _, err := execute(t, "config", "--config", path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestRecordRejectsDisablingEveryStream(t *testing.T) {
	_, _, err := execute(t, "record", "--config", writeConfig(t, "{}\n"), "--no-mic", "--no-system")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestRecordFlagsBindToSettings(t *testing.T) {
	// An invalid duration fails validation after the flags are merged, so
	// nothing is recorded.
	out := filepath.Join(t.TempDir(), "flagged.wav")
	ctx, _, err := execute(t, "record", "--config", writeConfig(t, "{}\n"),
		"--output", out, "--duration", "-1s")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Nil(t, ctx.Settings)
}
