package buildinfo

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextFallbacks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		ctx       *Context
		buildDate string
	}{
		{"nil context", nil, UnknownValue},
		{"empty context", &Context{}, UnknownValue},
		{"build date set", &Context{BuildDate: "2026-10-01T12:00:00Z"}, "2026-10-01T12:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.buildDate, tt.ctx.GetBuildDate())
			assert.NotEmpty(t, tt.ctx.GetVersion())
		})
	}
}

func TestContextVersion(t *testing.T) {
	t.Parallel()
	c := &Context{Version: "v1.2.3"}
	assert.Equal(t, "v1.2.3", c.GetVersion())
	assert.Equal(t, "meetrec@v1.2.3", c.Release())
}

func TestCurrentPlatform(t *testing.T) {
	t.Parallel()
	p := CurrentPlatform()
	assert.Equal(t, runtime.GOOS, p.OS)
	assert.Equal(t, runtime.GOARCH, p.Arch)
	assert.Positive(t, p.LogicalCores)
	assert.NotEmpty(t, p.CPU)
	assert.Contains(t, p.String(), runtime.GOOS+"/"+runtime.GOARCH)
}

func TestPlatformStringWithoutFeatures(t *testing.T) {
	t.Parallel()
	p := Platform{OS: "linux", Arch: "riscv64", GoVersion: "go1.26", CPU: "test", LogicalCores: 4}
	assert.Equal(t, "linux/riscv64 go1.26, test (4 threads, none)", p.String())
}
