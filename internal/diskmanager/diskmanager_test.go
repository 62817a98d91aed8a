package diskmanager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/testutil"
)

func fixedUsage(free uint64) UsageFunc {
	return func(path string) (DiskSpaceInfo, error) {
		return DiskSpaceInfo{Path: filepath.Dir(path), TotalBytes: 100 << 30, FreeBytes: free}, nil
	}
}

func TestGetDetailedDiskUsageOfMissingFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	info, err := GetDetailedDiskUsage(filepath.Join(dir, "not", "yet", "meeting.wav"))
	require.NoError(t, err)
	assert.Equal(t, dir, info.Path, "nearest existing parent is measured")
	assert.Positive(t, info.TotalBytes)
	assert.LessOrEqual(t, info.FreeBytes, info.TotalBytes)
}

func TestCheckerFloor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		free    uint64
		wantErr bool
	}{
		{"plenty", 10 << 30, false},
		{"exactly the floor", 256 << 20, false},
		{"below the floor", 255 << 20, true},
		{"full", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewChecker(256<<20, 0, testutil.Logger()).WithUsage(fixedUsage(tt.free))
			err := c.Check("/recordings/meeting.wav")
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryResource))
			assert.Contains(t, err.Error(), "256 MiB required")
		})
	}
}

func TestCheckerPropagatesUsageErrors(t *testing.T) {
	t.Parallel()
	c := NewChecker(1, 0, testutil.Logger()).WithUsage(func(string) (DiskSpaceInfo, error) {
		return DiskSpaceInfo{}, assert.AnError
	})
	assert.ErrorIs(t, c.Check("x.wav"), assert.AnError)
}

func TestHeadroom(t *testing.T) {
	t.Parallel()
	rate := BytesPerSecond(48000, 1, 16)
	assert.Equal(t, uint64(96000), rate)

	c := NewChecker(1000, rate, testutil.Logger())
	assert.Equal(t, 10*time.Second, c.Headroom(DiskSpaceInfo{FreeBytes: 1000 + 960000}))
	assert.Zero(t, c.Headroom(DiskSpaceInfo{FreeBytes: 500}))
	assert.Zero(t, NewChecker(0, 0, testutil.Logger()).Headroom(DiskSpaceInfo{FreeBytes: 1 << 30}))
	assert.Zero(t, BytesPerSecond(0, 2, 16))
}
