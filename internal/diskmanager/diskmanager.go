// Package diskmanager checks that the filesystem receiving a recording has
// room for it.
package diskmanager

import (
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/logger"
)

const componentDisk = "diskmanager"

// DiskSpaceInfo holds detailed disk space information.
type DiskSpaceInfo struct {
	Path        string
	TotalBytes  uint64
	UsedBytes   uint64
	FreeBytes   uint64
	UsedPercent float64
}

// UsageFunc reports the usage of the filesystem holding path.
type UsageFunc func(path string) (DiskSpaceInfo, error)

// GetDetailedDiskUsage returns the usage of the filesystem that holds path.
// Path does not need to exist yet; its nearest existing parent is measured.
func GetDetailedDiskUsage(path string) (DiskSpaceInfo, error) {
	dir := existingDir(path)
	st, err := disk.Usage(dir)
	if err != nil {
		return DiskSpaceInfo{}, errors.New(err).
			Component(componentDisk).
			Category(errors.CategoryFileIO).
			Context("path", dir).
			Context("operation", "disk_usage").
			Build()
	}
	return DiskSpaceInfo{
		Path:        dir,
		TotalBytes:  st.Total,
		UsedBytes:   st.Used,
		FreeBytes:   st.Free,
		UsedPercent: st.UsedPercent,
	}, nil
}

func existingDir(path string) string {
	dir := filepath.Dir(filepath.Clean(path))
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// Checker refuses recordings when free space drops below a floor.
type Checker struct {
	minFree        uint64
	bytesPerSecond uint64
	usage          UsageFunc
	log            logger.Logger
}

// NewChecker creates a checker requiring minFree bytes. bytesPerSecond is
// the recording data rate, used to log how long the space lasts.
func NewChecker(minFree, bytesPerSecond uint64, log logger.Logger) *Checker {
	return &Checker{
		minFree:        minFree,
		bytesPerSecond: bytesPerSecond,
		usage:          GetDetailedDiskUsage,
		log:            log.Module(componentDisk),
	}
}

// WithUsage replaces the filesystem query.
func (c *Checker) WithUsage(fn UsageFunc) *Checker {
	c.usage = fn
	return c
}

// Check returns a resource error when the filesystem for outputPath has
// less than the required free space.
func (c *Checker) Check(outputPath string) error {
	info, err := c.usage(outputPath)
	if err != nil {
		return err
	}

	if info.FreeBytes < c.minFree {
		return errors.Newf("only %d MiB free on %s, %d MiB required",
			info.FreeBytes>>20, info.Path, c.minFree>>20).
			Component(componentDisk).
			Category(errors.CategoryResource).
			Context("path", info.Path).
			Context("free_bytes", info.FreeBytes).
			Context("required_bytes", c.minFree).
			Build()
	}

	fields := []logger.Field{
		logger.String("path", info.Path),
		logger.Uint64("free_bytes", info.FreeBytes),
		logger.Float64("used_percent", info.UsedPercent),
	}
	if headroom := c.Headroom(info); headroom > 0 {
		fields = append(fields, logger.Duration("recording_headroom", headroom))
	}
	c.log.Debug("disk space check passed", fields...)
	return nil
}

// Headroom is how long a recording can run before free space reaches the
// floor. It is zero when the data rate is unknown.
func (c *Checker) Headroom(info DiskSpaceInfo) time.Duration {
	if c.bytesPerSecond == 0 || info.FreeBytes <= c.minFree {
		return 0
	}
	seconds := (info.FreeBytes - c.minFree) / c.bytesPerSecond
	return time.Duration(seconds) * time.Second
}

// BytesPerSecond is the data rate of PCM at the given format.
func BytesPerSecond(sampleRate, channels, bitDepth int) uint64 {
	if sampleRate <= 0 || channels <= 0 || bitDepth <= 0 {
		return 0
	}
	return uint64(sampleRate) * uint64(channels) * uint64(bitDepth/8)
}
