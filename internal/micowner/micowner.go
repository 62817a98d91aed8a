// Package micowner answers which application currently holds a capture
// device open.
//
// Scanning processes is slow, so a Finder refreshes its answer in the
// background and CurrentApp only reads the cached result.
package micowner

import (
	"cmp"
	"context"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/logger"
)

// UnknownApplication is reported when no process holds a capture device.
const UnknownApplication = "Unknown Application"

// DefaultRefreshInterval is how often a running Finder rescans.
const DefaultRefreshInterval = 5 * time.Second

// CaptureDevicePattern matches ALSA capture device nodes.
const CaptureDevicePattern = "/dev/snd/pcmC*D*c"

const ownersKey = "owners"

// Process is the part of a process the Finder inspects.
type Process struct {
	PID       int32
	Name      string
	OpenFiles []string
}

// ProcessSource lists running processes.
type ProcessSource interface {
	Processes(ctx context.Context) ([]Process, error)
}

// Owner is a process holding a capture device.
type Owner struct {
	PID    int32
	Name   string
	Device string
}

// Finder caches the capture device owners.
type Finder struct {
	source   ProcessSource
	log      logger.Logger
	cache    *cache.Cache
	interval time.Duration
	selfPID  int32
}

// Option configures a Finder.
type Option func(*Finder)

// WithRefreshInterval sets the background scan interval. Cached answers
// expire after three intervals.
func WithRefreshInterval(d time.Duration) Option {
	return func(f *Finder) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithSelfPID sets the pid excluded from results. It defaults to the
// current process so the recorder never reports itself.
func WithSelfPID(pid int32) Option {
	return func(f *Finder) { f.selfPID = pid }
}

// NewFinder creates a Finder over source. Use SystemProcesses for the real
// process table.
func NewFinder(source ProcessSource, log logger.Logger, opts ...Option) *Finder {
	f := &Finder{
		source:   source,
		log:      log.Module("micowner"),
		interval: DefaultRefreshInterval,
		selfPID:  int32(os.Getpid()),
	}
	for _, opt := range opts {
		opt(f)
	}
	// one key, expiry is checked on Get, so no janitor goroutine
	f.cache = cache.New(3*f.interval, cache.NoExpiration)
	return f
}

// Refresh rescans processes and replaces the cached owners.
func (f *Finder) Refresh(ctx context.Context) error {
	procs, err := f.source.Processes(ctx)
	if err != nil {
		return errors.New(err).
			Component("micowner").
			Category(errors.CategorySystem).
			Context("operation", "list_processes").
			Build()
	}

	var owners []Owner
	for _, p := range procs {
		if p.PID == f.selfPID {
			continue
		}
		for _, path := range p.OpenFiles {
			if ok, _ := filepath.Match(CaptureDevicePattern, path); ok {
				owners = append(owners, Owner{PID: p.PID, Name: p.Name, Device: path})
				break
			}
		}
	}
	slices.SortFunc(owners, func(a, b Owner) int { return cmp.Compare(a.PID, b.PID) })
	f.cache.Set(ownersKey, owners, cache.DefaultExpiration)
	f.log.Debug("capture device owners refreshed", logger.Int("owners", len(owners)))
	return nil
}

// Owners returns the cached owners, or nil if none are known.
func (f *Finder) Owners() []Owner {
	if v, ok := f.cache.Get(ownersKey); ok {
		return slices.Clone(v.([]Owner))
	}
	return nil
}

// CurrentApp returns the name of the lowest-pid owner, or
// UnknownApplication. It never scans.
func (f *Finder) CurrentApp() string {
	owners := f.Owners()
	if len(owners) == 0 || owners[0].Name == "" {
		return UnknownApplication
	}
	return owners[0].Name
}

// Run refreshes immediately and then every interval until ctx is done.
func (f *Finder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn("failed to refresh capture device owners", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SystemProcesses reads the process table with gopsutil. Processes whose
// files cannot be read (usually for lack of permission) are skipped.
type SystemProcesses struct{}

// Processes implements ProcessSource.
func (SystemProcesses) Processes(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil || len(files) == 0 {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		paths := make([]string, len(files))
		for i, file := range files {
			paths[i] = file.Path
		}
		out = append(out, Process{PID: p.Pid, Name: name, OpenFiles: paths})
	}
	return out, nil
}
