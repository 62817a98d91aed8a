package app

import (
	"context"
	"time"

	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/logger"
)

// DefaultMaxRestarts bounds consecutive failed restarts before Supervise
// gives up.
const DefaultMaxRestarts = 5

// SuperviseOptions controls fault recovery.
type SuperviseOptions struct {
	// RestartOnFault stops and starts a faulted session. When false the
	// session stays faulted until the operator intervenes.
	RestartOnFault bool
	// RestartDelay is waited between stopping and starting again.
	RestartDelay time.Duration
	// MaxRestarts consecutive failed restarts end Supervise with an error.
	MaxRestarts int
}

// SuperviseOptionsFromSettings reads the restart policy from the settings.
func (a *App) SuperviseOptionsFromSettings() SuperviseOptions {
	return SuperviseOptions{
		RestartOnFault: a.Settings.Recording.RestartOnFault,
		RestartDelay:   a.Settings.Recording.RestartDelay,
		MaxRestarts:    DefaultMaxRestarts,
	}
}

// Supervise handles session faults until ctx ends. A fault is recovered
// the only way the controller allows, by Stop followed by Start.
func (a *App) Supervise(ctx context.Context, opts SuperviseOptions) error {
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-a.faults:
			if !opts.RestartOnFault {
				a.Log.Warn("session faulted, waiting for a manual restart",
					logger.String("stream", f.Stream),
					logger.String("reason", f.Reason))
				continue
			}
			if err := a.restart(ctx, opts); err != nil {
				return err
			}
		}
	}
}

func (a *App) restart(ctx context.Context, opts SuperviseOptions) error {
	var lastErr error
	for attempt := 1; attempt <= opts.MaxRestarts; attempt++ {
		a.Session.Stop()
		if !sleepCtx(ctx, opts.RestartDelay) {
			return nil
		}
		lastErr = a.Session.StartRecording()
		if lastErr == nil {
			a.Log.Info("session restarted after fault", logger.Int("attempt", attempt))
			return nil
		}
		a.Log.Warn("restart failed",
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", opts.MaxRestarts),
			logger.Error(lastErr))
	}
	return errors.New(lastErr).
		Component(componentApp).
		Category(errors.CategoryOf(lastErr)).
		Context("restarts", opts.MaxRestarts).
		Build()
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
