// Package app wires settings into a running recorder: logging, telemetry,
// metrics, the audio backend, microphone owner detection and the session
// controller. Commands build one App and close it on exit.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/meetrec/internal/buildinfo"
	"github.com/tphakala/meetrec/internal/conf"
	"github.com/tphakala/meetrec/internal/diskmanager"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
	"github.com/tphakala/meetrec/internal/hal/malgo"
	"github.com/tphakala/meetrec/internal/logger"
	"github.com/tphakala/meetrec/internal/micowner"
	"github.com/tphakala/meetrec/internal/observability"
	"github.com/tphakala/meetrec/internal/session"
)

const (
	componentApp = "app"

	faultBuffer        = 4
	sentryFlushTimeout = 2 * time.Second
)

// App owns every long-lived component of the recorder.
type App struct {
	Settings *conf.Settings
	Build    *buildinfo.Context
	Log      logger.Logger
	Metrics  *observability.Metrics
	Backend  hal.Backend
	Session  *session.Controller
	MicOwner *micowner.Finder

	central *logger.CentralLogger
	faults  chan session.Fault
	sentry  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes New, mostly for tests.
type Option func(*options)

type options struct {
	backend     hal.Backend
	log         logger.Logger
	processList micowner.ProcessSource
}

// WithBackend uses backend instead of opening miniaudio. The App closes it.
func WithBackend(backend hal.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithLogger logs to log instead of building a logger from the settings.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithProcessSource scans source instead of the system process table.
func WithProcessSource(source micowner.ProcessSource) Option {
	return func(o *options) { o.processList = source }
}

// New builds the recorder. Components are created in dependency order and
// released in reverse if a later one fails.
func New(settings *conf.Settings, build *buildinfo.Context, opts ...Option) (_ *App, err error) {
	o := options{processList: micowner.SystemProcesses{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Settings: settings,
		Build:    build,
		faults:   make(chan session.Fault, faultBuffer),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err = a.initLogging(o.log); err != nil {
		return nil, err
	}
	a.Log.Info("recorder starting",
		logger.String("version", build.GetVersion()),
		logger.String("build_date", build.GetBuildDate()),
		logger.String("platform", buildinfo.CurrentPlatform().String()))

	if err = a.initTelemetry(); err != nil {
		return nil, err
	}

	if a.Metrics, err = observability.NewMetrics(); err != nil {
		return nil, errors.New(err).
			Component(componentApp).
			Category(errors.CategorySystem).
			Context("operation", "create-metrics").
			Build()
	}

	a.Backend = o.backend
	if a.Backend == nil {
		if a.Backend, err = malgo.New(BackendConfig(settings), a.Log); err != nil {
			return nil, err
		}
	}

	a.checkSystemAudio()

	sessionOpts := []session.Option{
		session.WithMetrics(a.Metrics.Capture),
		session.WithFaultHandler(a.onFault),
	}
	if floor := settings.Recording.MinFreeSpaceMB; floor > 0 {
		channels := 2
		if settings.Recording.Mono {
			channels = 1
		}
		rate := diskmanager.BytesPerSecond(settings.Audio.SampleRate, channels, settings.Recording.BitDepth)
		checker := diskmanager.NewChecker(uint64(floor)<<20, rate, a.Log)
		sessionOpts = append(sessionOpts, session.WithStartCheck(checker.Check))
	}
	if settings.MicOwner.Enabled {
		a.MicOwner = micowner.NewFinder(o.processList, a.Log,
			micowner.WithRefreshInterval(settings.MicOwner.RefreshInterval))
		sessionOpts = append(sessionOpts, session.WithMicOwnerFinder(a.MicOwner))
	}

	if a.Session, err = session.NewController(a.Backend, SessionConfig(settings), a.Log, sessionOpts...); err != nil {
		return nil, err
	}
	return a, nil
}

// checkSystemAudio drops system capture when the backend cannot provide
// it and the microphone alone can still be recorded. Without a microphone
// the start fails with the backend's reason instead.
func (a *App) checkSystemAudio() {
	rec := &a.Settings.Recording
	if !rec.System || !rec.Microphone {
		return
	}
	checker, ok := a.Backend.(hal.SystemAudioChecker)
	if !ok {
		return
	}
	if err := checker.SystemAudioSupport(); err != nil {
		a.Log.Warn("system audio capture unavailable, recording the microphone only",
			logger.Error(err))
		rec.System = false
	}
}

func (a *App) initLogging(log logger.Logger) error {
	if log != nil {
		a.Log = log
		return nil
	}
	cfg := a.Settings.Logging
	if a.Settings.Debug {
		cfg.DefaultLevel = string(logger.LogLevelDebug)
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = cfg.DefaultLevel
			cfg.Console = &console
		}
	}
	central, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return errors.New(err).
			Component(componentApp).
			Category(errors.CategoryConfiguration).
			Context("operation", "create-logger").
			Build()
	}
	a.central = central
	a.Log = central.Module("meetrec")
	return nil
}

// initTelemetry enables Sentry reporting of enhanced errors when a DSN is
// configured. Messages are scrubbed by the reporter.
func (a *App) initTelemetry() error {
	if !a.Settings.Sentry.Enabled {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              a.Settings.Sentry.DSN,
		Release:          a.Build.Release(),
		AttachStacktrace: true,
	}); err != nil {
		return errors.New(err).
			Component(componentApp).
			Category(errors.CategoryConfiguration).
			Context("operation", "init-sentry").
			Build()
	}
	a.sentry = true
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	a.Log.Info("error telemetry enabled")
	return nil
}

// onFault runs on the goroutine that detected the fault, so it only
// forwards. A fault is dropped if earlier ones are still unread.
func (a *App) onFault(f session.Fault) {
	select {
	case a.faults <- f:
	default:
		a.Log.Warn("fault queue full, dropping fault", logger.String("stream", f.Stream))
	}
}

// Faults delivers session faults to the command driving the recorder.
func (a *App) Faults() <-chan session.Fault {
	return a.faults
}

// Run starts the background workers. They stop when ctx ends or Close runs.
func (a *App) Run(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	if a.MicOwner != nil {
		a.wg.Go(func() { a.MicOwner.Run(ctx) })
	}
}

// Close stops the session, the workers and the backend, then flushes
// telemetry and logs. It is safe on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.Session != nil {
		if err := a.Session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.Backend != nil {
		if err := a.Backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.sentry {
		sentry.Flush(sentryFlushTimeout)
	}
	if a.central != nil {
		if err := a.central.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
