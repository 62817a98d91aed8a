// Package api serves the HTTP control surface of a recording session: status,
// start/stop/pause/resume, runtime parameters, a websocket carrying the
// mixed audio and the Prometheus metrics.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/logger"
	"github.com/tphakala/meetrec/internal/observability"
	"github.com/tphakala/meetrec/internal/observability/metrics"
	"github.com/tphakala/meetrec/internal/session"
)

const (
	componentAPI = "api"

	// APIPrefix is the versioned base path of every JSON endpoint.
	APIPrefix = "/api/v1"

	// ShutdownTimeout is a reasonable bound for Shutdown.
	ShutdownTimeout = 5 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// SessionControl is the part of session.Controller the API drives.
type SessionControl interface {
	Status() session.Status
	StartRecording() error
	Stop()
	Pause() bool
	Resume() bool
	SetOutputPath(path string) error
	SetMicNoiseReduction(level int) int
	SetSpeakerNoiseReduction(level int) int
	SetMicrophoneVolume(v float32) float32
	SetSystemAudioVolume(v float32) float32
	GetCurrentMicrophoneApp() string
	Subscribe(buffer int) (<-chan session.MonitorFrame, func())
}

// Server is the HTTP control surface.
type Server struct {
	echo    *echo.Echo
	http    *http.Server
	session SessionControl
	log     logger.Logger
	metrics *observability.Metrics

	monitorEnabled bool
	monitorBuffer  int

	controlRate  rate.Limit
	controlBurst int

	// ctx ends every monitor connection on Shutdown; hijacked websocket
	// connections are not closed by http.Server.Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics exposes /metrics and records request metrics.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMonitor enables or disables the audio websocket.
func WithMonitor(enabled bool) ServerOption {
	return func(s *Server) {
		s.monitorEnabled = enabled
	}
}

// WithMonitorBuffer sets how many frames a slow websocket client may lag
// before frames are dropped for it.
func WithMonitorBuffer(frames int) ServerOption {
	return func(s *Server) {
		if frames > 0 {
			s.monitorBuffer = frames
		}
	}
}

// WithControlRateLimit limits each client to perSecond state-changing
// requests with bursts of burst. Zero perSecond disables the limit.
func WithControlRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.controlRate = rate.Limit(perSecond)
		s.controlBurst = max(burst, 1)
	}
}

// New builds the server and registers all routes.
func New(ctrl SessionControl, log logger.Logger, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		session:        ctrl,
		log:            log.Module(componentAPI),
		monitorEnabled: true,
		monitorBuffer:  session.DefaultMonitorBuffer,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleHTTPError

	s.echo.Use(echomw.Recover())
	s.echo.Use(newRequestLogger(s.log))
	if s.metrics != nil {
		s.echo.Use(newMetricsMiddleware(s.metrics.HTTP))
	}
	if s.controlRate > 0 {
		s.echo.Use(newControlRateLimiter(s.controlRate, s.controlBurst))
	}

	s.registerRoutes()

	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	return s
}

func (s *Server) registerRoutes() {
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	g := s.echo.Group(APIPrefix)
	g.GET("/status", s.handleStatus)

	control := g.Group("/control")
	control.POST("/start", s.handleStart)
	control.POST("/stop", s.handleStop)
	control.POST("/pause", s.handlePause)
	control.POST("/resume", s.handleResume)

	g.PUT("/output", s.handleSetOutput)
	g.PUT("/noise-reduction", s.handleSetNoiseReduction)
	g.PUT("/volume", s.handleSetVolume)
	g.GET("/microphone-app", s.handleMicrophoneApp)

	if s.monitorEnabled {
		g.GET("/monitor", s.handleMonitor)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("control API listening", logger.String("address", l.Addr().String()))
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(err).
			Component(componentAPI).
			Category(errors.CategoryNetwork).
			Context("address", l.Addr().String()).
			Build()
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.New(err).
			Component(componentAPI).
			Category(errors.CategoryNetwork).
			Context("address", addr).
			Build()
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests, closes monitor connections and waits
// for in-flight handlers, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	if err != nil {
		return errors.New(err).
			Component(componentAPI).
			Category(errors.CategoryTimeout).
			Build()
	}
	s.log.Info("control API stopped")
	return nil
}

func (s *Server) httpMetrics() *metrics.HTTPMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.HTTP
}
