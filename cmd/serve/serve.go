package serve

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/meetrec/internal/api"
	"github.com/tphakala/meetrec/internal/app"
	"github.com/tphakala/meetrec/internal/conf"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/logger"
)

// Command runs the HTTP control surface until interrupted.
func Command(ctx *conf.Context) *cobra.Command {
	var record bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Long: "Serve the control API: status, start/stop/pause/resume, runtime parameters,\n" +
			"the live audio websocket and Prometheus metrics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx.Settings, ctx.Build)
			if err != nil {
				return err
			}

			l, err := net.Listen("tcp", ctx.Settings.WebServer.Listen)
			if err != nil {
				_ = a.Close()
				return errors.New(err).
					Component("serve").
					Category(errors.CategoryNetwork).
					Context("address", ctx.Settings.WebServer.Listen).
					Build()
			}

			err = Serve(sigCtx, a, l, record)
			return errors.Join(err, a.Close())
		},
	}

	cmd.Flags().StringP("listen", "l", "", "Address the control API listens on")
	_ = ctx.Viper.BindPFlag("webserver.listen", cmd.Flags().Lookup("listen"))
	cmd.Flags().BoolVar(&record, "record", false, "Start recording immediately")

	return cmd
}

// Serve runs the control API on l and supervises the session until ctx ends
// or the server fails. It owns l.
func Serve(ctx context.Context, a *app.App, l net.Listener, record bool) error {
	web := a.Settings.WebServer
	opts := []api.ServerOption{
		api.WithMonitor(web.Monitor),
		api.WithControlRateLimit(web.ControlRateLimit, web.ControlBurst),
	}
	if web.Metrics {
		opts = append(opts, api.WithMetrics(a.Metrics))
	}
	srv := api.New(a.Session, a.Log, opts...)

	a.Run(ctx)
	if record {
		if err := a.Session.StartRecording(); err != nil {
			_ = l.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(l)
	})
	g.Go(func() error {
		return a.Supervise(gctx, a.SuperviseOptionsFromSettings())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), api.ShutdownTimeout)
		defer cancel()
		a.Session.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Log.Warn("control API did not stop cleanly", logger.Error(err))
			return err
		}
		return nil
	})
	return g.Wait()
}
