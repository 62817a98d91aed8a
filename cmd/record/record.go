package record

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/meetrec/internal/app"
	"github.com/tphakala/meetrec/internal/conf"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/session"
)

// overrides are flags that switch features off and so have no viper key
// of their own.
type overrides struct {
	noMic    bool
	noSystem bool
	noAEC    bool
}

func (o overrides) apply(s *conf.Settings) error {
	if o.noMic {
		s.Recording.Microphone = false
	}
	if o.noSystem {
		s.Recording.System = false
	}
	if o.noAEC {
		s.Processing.EchoCancellation.Enabled = false
	}
	if err := conf.ValidateSettings(s); err != nil {
		return errors.New(err).
			Component("record").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// Command records until interrupted or until --duration elapses.
func Command(ctx *conf.Context) *cobra.Command {
	var o overrides

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the microphone and system audio",
		Long: "Record the default microphone and the system output into one WAV file.\n" +
			"Recording stops on Ctrl+C or when --duration elapses. A faulted session is\n" +
			"restarted when recording.restartonfault is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.apply(ctx.Settings); err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx.Settings, ctx.Build)
			if err != nil {
				return err
			}
			err = Record(sigCtx, a, ctx.Settings.Recording.Duration, cmd.OutOrStdout())
			return errors.Join(err, a.Close())
		},
	}

	cmd.Flags().StringP("output", "o", "", "WAV file to write")
	cmd.Flags().Duration("duration", 0, "Stop after this long, 0 records until interrupted")
	_ = ctx.Viper.BindPFlag("recording.outputpath", cmd.Flags().Lookup("output"))
	_ = ctx.Viper.BindPFlag("recording.duration", cmd.Flags().Lookup("duration"))

	cmd.Flags().BoolVar(&o.noMic, "no-mic", false, "Do not record the microphone")
	cmd.Flags().BoolVar(&o.noSystem, "no-system", false, "Do not record system audio")
	cmd.Flags().BoolVar(&o.noAEC, "no-aec", false, "Disable echo cancellation")

	return cmd
}

// Record starts a recording on a, supervises it until ctx ends or duration
// elapses, then stops it and prints a summary to w.
func Record(ctx context.Context, a *app.App, duration time.Duration, w io.Writer) error {
	a.Run(ctx)

	if err := a.Session.StartRecording(); err != nil {
		return err
	}
	st := a.Session.Status()
	fmt.Fprintf(w, "Recording to %s (%d Hz, %d channel(s))\n", st.OutputPath, st.SampleRate, st.Channels)
	if duration > 0 {
		fmt.Fprintf(w, "Stopping after %s, press Ctrl+C to stop earlier\n", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	} else {
		fmt.Fprintln(w, "Press Ctrl+C to stop")
	}

	err := a.Supervise(ctx, a.SuperviseOptionsFromSettings())

	final := a.Session.Status()
	a.Session.Stop()
	printSummary(w, final)
	return err
}

func printSummary(w io.Writer, st session.Status) {
	elapsed := time.Duration(st.ElapsedSeconds * float64(time.Second)).Round(time.Second)
	fmt.Fprintf(w, "Recorded %s to %s\n", elapsed, st.OutputPath)
	fmt.Fprintf(w, "  frames written: %d\n", st.FramesWritten)
	if st.SinkErrors > 0 {
		fmt.Fprintf(w, "  write errors:   %d\n", st.SinkErrors)
	}
	if st.MonitorDropped > 0 {
		fmt.Fprintf(w, "  monitor drops:  %d\n", st.MonitorDropped)
	}
	if st.LastFault != nil {
		fmt.Fprintf(w, "  last fault:     %s on %s at %s\n",
			st.LastFault.Reason, st.LastFault.Stream, st.LastFault.At.Format(time.TimeOnly))
	}
}
