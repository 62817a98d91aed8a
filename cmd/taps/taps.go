package taps

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tphakala/meetrec/internal/aggregate"
	"github.com/tphakala/meetrec/internal/app"
	"github.com/tphakala/meetrec/internal/conf"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
	"github.com/tphakala/meetrec/internal/logger"
)

// Command exercises the aggregate device and tap lifecycle on the real
// backend and reports anything left behind.
func Command(ctx *conf.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "taps",
		Short: "Run the aggregate device and tap diagnostic",
		Long: "Create an aggregate device and a system audio tap, attach and list the tap,\n" +
			"then release everything and verify no backend object is left behind.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(ctx.Settings, ctx.Build)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			return Diagnose(cmd.OutOrStdout(), a.Backend, a.Log,
				ctx.Settings.Audio.AggregateName+" (diagnostic)",
				ctx.Settings.Audio.TapName)
		},
	}
}

// Diagnose walks one aggregate device and one tap through their whole
// lifecycle, printing each step to w.
func Diagnose(w io.Writer, backend hal.Backend, log logger.Logger, deviceName, tapName string) (err error) {
	m := aggregate.NewManager(backend, log)
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	step := func(format string, args ...any) {
		fmt.Fprintf(w, "  "+format+"\n", args...)
	}
	fmt.Fprintln(w, "Aggregate device and tap diagnostic")

	dev, err := m.CreateAggregateDevice(deviceName)
	if err != nil {
		return err
	}
	step("created aggregate device %q (id %d, uid %s)", dev.Name(), dev.ID(), dev.UID())

	tap, err := m.CreateTap(tapName)
	if err != nil {
		return err
	}
	step("created tap %q (id %d, uid %s)", tap.Name(), tap.ID(), tap.UID())

	if _, err = m.AddTap(tap, dev); err != nil {
		return err
	}
	step("attached tap to device")

	infos, err := m.ListTaps(dev)
	if err != nil {
		return err
	}
	step("device reports %d tap(s)", len(infos))
	for _, info := range infos {
		step("  - %q (id %d)", info.Name, info.ID)
	}
	if !containsTap(infos, tap.ID()) {
		return errors.Newf("tap %d missing from device %q", tap.ID(), dev.Name()).
			Component("taps").
			Category(errors.CategoryState).
			Build()
	}

	if !m.ReleaseTap(tap) {
		return errors.Newf("backend refused to release tap %q", tap.Name()).
			Component("taps").
			Category(errors.CategoryResourceLeak).
			Build()
	}
	step("released tap")

	if err = m.DestroyAggregateDevice(dev); err != nil {
		return err
	}
	step("destroyed aggregate device")

	allocated, released := m.Tracker().Counts()
	if left := m.Tracker().Outstanding(); len(left) > 0 {
		for _, r := range left {
			step("leaked %s %q (id %d)", r.Kind, r.Name, r.ID)
		}
		return errors.Newf("%d backend object(s) left behind", len(left)).
			Component("taps").
			Category(errors.CategoryResourceLeak).
			Build()
	}
	fmt.Fprintf(w, "OK: %d object(s) created, %d released\n", allocated, released)
	return nil
}

func containsTap(infos []aggregate.TapInfo, id hal.ObjectID) bool {
	for _, info := range infos {
		if info.ID == id {
			return true
		}
	}
	return false
}
