package devices

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/meetrec/internal/conf"
	"github.com/tphakala/meetrec/internal/hal/malgo"
)

// Command lists the capture and playback endpoints.
func Command(_ *conf.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Long:  "List the capture and playback endpoints the audio backend can open.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := malgo.ListDevices()
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), infos)
		},
	}
}

func printDevices(w io.Writer, infos []malgo.DeviceInfo) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "No audio devices found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tDEFAULT\tNAME\tID")
	for _, d := range infos {
		kind := "capture"
		if d.Playback {
			kind = "playback"
		}
		def := ""
		if d.IsDefault {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, def, d.Name, d.ID)
	}
	return tw.Flush()
}
