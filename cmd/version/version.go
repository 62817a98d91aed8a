package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/meetrec/internal/buildinfo"
	"github.com/tphakala/meetrec/internal/conf"
)

// Command prints the build version.
func Command(ctx *conf.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "meetrec %s (built %s)\n%s\n",
				ctx.Build.GetVersion(), ctx.Build.GetBuildDate(), buildinfo.CurrentPlatform())
			return err
		},
	}
}
