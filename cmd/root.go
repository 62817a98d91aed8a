// Package cmd builds the meetrec command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/meetrec/cmd/config"
	"github.com/tphakala/meetrec/cmd/devices"
	"github.com/tphakala/meetrec/cmd/record"
	"github.com/tphakala/meetrec/cmd/serve"
	"github.com/tphakala/meetrec/cmd/taps"
	"github.com/tphakala/meetrec/cmd/version"
	"github.com/tphakala/meetrec/internal/conf"
)

// RootCommand creates the root command with every subcommand attached.
func RootCommand(ctx *conf.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "meetrec",
		Short:         "Meeting recorder",
		Long:          "Record the microphone together with system audio into one file.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.ConfigFile, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	// Lookup cannot fail for a flag defined above
	_ = ctx.Viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	versionCmd := version.Command(ctx)
	rootCmd.AddCommand(
		record.Command(ctx),
		serve.Command(ctx),
		devices.Command(ctx),
		taps.Command(ctx),
		config.Command(ctx),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version works without a valid configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return ctx.Load()
	}

	return rootCmd
}
