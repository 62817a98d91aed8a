package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/meetrec/internal/conf"
)

// Command prints the effective settings or writes a default file.
func Command(ctx *conf.Context) *cobra.Command {
	var initPath string
	var doInit bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: "Print the settings after defaults, configuration file, environment and flags are merged.\n" +
			"With --init a commented default configuration is written instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if doInit {
				path := initPath
				if path == "" {
					var err error
					if path, err = conf.UserConfigPath(); err != nil {
						return err
					}
				}
				if err := conf.WriteDefaultConfig(path); err != nil {
					return err
				}
				_, err := fmt.Fprintf(out, "Wrote default configuration to %s\n", path)
				return err
			}

			data, err := conf.Dump(ctx.Settings)
			if err != nil {
				return err
			}
			if used := ctx.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "# loaded from %s\n", used)
			} else {
				fmt.Fprintln(out, "# no configuration file found, defaults and environment only")
			}
			_, err = out.Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&doInit, "init", false, "Write a default configuration file and exit")
	cmd.Flags().StringVar(&initPath, "path", "", "Where --init writes, defaults to the user configuration directory")
	return cmd
}
