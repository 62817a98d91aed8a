package main

import (
	"fmt"
	"os"

	"github.com/tphakala/meetrec/cmd"
	"github.com/tphakala/meetrec/internal/buildinfo"
	"github.com/tphakala/meetrec/internal/conf"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   string
	buildDate string
)

func main() {
	ctx := conf.NewContext(&buildinfo.Context{
		Version:   version,
		BuildDate: buildDate,
	})

	rootCmd := cmd.RootCommand(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
