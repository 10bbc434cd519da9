// Command stackproc processes the stack traces of crash events. It runs as
// an HTTP service and NATS worker, or processes single events from the
// command line.
package main

import (
	"fmt"
	"os"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	// Install processors
	_ "github.com/grafana/stackproc/pkg/processors/all"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:     fmt.Sprintf("%s [global options] <subcommand>", os.Args[0]),
		Short:   "Stack trace processing for crash events",
		Version: version.Print("stackproc"),

		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}
	cmd.SetVersionTemplate("{{ .Version }}\n")

	cmd.AddCommand(
		runCommand(),
		processCommand(),
	)
	return cmd
}
