package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/grafana/stackproc/pkg/config"
	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/logging"
	"github.com/grafana/stackproc/pkg/receiver"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func processCommand() *cobra.Command {
	p := &stackprocProcess{}

	cmd := &cobra.Command{
		Use:   "process [flags] [event.json]",
		Short: "Process a single event",
		Long: `The process subcommand runs the stack trace processors over one event and
prints the outcome and the processed event as JSON.

The event is read from the given file, or from stdin if no file or "-" is
given. Projects, source map locations and processors are taken from the
configuration file passed with --config.file.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return p.Run(cmd.Context(), in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&p.configFile, "config.file", p.configFile, "Path to the YAML configuration file.")
	cmd.Flags().BoolVar(&p.expandEnv, "config.expand-env", p.expandEnv, "Expands ${var} in the config file according to the values of the environment variables.")
	cmd.Flags().Int64Var(&p.project, "project", p.project, "Overrides the project of the event.")
	_ = cmd.MarkFlagRequired("config.file")
	return cmd
}

type stackprocProcess struct {
	configFile string
	expandEnv  bool
	project    int64
}

func (p *stackprocProcess) Run(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	var cfg config.Config
	if err := config.LoadFile(p.configFile, p.expandEnv, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logging.New(errOut, cfg.Log)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, l, &cfg, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()

	buf, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading event: %w", err)
	}
	ev, err := event.Unmarshal(buf)
	if err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	if p.project != 0 {
		ev.Project = p.project
	}

	outcome, err := a.pipeline.Process(ctx, ev)
	if err != nil {
		return err
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(receiver.Response{Outcome: outcome.String(), Event: ev})
}
