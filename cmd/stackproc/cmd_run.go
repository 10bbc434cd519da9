package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/grafana/stackproc/pkg/build"
	"github.com/grafana/stackproc/pkg/config"
	"github.com/grafana/stackproc/pkg/logging"
	"github.com/grafana/stackproc/pkg/queue"
	"github.com/grafana/stackproc/pkg/receiver"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
)

func runCommand() *cobra.Command {
	r := &stackprocRun{}

	cmd := &cobra.Command{
		Use:   "run [flags] path",
		Short: "Run the stackproc service",
		Long: `The run subcommand runs stackproc in the foreground until an interrupt is
received.

run must be provided an argument pointing at the YAML configuration file. Events
are accepted over HTTP on /api/<project>/store. If a NATS url is configured,
events are also consumed from the queue input subject.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			return r.Run(args[0])
		},
	}

	cmd.Flags().BoolVar(&r.expandEnv, "config.expand-env", r.expandEnv, "Expands ${var} in the config file according to the values of the environment variables.")
	return cmd
}

type stackprocRun struct {
	expandEnv bool
}

func (r *stackprocRun) Run(configPath string) error {
	var cfg config.Config
	if err := config.LoadFile(configPath, r.expandEnv, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logging.New(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	level.Info(l).Log("msg", "starting stackproc", "version", version.Info(), "build_context", version.BuildContext())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		build.NewCollector("stackproc"),
	)

	a, err := newApp(context.Background(), l, &cfg, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	{
		srv := receiver.NewServer(l, cfg.Server, reg, reg, a.pipeline)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return srv.Run(ctx)
		}, func(_ error) {
			cancel()
		})
	}

	if cfg.Queue.Enabled() {
		w := queue.NewWorker(l, cfg.Queue, reg, a.pipeline)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return w.Run(ctx)
		}, func(_ error) {
			cancel()
		})
	}

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		level.Info(l).Log("msg", "shutting down", "signal", sigErr.Signal)
		return nil
	}
	return err
}
