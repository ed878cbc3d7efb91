// Command al-sampler prepares and maintains active-learning datasets: it
// selects the initial training set, carves unlabelled batches from the
// pool and appends labelled batches back, round after round.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matteoLorenzini/dataset-utils/internal/config"
	"github.com/matteoLorenzini/dataset-utils/internal/logging"
	"github.com/matteoLorenzini/dataset-utils/internal/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one command line and releases everything it opened.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{out: stdout}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "al-sampler",
		Short:         "Active-learning dataset sampler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "YAML configuration file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "", "log format (json, console)")
	pf.StringSliceVar(&a.sources, "source", nil, "corpus source (file, directory, s3://, http(s)://, postgres://); repeatable")
	pf.StringVar(&a.stateDSN, "state", "", "state store DSN (SQLite path or Postgres URL)")
	pf.StringVar(&a.outputDir, "output-dir", "", "directory for batch and training artifacts")

	root.AddCommand(
		newHarvestCmd(a),
		newInitCmd(a),
		newCarveCmd(a),
		newAppendCmd(a),
		newReleaseCmd(a),
		newStatusCmd(a),
		newExportCmd(a),
		newLabelStudioCmd(a),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if len(a.sources) > 0 {
		cfg.Corpus.Sources = a.sources
	}
	if a.stateDSN != "" {
		cfg.State.DSN = a.stateDSN
	}
	if a.outputDir != "" {
		cfg.Output.Dir = a.outputDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger.With(zap.String("command", cmd.Name()))
	a.metrics = metrics.New()
	return nil
}

// command wraps a RunE with duration and failure metrics.
func (a *app) command(name string, fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		defer a.metrics.Time(name, start)
		if err := fn(cmd, args); err != nil {
			a.metrics.Failed(name, err)
			a.logger.Error("command failed", zap.Error(err))
			return err
		}
		return nil
	}
}
