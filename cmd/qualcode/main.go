// Command qualcode consolidates, builds references for and evaluates
// qualitative codebooks from the command line.
//
// Usage:
//
//	qualcode consolidate threads.json --name study -o consolidated.json
//	qualcode reference a.json b.xlsx --name reference -o reference.json
//	qualcode evaluate --reference reference.json a.json b.json --xlsx report.xlsx
//	qualcode import codebook.xlsx --name study
//	qualcode export study -o study.xlsx
//	qualcode runs --kind evaluate
//
// Configuration is read from --config (YAML or JSON) over the defaults and
// QUALCODE_* environment variables override connection settings.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/qualcode"
)

type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	cfg        qualcode.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "qualcode",
		Short:        "Consolidate and evaluate qualitative codebooks",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	root.AddCommand(
		newConsolidateCmd(opts),
		newReferenceCmd(opts),
		newEvaluateCmd(opts),
		newImportCmd(opts),
		newExportCmd(opts),
		newRunsCmd(opts),
	)
	return root
}

// load sets up logging and resolves the configuration.
func (o *rootOptions) load() error {
	level, err := parseLevel(o.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	o.cfg = qualcode.DefaultConfig()
	if o.configPath != "" {
		if o.cfg, err = qualcode.LoadConfig(o.configPath); err != nil {
			return err
		}
	}
	o.cfg.ApplyEnv()
	if o.dbPath != "" {
		o.cfg.DBPath = o.dbPath
	}
	return nil
}

func (o *rootOptions) engine() (*qualcode.Engine, error) {
	e, err := qualcode.New(o.cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return e, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
