// Package cli is the influence command line: ingestion runs and the
// read-side views over what they persisted.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// ConfigEnv names the config file when --config is not given.
const ConfigEnv = "INFLUENCE_CONFIG"

// NewRootCommand builds the command tree. Output goes to stdout as JSON;
// logs go to stderr.
func NewRootCommand(version string, stdout, stderr io.Writer) *cobra.Command {
	g := &globals{version: version, stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "influence",
		Short:         "Ingest and aggregate corporate influence spending",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", os.Getenv(ConfigEnv), "path to a YAML config file")
	flags.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&g.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")

	root.AddCommand(
		newIngestCommand(g),
		newAggregateCommand(g),
		newBreakdownCommand(g),
		newTopCommand(g),
		newFilterCommand(g),
		newStatsCommand(g),
		newQualityCommand(g),
		newMigrateCommand(g),
		newEventsCommand(g),
		newVersionCommand(g),
	)
	return root
}

// Execute runs the command line with os.Args.
func Execute(ctx context.Context, version string, stdout, stderr io.Writer) error {
	root := NewRootCommand(version, stdout, stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return err
	}
	return nil
}

// runWithApp opens the app for one command and always closes it.
func runWithApp(g *globals, fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		ctx := cmd.Context()
		a, err := newApp(ctx, g)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return fn(ctx, a)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return writeJSON(g.stdout, map[string]string{"version": g.version})
		},
	}
}

func newMigrateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		// newApp migrates before any command runs
		RunE: runWithApp(g, func(ctx context.Context, a *app) error {
			a.logger.InfoContext(ctx, "database migrated", "driver", a.cfg.Database.Driver)
			return writeJSON(g.stdout, map[string]string{"status": "migrated"})
		}),
	}
}
