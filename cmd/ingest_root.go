// Package cmd holds the ingest command line.
package cmd

import (
	"context"
	"io"
	"os"

	"ingest_server/config"
	"ingest_server/internal/bootstrap"
	"ingest_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	flagStore    string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "URL classification pipeline for archived video descriptions",
	Long: `Classifies the links found in video descriptions as content or marketing.

Links go through a heuristic filter, then learned patterns, then an LLM.
Low-confidence decisions are queued and re-evaluated in batches per domain.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagLogLevel != "" {
			logger.Init(logger.Config{Level: logger.ParseLevel(flagLogLevel), Output: os.Stderr, Service: "ingest"})
		}
	},
}

// ExecuteContext runs the ingest command
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "classification store: sqlite, postgres or neo4j (default $STORE_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (default $LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(reevalCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

// loadConfig reads the environment and applies global flags.
func loadConfig() (*config.Config, error) {
	if flagStore != "" {
		os.Setenv("STORE_DRIVER", flagStore)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagLogLevel == "" {
		logger.Init(logger.Config{Level: logger.ParseLevel(cfg.LogLevel), Output: os.Stderr, Service: "ingest"})
	}
	return cfg, nil
}

// withDeps runs fn with fully wired dependencies.
func withDeps(ctx context.Context, fn func(cfg *config.Config, deps *bootstrap.Dependencies) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(cfg, deps)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
