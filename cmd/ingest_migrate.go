package cmd

import (
	"fmt"
	"os"

	"ingest_server/core/service/migration"
	"ingest_server/internal/bootstrap"

	"github.com/spf13/cobra"
)

var (
	migrateFrom string
	migrateTo   string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy all classification data between stores",
	Long: `Copies classifications, learned patterns (with counters and status) and
the re-evaluation queue from one store to another. Rows already present in
the target are skipped, so a migration can be rerun.

Example:
  ingest migrate --from sqlite --to neo4j`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrateFrom == "" || migrateTo == "" {
			return fmt.Errorf("--from and --to are required")
		}
		if migrateFrom == migrateTo {
			return fmt.Errorf("--from and --to must differ")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		src, err := bootstrap.OpenStore(ctx, cfg, migrateFrom)
		if err != nil {
			return err
		}
		defer src.Close()

		dst, err := bootstrap.OpenStore(ctx, cfg, migrateTo)
		if err != nil {
			return err
		}
		defer dst.Close()

		report, err := migration.NewService().Migrate(ctx, migrateFrom, src, migrateTo, dst)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [output]",
	Short: "Write a JSON snapshot of the configured store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := bootstrap.OpenStore(cmd.Context(), cfg, cfg.StoreDriver)
		if err != nil {
			return err
		}
		defer store.Close()

		w := cmd.OutOrStdout()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}

		stats, err := migration.NewService().WriteSnapshot(cmd.Context(), store, w)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d classifications, %d patterns, %d pending\n",
			stats.Classifications, stats.Patterns, stats.Pending)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <snapshot.json>",
	Short: "Load a JSON snapshot into the configured store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := bootstrap.OpenStore(cmd.Context(), cfg, cfg.StoreDriver)
		if err != nil {
			return err
		}
		defer store.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		stats, err := migration.NewService().ReadSnapshot(cmd.Context(), f, store)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateFrom, "from", "", "source store: sqlite, postgres or neo4j")
	migrateCmd.Flags().StringVar(&migrateTo, "to", "", "target store: sqlite, postgres or neo4j")
}
