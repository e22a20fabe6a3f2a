package cmd

import (
	"errors"
	"fmt"

	"ingest_server/config"
	"ingest_server/core/service/classification"
	"ingest_server/internal/bootstrap"

	"github.com/spf13/cobra"
)

var (
	reevalDryRun   bool
	reevalMinCount int
)

var reevalCmd = &cobra.Command{
	Use:   "reeval",
	Short: "Run one batch re-evaluation of low-confidence URLs",
	Long: `Groups queued low-confidence URLs by domain and re-classifies every
domain with at least --min-count URLs, using context aggregated across the
documents that linked it.

Exits non-zero when any domain failed, after every domain was attempted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(cfg *config.Config, deps *bootstrap.Dependencies) error {
			minCount := cfg.ReevalMinCount
			if cmd.Flags().Changed("min-count") {
				minCount = reevalMinCount
			}

			if reevalDryRun {
				domains, err := deps.Store.GetDomainsForBatchReeval(cmd.Context(), minCount)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), domains)
			}

			if deps.Reevaluation == nil {
				return fmt.Errorf("batch re-evaluation needs an LLM provider API key")
			}
			if cmd.Flags().Changed("min-count") {
				return fmt.Errorf("--min-count only applies to --dry-run; set REEVAL_MIN_COUNT instead")
			}

			summary, err := deps.Reevaluation.Run(cmd.Context())
			if summary != nil {
				if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
					return perr
				}
			}
			if errors.Is(err, classification.ErrBatchFailed) {
				return fmt.Errorf("%s", summary.String())
			}
			return err
		})
	},
}

func init() {
	reevalCmd.Flags().BoolVar(&reevalDryRun, "dry-run", false, "list the domains that would be re-evaluated")
	reevalCmd.Flags().IntVar(&reevalMinCount, "min-count", 3, "minimum pending URLs per domain (dry run)")
}
