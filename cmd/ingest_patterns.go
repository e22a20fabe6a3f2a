package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"ingest_server/config"
	"ingest_server/core/domain"
	"ingest_server/internal/bootstrap"

	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the learned pattern effectiveness report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(cfg *config.Config, deps *bootstrap.Dependencies) error {
			report, err := deps.Store.GetPatternEffectivenessReport(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect and administer learned patterns",
}

var patternsListStatus string

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned patterns in insertion order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := domain.PatternStatus(patternsListStatus)
		if status != "" && !status.IsValid() {
			return fmt.Errorf("invalid status %q", patternsListStatus)
		}
		return withDeps(cmd.Context(), func(cfg *config.Config, deps *bootstrap.Dependencies) error {
			patterns, err := deps.Store.ListPatterns(cmd.Context(), status)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATTERN\tTYPE\tCLASS\tSTATUS\tAPPLIED\tCORRECT\tPRECISION")
			for _, p := range patterns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.2f\n",
					p.Pattern, p.PatternType, p.Classification, p.Status, p.TimesApplied, p.CorrectCount, p.Precision)
			}
			return w.Flush()
		})
	},
}

var patternsAddCmd = &cobra.Command{
	Use:   "add <pattern> <domain|url_pattern|path> <content|marketing> [confidence]",
	Short: "Register a pattern; an existing one is left unchanged",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		confidence := 1.0
		if len(args) == 4 {
			c, err := strconv.ParseFloat(args[3], 64)
			if err != nil {
				return fmt.Errorf("invalid confidence %q", args[3])
			}
			confidence = c
		}
		return withDeps(cmd.Context(), func(cfg *config.Config, deps *bootstrap.Dependencies) error {
			created, err := deps.Store.AddLearnedPattern(cmd.Context(), args[0], domain.PatternType(args[1]), domain.URLClass(args[2]), confidence)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, unchanged\n", args[0])
			}
			return nil
		})
	},
}

var patternsStatusCmd = &cobra.Command{
	Use:   "set-status <pattern> <active|inactive|pending_review>",
	Short: "Change a pattern's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(cfg *config.Config, deps *bootstrap.Dependencies) error {
			found, err := deps.Store.SetPatternStatus(cmd.Context(), args[0], domain.PatternStatus(args[1]))
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("pattern %q not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], args[1])
			return nil
		})
	},
}

var patternsFeedbackCmd = &cobra.Command{
	Use:   "feedback <pattern> <correct|wrong>",
	Short: "Record ground truth for one application of a pattern",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var correct bool
		switch args[1] {
		case "correct":
			correct = true
		case "wrong":
		default:
			return fmt.Errorf("verdict must be correct or wrong")
		}
		return withDeps(cmd.Context(), func(cfg *config.Config, deps *bootstrap.Dependencies) error {
			ctx := cmd.Context()
			if err := deps.Store.UpdatePatternStats(ctx, args[0], correct); err != nil {
				return err
			}
			stats, err := deps.Store.GetPatternStats(ctx, args[0])
			if err != nil {
				return err
			}
			if stats == nil {
				return fmt.Errorf("pattern %q not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), stats)
		})
	},
}

func init() {
	patternsListCmd.Flags().StringVar(&patternsListStatus, "status", "", "filter by status")

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsAddCmd)
	patternsCmd.AddCommand(patternsStatusCmd)
	patternsCmd.AddCommand(patternsFeedbackCmd)
}
