package cmd

import (
	"fmt"
	"io"
	"os"

	"ingest_server/config"
	"ingest_server/core/port/out"
	"ingest_server/core/service/classification"
	"ingest_server/internal/bootstrap"

	"github.com/spf13/cobra"
)

var (
	classifySourceID string
	classifyFile     string
	classifyTitle    string
	classifyDocument string
	classifyNoLLM    bool
	classifyEnqueue  bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify the links in one description",
	Long: `Extracts and classifies every link in a description.

The text comes from --file (use - for stdin) or, with --document, from the
archived document with that id.

Examples:
  ingest classify --source-id dQw4w9WgXcQ --file description.txt
  cat description.txt | ingest classify --source-id dQw4w9WgXcQ --file -
  ingest classify --document dQw4w9WgXcQ --no-llm
  ingest classify --document dQw4w9WgXcQ --enqueue`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(cfg *config.Config, deps *bootstrap.Dependencies) error {
			return runClassify(cmd, deps)
		})
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifySourceID, "source-id", "", "id of the document the text belongs to")
	classifyCmd.Flags().StringVar(&classifyFile, "file", "", "description file, - for stdin")
	classifyCmd.Flags().StringVar(&classifyTitle, "title", "", "document title passed to the LLM")
	classifyCmd.Flags().StringVar(&classifyDocument, "document", "", "classify an archived document by id")
	classifyCmd.Flags().BoolVar(&classifyNoLLM, "no-llm", false, "skip the LLM tier")
	classifyCmd.Flags().BoolVar(&classifyEnqueue, "enqueue", false, "queue --document for the serve workers instead of classifying now")
}

func runClassify(cmd *cobra.Command, deps *bootstrap.Dependencies) error {
	ctx := cmd.Context()
	opts := classification.ClassifyOptions{UseLLM: !classifyNoLLM && deps.Pipeline.LLMEnabled()}

	if classifyEnqueue {
		if classifyDocument == "" {
			return fmt.Errorf("--enqueue needs --document")
		}
		if deps.Queue == nil {
			return fmt.Errorf("--enqueue needs REDIS_URL")
		}
		var useLLM *bool
		if classifyNoLLM {
			off := false
			useLLM = &off
		}
		id, err := deps.Queue.EnqueueDocument(ctx, classifyDocument, useLLM)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s on %s (%s)\n", classifyDocument, deps.Queue.Stream(), id)
		return nil
	}

	if classifyDocument != "" {
		result, err := deps.Pipeline.ClassifyDocument(ctx, classifyDocument, opts)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}

	if classifySourceID == "" || classifyFile == "" {
		return fmt.Errorf("--source-id and --file are required unless --document is set")
	}

	var (
		text []byte
		err  error
	)
	if classifyFile == "-" {
		text, err = io.ReadAll(cmd.InOrStdin())
	} else {
		text, err = os.ReadFile(classifyFile)
	}
	if err != nil {
		return fmt.Errorf("failed to read description: %w", err)
	}

	result, err := deps.Pipeline.ClassifyURLsInDocument(ctx, classifySourceID, string(text), out.URLContext{Title: classifyTitle}, opts)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}
