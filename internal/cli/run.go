package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/prism-rag/prism/internal/pipeline"
	"github.com/prism-rag/prism/internal/stage"
)

var runCmd = &cobra.Command{
	Use:   "run <project> [stage]",
	Short: "Run a pipeline stage",
	Long: `Run one pipeline stage for a project, or every remaining stage with
--all. Stages are incremental: items that are already processed and
unchanged are skipped unless --force is given.

Stages in order: extraction, chunking, embedding, index, source, agent.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		force, _ := cmd.Flags().GetBool("force")

		if all == (len(args) == 2) {
			return fmt.Errorf("specify either a stage or --all")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		project := args[0]
		w := cmd.OutOrStdout()

		if all {
			results, err := a.orc.RunAll(cmd.Context(), project, force)
			for _, res := range results {
				printRunResult(w, res)
			}
			return err
		}

		res, err := a.orc.RunStage(cmd.Context(), project, pipeline.Stage(args[1]), force)
		if err != nil {
			return err
		}
		printRunResult(w, res)
		if !res.Complete {
			return fmt.Errorf("stage %s finished incomplete: %d item(s) failed", res.Stage, res.Failed)
		}
		return nil
	},
}

func printRunResult(w io.Writer, res *stage.RunResult) {
	fmt.Fprintf(w, "%s: processed=%d skipped=%d failed=%d (%.1fs)\n",
		res.Stage, res.Processed, res.Skipped, res.Failed, res.Duration.Seconds())
	for _, ie := range res.ItemErrors {
		fmt.Fprintf(w, "  failed %s: %s\n", ie.Item, ie.Err)
	}
}

func init() {
	runCmd.Flags().Bool("all", false, "Run every remaining stage in order")
	runCmd.Flags().Bool("force", false, "Reprocess items that are already done")
}
