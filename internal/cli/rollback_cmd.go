package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/prism-rag/prism/internal/pipeline"
	"github.com/prism-rag/prism/internal/rollback"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <project> [stage]",
	Short: "Delete a stage's artifacts, cascading to dependent stages",
	Long: `Roll back a pipeline stage. Every stage built on the target's output
is removed too, deepest dependent first, so nothing is ever left
pointing at deleted data. --cascade=false limits the rollback to the
named stage alone and leaves dependents dangling.

--preview prints what would be deleted without touching anything.
--to <stage> removes everything after the named stage instead.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cascade, _ := cmd.Flags().GetBool("cascade")
		preview, _ := cmd.Flags().GetBool("preview")
		to, _ := cmd.Flags().GetString("to")
		yes, _ := cmd.Flags().GetBool("yes")

		if (to == "") == (len(args) == 1) {
			return fmt.Errorf("specify either a stage or --to")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		project := args[0]
		w := cmd.OutOrStdout()

		if to != "" {
			if !yes && !preview {
				return fmt.Errorf("refusing to roll back without --yes (use --preview to inspect)")
			}
			res, err := a.orc.RollbackTo(cmd.Context(), project, pipeline.Stage(to))
			if err != nil {
				return err
			}
			return printRollbackResult(w, res)
		}

		stg := pipeline.Stage(args[1])
		if preview {
			p, err := a.orc.PreviewRollback(cmd.Context(), project, stg, cascade)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Rollback of %s would delete:\n", stg)
			for _, s := range p.Stages {
				line := fmt.Sprintf("  %s", s)
				if n := p.LocalArtifacts[s]; n > 0 {
					line += fmt.Sprintf(" (%d file(s))", n)
				}
				fmt.Fprintln(w, line)
			}
			for _, res := range p.RemoteResources {
				fmt.Fprintf(w, "  remote resource %s\n", res)
			}
			for _, warn := range p.Warnings {
				fmt.Fprintf(w, "  warning: %s\n", warn)
			}
			return nil
		}

		if !yes {
			return fmt.Errorf("refusing to roll back without --yes (use --preview to inspect)")
		}
		res, err := a.orc.Rollback(cmd.Context(), project, stg, cascade)
		if err != nil {
			return err
		}
		return printRollbackResult(w, res)
	},
}

func printRollbackResult(w io.Writer, res *rollback.Result) error {
	for _, sr := range res.Stages {
		switch {
		case sr.Error != "":
			fmt.Fprintf(w, "  %s: FAILED: %s\n", sr.Stage, sr.Error)
		case sr.Resource != "":
			fmt.Fprintf(w, "  %s: deleted %s and %d file(s)\n", sr.Stage, sr.Resource, sr.DeletedFiles)
		default:
			fmt.Fprintf(w, "  %s: deleted %d file(s)\n", sr.Stage, sr.DeletedFiles)
		}
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "  %s: skipped (not attempted after failure)\n", s)
	}
	if !res.Success {
		return fmt.Errorf("rollback incomplete: %d error(s)", len(res.Errors))
	}
	fmt.Fprintln(w, "Rollback complete.")
	return nil
}

func init() {
	rollbackCmd.Flags().Bool("cascade", true, "Also roll back every dependent stage (--cascade=false leaves dependents dangling)")
	rollbackCmd.Flags().Bool("preview", false, "Show what would be deleted without deleting")
	rollbackCmd.Flags().String("to", "", "Roll back everything after this stage")
	rollbackCmd.Flags().Bool("yes", false, "Confirm deletion")
}
