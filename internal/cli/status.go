package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/prism-rag/prism/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status <project>",
	Short: "Show a project's pipeline status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.orc.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		w := cmd.OutOrStdout()
		if format == "json" {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		fmt.Fprintf(w, "Project %s: %d document(s)\n\n", info.Project, info.DocumentCount)
		fmt.Fprintf(w, "%-12s %-8s %-8s %-10s %s\n", "STAGE", "EXISTS", "COUNT", "COMPLETE", "UPDATED")
		fmt.Fprintf(w, "%-12s %-8s %-8s %-10s %s\n",
			strings.Repeat("-", 12), strings.Repeat("-", 8),
			strings.Repeat("-", 8), strings.Repeat("-", 10), strings.Repeat("-", 7))
		for _, stg := range pipeline.Order {
			rec := info.Stages[stg]
			fmt.Fprintf(w, "%-12s %-8t %-8d %-10t %s\n",
				stg, rec.Exists, rec.Count, rec.Complete, formatUpdated(rec.UpdatedAt))
		}

		if len(info.Warnings) > 0 {
			fmt.Fprintln(w, "\nWarnings:")
			for _, warn := range info.Warnings {
				fmt.Fprintf(w, "  - %s\n", warn)
			}
		}
		for _, t := range info.ActiveTasks {
			fmt.Fprintf(w, "\nActive task %s: %s %s (%d/%d)\n",
				t.ID, t.Stage, t.Status, t.Progress.Current, t.Progress.Total)
		}

		if n, _ := cmd.Flags().GetInt("events"); n > 0 {
			events, err := a.orc.Events(args[0], n)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "\nRecent events:")
			for _, e := range events {
				fmt.Fprintf(w, "  %s %-18s %-10s %s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.Event, e.Stage, e.Detail)
			}
		}
		return nil
	},
}

// formatUpdated renders a stage record's RFC3339 timestamp for the
// table; records store timestamps as strings.
func formatUpdated(updatedAt string) string {
	if updatedAt == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return updatedAt
	}
	return ts.Format("2006-01-02 15:04")
}

func init() {
	statusCmd.Flags().String("format", "", "Output format (json)")
	statusCmd.Flags().Int("events", 0, "Also show the N most recent events")
}
