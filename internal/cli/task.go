package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect stage run tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list [project]",
	Short: "List tasks, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		project := ""
		if len(args) == 1 {
			project = args[0]
		}
		tasks := a.orc.Tracker().List(project)
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-38s %-16s %-12s %-10s %s\n", "ID", "PROJECT", "STAGE", "STATUS", "PROGRESS")
		fmt.Fprintf(w, "%-38s %-16s %-12s %-10s %s\n",
			strings.Repeat("-", 38), strings.Repeat("-", 16),
			strings.Repeat("-", 12), strings.Repeat("-", 10), strings.Repeat("-", 8))
		for _, t := range tasks {
			fmt.Fprintf(w, "%-38s %-16s %-12s %-10s %d/%d\n",
				t.ID, t.Project, t.Stage, t.Status, t.Progress.Current, t.Progress.Total)
		}
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.orc.Tracker().Get(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

func init() {
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
}
