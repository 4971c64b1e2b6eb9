package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage document projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		description, _ := cmd.Flags().GetString("description")
		cfg, err := a.orc.CreateProject(cmd.Context(), args[0], description)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created project %q\n", cfg.Name)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		projects, err := a.orc.ListProjects(cmd.Context())
		if err != nil {
			return fmt.Errorf("list projects: %w", err)
		}
		if len(projects) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-24s %-20s %s\n", "NAME", "CREATED", "DESCRIPTION")
		fmt.Fprintf(w, "%-24s %-20s %s\n",
			strings.Repeat("-", 24), strings.Repeat("-", 20), strings.Repeat("-", 11))
		for _, p := range projects {
			created := p.CreatedAt
			if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
				created = t.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%-24s %-20s %s\n",
				p.Name, created, p.Description)
		}
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a project and all its pipeline artifacts",
	Long: `Delete a project: remote search resources are removed first via a
full cascade rollback, then every stored file. Requires --yes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to delete %q without --yes", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orc.DeleteProject(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted project %q\n", args[0])
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectDeleteCmd)

	projectCreateCmd.Flags().String("description", "", "Project description")
	projectDeleteCmd.Flags().Bool("yes", false, "Confirm deletion")
}
