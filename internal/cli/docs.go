package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage a project's source documents",
}

var docsAddCmd = &cobra.Command{
	Use:   "add <project> <file>...",
	Short: "Upload documents to a project",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		project := args[0]
		for _, path := range args[1:] {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			info, err := a.orc.SaveDocument(cmd.Context(), project, filepath.Base(path), content)
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%d bytes)\n", info.Name, info.Size)
		}
		return nil
	},
}

var docsListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List a project's documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		docs, err := a.orc.ListDocuments(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No documents found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-40s %-12s %s\n", "NAME", "SIZE", "MODIFIED")
		fmt.Fprintf(w, "%-40s %-12s %s\n",
			strings.Repeat("-", 40), strings.Repeat("-", 12), strings.Repeat("-", 8))
		for _, d := range docs {
			fmt.Fprintf(w, "%-40s %-12d %s\n", d.Name, d.Size, d.Modified.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var docsRemoveCmd = &cobra.Command{
	Use:   "remove <project> <file>",
	Short: "Remove a document from a project",
	Long: `Remove a source document. Derived artifacts from earlier runs stay in
place until the next extraction run or an explicit rollback; status
reports them as stale references in the meantime.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orc.DeleteDocument(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[1])
		return nil
	},
}

func init() {
	docsCmd.AddCommand(docsAddCmd)
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsRemoveCmd)
}
