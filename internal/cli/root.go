// Package cli implements the prism command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "prism",
	Short: "prism — document intelligence pipeline",
	Long: `prism ingests project documents and pushes them through a staged
pipeline: extraction to markdown, chunking, embedding, and provisioning
of a search index with its knowledge source and agent.

Each stage is incremental and can be rolled back together with every
stage built on top of it.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(docsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}
