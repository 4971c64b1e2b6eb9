package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prism-rag/prism/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the JSON API server. It exposes the same operations as the CLI:
project management, document upload, stage runs with task polling, and
rollback. Stage runs started over the API execute in the background;
poll /api/tasks/{id} for progress.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.Web.Addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return web.NewServer(a.orc, addr, a.log).Start(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config, :8420)")
}
