package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"helmsman/internal/app"

	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveDebug      bool
	serveSilent     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the helmsman daemon",
	Long: `Starts the helmsman daemon: the control API, the auto-wake
orchestrator and the idle-sleep monitor. The daemon watches the registry file
and picks up catalog changes without a restart.

It runs until interrupted (Ctrl+C) or terminated.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.New(app.Options{
		ConfigPath: serveConfigPath,
		Debug:      serveDebug,
		Silent:     serveSilent,
	})
	if err != nil {
		return fmt.Errorf("failed to bootstrap: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to the configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveSilent, "silent", false, "Suppress all log output")
}
