package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the helmsman application.
var rootCmd = &cobra.Command{
	Use:   "helmsman",
	Short: "Resource lifecycle orchestrator for local AI gateways",
	Long: `helmsman keeps a gateway's backing services and models alive exactly
when they are needed: it wakes services (and their dependencies) on demand,
puts them back to sleep when idle, and inspects the gateway's record stores
for consistency drift.`,
	// SilenceUsage keeps error output clean; handled errors should not dump
	// the usage text.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "helmsman version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newVersionCmd())
}
