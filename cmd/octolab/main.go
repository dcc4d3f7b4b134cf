package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "octolab",
	Short: "OctoLab - security lab orchestrator",
	Long: `OctoLab provisions per-user sandboxed exercise labs with a browser
VNC gateway, collects tamper-evident evidence, and verifies teardown.

Labs run as compose projects on the container runtime or as Firecracker
microVMs with a dedicated kernel per lab.`,
	Version: Version,
}

var (
	serverURL string
	asUser    string
	asAdmin   bool
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"OctoLab version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "API base URL")
	rootCmd.PersistentFlags().StringVar(&asUser, "user", "operator", "identity header value")
	rootCmd.PersistentFlags().BoolVar(&asAdmin, "admin", false, "send the admin header")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchdogCmd)
	rootCmd.AddCommand(smokeCmd)
	rootCmd.AddCommand(labsCmd)
}
