// Package main is the steward CLI: a personal assistant daemon exposing a
// durable task queue, automations, sandboxed scripts, document indexing,
// and an agent-to-agent HTTP surface.
//
// Start the daemon:
//
//	steward serve --config steward.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the command tree. Separated from main for tests.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "steward",
		Short:        "Steward - personal assistant daemon",
		Long:         "Steward runs the assistant core: task queue, automations,\nsandboxed scripts, document indexing, and the agent-to-agent API.",
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "steward %s (commit: %s)\n", version, commit)
		},
	}
}
