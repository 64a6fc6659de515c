// Package cmd implements the agentrun CLI: the serve runtime plus
// inspection and one-shot client commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agentrun",
		Short:         "Agent orchestration runtime over a shared message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default agentrun.yaml)")
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(askCmd())
	cmd.AddCommand(agentsCmd())
	cmd.AddCommand(doctorCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath picks the config file: the --config flag when set,
// otherwise agentrun.yaml in the working directory.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return "agentrun.yaml"
}
