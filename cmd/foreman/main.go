package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Run a code-generation agent against repository issues",
		Long: `Foreman drives an external code-generation agent across repository
issues in parallel: it picks up an issue, prepares an isolated working
copy, lets the agent implement a fix, verifies the change and opens a
pull request, then iterates on review feedback until the proposal is
merged or abandoned.

Budget limits, proposal rate caps, circuit breakers and a silence
watchdog keep unattended operation bounded.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(workParallelCmd())
	rootCmd.AddCommand(iterateCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return home + "/.agent/config.yaml"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("foreman v0.1.0")
		},
	}
}
