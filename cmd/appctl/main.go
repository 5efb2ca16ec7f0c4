package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "appctl",
		Short: "Talk to the app orchestrator from the terminal",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newTokenCommand())
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
