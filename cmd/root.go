package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "devopschat",
	Short: "Drive live pages over RPC and talk on shared channels",
	Long: `DevOpsChat connects an operator console to page agents.

An agent serves one page over a WebSocket RPC endpoint. The console calls
into agents (ping, getDom, manipulateDOM, runJS, getSystemInfo) and chats
with other operators on named channels kept in a shared store.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
