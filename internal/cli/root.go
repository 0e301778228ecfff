// Package cli provides the pomoctl command-line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pomoctl",
	Short: "pomoctl controls timers on a pomotimer server.",
	Long: `pomoctl creates, starts, pauses and resets countdown timers on a ` +
		`pomotimer server, and can follow a timer live over its WebSocket feed.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", envOr("POMOTIMER_SERVER", "http://localhost:8420"),
		"address of the pomotimer server")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
