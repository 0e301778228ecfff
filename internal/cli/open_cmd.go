package cli

import (
	"log"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open the server's web UI in a browser",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		if err := browser.OpenURL(serverAddr); err != nil {
			log.Fatalf("Error opening %s: %v", serverAddr, err)
		}
	},
}

func init() {
	rootCmd.AddCommand(openCmd)
}
