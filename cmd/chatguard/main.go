package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "chatguard",
		Short: "chatguard - outbound chat message content filter",
		Long: `chatguard redacts contact details (emails, phone numbers, external URLs)
from outbound chat messages and flags phrases that solicit taking a
conversation off the platform.

Configuration is read from config.yaml in ., ./configs, /etc/chatguard
or $HOME/.chatguard, or from --config. Every key can be overridden with a
CHATGUARD_ environment variable, e.g. CHATGUARD_SERVER_PORT=9090.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newScanCmd(&configPath))
	root.AddCommand(newRulesCmd(&configPath))
	root.AddCommand(newBackfillCmd(&configPath))
	root.AddCommand(newConsumeCmd(&configPath))
	root.AddCommand(newReportCmd(&configPath))
	root.AddCommand(newCacheCmd(&configPath))

	return root
}
