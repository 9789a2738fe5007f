package main

import "github.com/spf13/cobra"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(openJournalStore)
}

func newRootCmdWith(openStore storeOpener) *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "ws-gateway",
		Short:         "Authenticated WebSocket session gateway",
		Long:          "ws-gateway accepts authenticated WebSocket connections, keeps them alive with heartbeats, throttles queries per user and correlates server-initiated requests with client replies.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.json", "configuration file (.json, .yaml, .yml or .toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newJournalCmd(opts, openStore),
	)
	return rootCmd
}
