package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var server string

	root := &cobra.Command{
		Use:           "relayq",
		Short:         "Durable priority job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", envOr("RELAYQ_SERVER", "http://localhost:8080"), "relayq server URL")

	root.AddCommand(
		serveCmd(),
		enqueueCmd(&server),
		jobCmd(&server),
		listCmd(&server),
		queuesCmd(&server),
		statsCmd(&server),
		clearCmd(&server),
		healthCmd(&server),
		alertsCmd(&server),
		rateLimitCmd(&server),
		configCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
