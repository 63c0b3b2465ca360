package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultRelay = "wss://mirage.live/ws"

func main() {
	root := &cobra.Command{
		Use:   "mirage",
		Short: "Share a local dev server and collect visitor feedback",
	}
	root.PersistentFlags().String("relay", envOr("MIRAGE_RELAY", defaultRelay), "relay WebSocket URL")
	root.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(httpCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
