package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "1.0.0"
	logger     *slog.Logger
	configPath string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "watchtower",
		Short: "Watchtower: keyword-driven message routing for CTI monitoring",
		Long: "Watchtower monitors Telegram channels and RSS feeds, filters messages by\n" +
			"keyword, and fans matches out to Discord webhooks, Slack webhooks, and\n" +
			"Telegram chats.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.json", "path to config.json")

	root.AddCommand(monitorCmd())
	root.AddCommand(discoverCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("watchtower %s\n", version)
		},
	}
}
