package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"watchtower/internal/config"
	"watchtower/internal/domain"
	"watchtower/internal/telegram"
)

const discoveredConfigPath = "config_discovered.json"

func discoverCmd() *cobra.Command {
	var (
		diff     bool
		generate bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List accessible Telegram entities",
		Long: "Enumerates every channel, group, bot, and user the session can access.\n" +
			"With --diff the list is compared against the configuration; with\n" +
			"--generate a config skeleton is written to " + discoveredConfigPath + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(diff, generate)
		},
	}
	cmd.Flags().BoolVar(&diff, "diff", false, "compare discovered channels against the config")
	cmd.Flags().BoolVar(&generate, "generate", false, "write a generated config skeleton")
	return cmd
}

func runDiscover(diff, generate bool) error {
	apiIDStr := os.Getenv(config.EnvAPIID)
	apiHash := os.Getenv(config.EnvAPIHash)
	if apiIDStr == "" || apiHash == "" {
		return fmt.Errorf("missing required environment: %s, %s", config.EnvAPIID, config.EnvAPIHash)
	}
	apiID, err := strconv.Atoi(apiIDStr)
	if err != nil {
		return fmt.Errorf("%s must be numeric: %w", config.EnvAPIID, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := telegram.New(telegram.Options{
		APIID:      apiID,
		APIHash:    apiHash,
		SessionDir: "config",
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Run(ctx)
	}()

	select {
	case <-client.Ready():
	case err := <-errCh:
		return err
	case <-time.After(readyTimeout):
		return errors.New("telegram client did not become ready")
	}

	dialogs, err := client.Dialogs(ctx)
	if err != nil {
		return fmt.Errorf("list dialogs: %w", err)
	}
	sort.Slice(dialogs, func(i, j int) bool { return dialogs[i].Kind < dialogs[j].Kind })

	fmt.Printf("Accessible entities: %d\n\n", len(dialogs))
	fmt.Printf("%-12s %-40s %s\n", "TYPE", "NAME", "IDENTIFIER")
	for _, d := range dialogs {
		fmt.Printf("%-12s %-40s %s\n", d.Kind, clip(d.DisplayName(), 40), identifier(d))
	}

	if diff {
		printDiff(dialogs)
	}
	if generate {
		if err := writeSkeleton(dialogs); err != nil {
			return err
		}
		fmt.Printf("\nGenerated %s\n", discoveredConfigPath)
	}

	stop()
	<-errCh
	return nil
}

// identifier returns the config-usable reference for an entity.
func identifier(d domain.ChatInfo) string {
	if d.Username != "" {
		return "@" + d.Username
	}
	return strconv.FormatInt(d.ID, 10)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printDiff(dialogs []domain.ChatInfo) {
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		fmt.Printf("\nNo loadable config for --diff (%v)\n", err)
		return
	}

	configured := make(map[string]bool, len(cfg.ChannelIDs))
	for _, id := range cfg.ChannelIDs {
		configured[id] = true
	}
	accessible := make(map[string]bool, len(dialogs))
	for _, d := range dialogs {
		accessible[identifier(d)] = true
	}

	fmt.Println("\nAccessible but not configured:")
	for _, d := range dialogs {
		if d.Kind != "Channel" && d.Kind != "Supergroup" && d.Kind != "Group" {
			continue
		}
		if !configured[identifier(d)] {
			fmt.Printf("  %s (%s)\n", identifier(d), d.DisplayName())
		}
	}

	fmt.Println("\nConfigured but not accessible:")
	for _, id := range cfg.ChannelIDs {
		if !accessible[id] {
			fmt.Printf("  %s\n", id)
		}
	}
}

// writeSkeleton emits a starter configuration carrying every accessible
// channel; the webhook endpoint still has to be provided via environment.
func writeSkeleton(dialogs []domain.ChatInfo) error {
	type channelEntry struct {
		ID       string   `json:"id"`
		Keywords []string `json:"keywords,omitempty"`
	}
	type destEntry struct {
		Name     string         `json:"name"`
		Type     string         `json:"type"`
		EnvKey   string         `json:"env_key"`
		Channels []channelEntry `json:"channels"`
	}

	var channels []channelEntry
	for _, d := range dialogs {
		if d.Kind == "Channel" || d.Kind == "Supergroup" {
			channels = append(channels, channelEntry{ID: identifier(d)})
		}
	}

	doc := map[string][]destEntry{
		"destinations": {{
			Name:     "discovered",
			Type:     "webhook",
			EnvKey:   "DISCORD_WEBHOOK_URL",
			Channels: channels,
		}},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(discoveredConfigPath, data, 0o644)
}
