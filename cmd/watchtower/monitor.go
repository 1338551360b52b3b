package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"watchtower/internal/config"
	"watchtower/internal/domain"
	"watchtower/internal/metrics"
	"watchtower/internal/pipeline"
	"watchtower/internal/source"
	"watchtower/internal/telegram"
)

const readyTimeout = 2 * time.Minute

func monitorCmd() *cobra.Command {
	var sources string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the message routing pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch sources {
			case "all", "telegram", "rss":
			default:
				return fmt.Errorf("invalid --sources %q (want all, telegram, or rss)", sources)
			}
			return runMonitor(sources)
		},
	}
	cmd.Flags().StringVar(&sources, "sources", "all", "sources to run: all | telegram | rss")
	return cmd
}

func runMonitor(sources string) error {
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wantTelegramSource := sources != "rss" && len(cfg.ChannelIDs) > 0
	wantFeedSource := sources != "telegram" && len(cfg.Feeds) > 0
	if !wantTelegramSource && !wantFeedSource {
		return errors.New("nothing to monitor with the selected sources")
	}

	// The chat client serves both the telegram source and telegram
	// destinations; it connects whenever either is in play.
	var client domain.ChatClient
	if wantTelegramSource || hasTelegramDest(cfg) {
		if cfg.APIID == "" || cfg.APIHash == "" {
			return fmt.Errorf("missing required environment: %s, %s", config.EnvAPIID, config.EnvAPIHash)
		}
		apiID, err := strconv.Atoi(cfg.APIID)
		if err != nil {
			return fmt.Errorf("%s must be numeric: %w", config.EnvAPIID, err)
		}
		client = telegram.New(telegram.Options{
			APIID:      apiID,
			APIHash:    cfg.APIHash,
			SessionDir: "config",
			Logger:     logger,
		})
	}

	collector := metrics.New(cfg.MetricsPath(), logger)
	orch := pipeline.New(cfg, client, collector, logger)
	orch.PurgeAttachments()

	var wg sync.WaitGroup
	fatal := make(chan error, 1)

	if client != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("telegram client stopped", "err", err)
				select {
				case fatal <- err:
				default:
				}
				stop()
			}
		}()

		select {
		case <-client.Ready():
		case <-ctx.Done():
		case <-time.After(readyTimeout):
			stop()
			wg.Wait()
			return errors.New("telegram client did not become ready")
		}
	}

	if wantTelegramSource && ctx.Err() == nil {
		src := source.NewChatSource(client, cfg.ChannelIDs, cfg.TelegramLogDir(), orch.Handle, collector, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Run(ctx); err != nil {
				logger.Error("telegram source stopped", "err", err)
			}
		}()
	}

	if wantFeedSource && ctx.Err() == nil {
		feeds := make([]source.Feed, len(cfg.Feeds))
		for i, f := range cfg.Feeds {
			feeds[i] = source.Feed{URL: f.URL, Name: f.Name}
		}
		src := source.NewFeedSource(feeds, cfg.RSSLogDir(), orch.Handle, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Queue().Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		collector.Run(ctx)
	}()

	logger.Info("watchtower monitoring started", "sources", sources)
	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	select {
	case err := <-fatal:
		return err
	default:
	}
	logger.Info("shutdown complete", "metrics", cfg.MetricsPath())
	return nil
}

func hasTelegramDest(cfg *config.Config) bool {
	for _, d := range cfg.Destinations {
		if d.Kind == domain.DestTelegram {
			return true
		}
	}
	return false
}
