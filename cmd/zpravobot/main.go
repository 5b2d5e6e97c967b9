package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zpravobot/internal/api"
	"zpravobot/internal/config"
	"zpravobot/internal/database"
	"zpravobot/internal/editdetect"
	"zpravobot/internal/fetch"
	"zpravobot/internal/firehose"
	"zpravobot/internal/format"
	"zpravobot/internal/httpx"
	"zpravobot/internal/logging"
	"zpravobot/internal/models"
	"zpravobot/internal/pipeline"
	syncer "zpravobot/internal/sync"
	"zpravobot/internal/thread"
	"zpravobot/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadConfig()
	if cfg.MastodonServer == "" || cfg.MastodonAccessToken == "" {
		return fmt.Errorf("MASTODON_SERVER and MASTODON_ACCESS_TOKEN must be set")
	}

	db, err := database.NewDB(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if cfg.SourcesFile != "" {
		if err := loadSources(db, cfg.SourcesFile); err != nil {
			return fmt.Errorf("failed to load sources from %s: %w", cfg.SourcesFile, err)
		}
	}

	httpClient := httpx.NewClient()
	mastodonClient := api.NewMastodonClient(cfg)
	blueskyClient := api.NewBlueskyClient(cfg)
	nitterClient := api.NewNitterClient(cfg.NitterInstance, httpClient)
	syndicationClient := api.NewSyndicationClient(httpClient)

	threads := thread.NewRegistry(nitterClient, mastodonClient, db)
	coordinator := fetch.NewCoordinator(nitterClient, syndicationClient, threads, db, fetch.Options{})

	// The buffer must outlive the matching window, so the window is kept
	// at half the configured retention.
	detector := editdetect.New(db, editdetect.Options{
		EditWindow: cfg.EditBufferRetention / 2,
	})
	pipe := pipeline.New(mastodonClient, format.NewFormatter(), db, detector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var fh *firehose.Subscriber
	if cfg.FirehoseURL != "" {
		fh = firehose.NewSubscriber(cfg.FirehoseURL)
		go func() {
			if err := fh.Start(ctx); err != nil && ctx.Err() == nil {
				logging.Error("Firehose subscriber exited: %v", err)
			}
		}()
	}

	s := syncer.NewSyncer(db, blueskyClient, nitterClient, coordinator, pipe, fh, cfg)
	go s.Run(ctx)

	server := web.NewServer(cfg, db)
	server.Start()

	sig := <-sigCh
	logging.Info("Received signal %v, shutting down...", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logging.Error("Error shutting down web server: %v", err)
	}
	return nil
}

// loadSources upserts the source configs from a JSON file into the
// database. Existing sources keep their sync cursors.
func loadSources(db *database.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sources []models.SourceConfig
	if err := json.Unmarshal(data, &sources); err != nil {
		return fmt.Errorf("invalid sources file: %w", err)
	}
	for i := range sources {
		if sources[i].ID == "" || sources[i].ScreenName == "" {
			return fmt.Errorf("source %d is missing id or screen_name", i)
		}
		if err := db.SaveSource(&sources[i]); err != nil {
			return err
		}
	}
	logging.Info("Loaded %d source configs from %s", len(sources), path)
	return nil
}
