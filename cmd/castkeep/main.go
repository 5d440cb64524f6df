package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castkeep/castkeep/internal/adapter"
	"github.com/castkeep/castkeep/internal/audio"
	"github.com/castkeep/castkeep/internal/cache"
	"github.com/castkeep/castkeep/internal/domain"
	"github.com/castkeep/castkeep/internal/remote"
	"github.com/castkeep/castkeep/internal/search"
	"github.com/castkeep/castkeep/internal/store"
	enginesync "github.com/castkeep/castkeep/internal/sync"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	var (
		showVersion bool
		showStats   bool
		clearAudio  bool
		searchQuery string
	)
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.BoolVar(&showStats, "stats", false, "print cache statistics and exit")
	flag.BoolVar(&clearAudio, "clear-audio", false, "clear the audio blob cache and exit")
	flag.StringVar(&searchQuery, "search", "", "search cached episodes and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("castkeep %s\n", Version)
		return
	}

	if err := run(showStats, clearAudio, searchQuery); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(showStats, clearAudio bool, searchQuery string) error {
	cfg, err := adapter.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := adapter.SetupLogger(&cfg.Logging, cfg.Cache.Debug)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = adapter.NullLogger()
	}
	slog.SetDefault(logger)

	logger.Info("starting castkeep", "version", Version)

	st := store.Open(cfg.Cache.Dir, logger)
	defer st.Close()
	if st.Fallback() {
		fmt.Fprintln(os.Stderr, "Warning: durable storage unavailable, running with in-memory cache")
	}

	if searchQuery != "" {
		printSearch(search.NewService(st, logger), searchQuery)
		return nil
	}

	registry := domain.DefaultRegistry()
	manager := cache.NewManager(st, registry, logger)

	audioCache, err := audio.NewCache(cfg.AudioCacheDir(), cfg.AudioMaxSizeBytes(), st, logger)
	if err != nil {
		return fmt.Errorf("failed to create audio cache: %w", err)
	}

	if clearAudio {
		if err := audioCache.ClearCache(); err != nil {
			return fmt.Errorf("failed to clear audio cache: %w", err)
		}
		fmt.Println("Audio cache cleared.")
		return nil
	}

	client := remote.NewClient(cfg.Remote.URL, cfg.Remote.Token, logger)
	engine := enginesync.NewEngine(st, client, manager, registry, logger, enginesync.Options{
		ProbeInterval: cfg.Sync.ProbeInterval,
		SyncInterval:  cfg.Sync.SyncInterval,
		MaxAttempts:   cfg.Sync.MaxAttempts,
	})

	if showStats {
		printStats(manager, audioCache, engine)
		return nil
	}

	if !cfg.IsConfigured() {
		return fmt.Errorf("no remote backend configured; set remote.url in %s", "config.yaml")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := cache.NewLoader(manager, logger)
	go loader.Run(ctx)

	// The loader only signals what needs fetching; the engine performs
	// the actual remote load and backfills the cache.
	go func() {
		for req := range loader.Fetches() {
			if _, err := engine.LoadData(ctx, req.StoreType, req.Key); err != nil {
				logger.Debug("prefetch load failed", "store", req.StoreType, "key", req.Key, "error", err)
			}
		}
	}()

	// Periodic TTL sweep is owned here, not by the cache engine.
	go func() {
		ticker := time.NewTicker(cfg.Sync.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.CleanExpired()
			}
		}
	}()

	engine.Run(ctx)

	logger.Info("shutting down")
	return nil
}

func printSearch(svc *search.Service, query string) {
	results := svc.Search(query, 10)
	if len(results) == 0 {
		fmt.Println("No cached episodes match.")
		return
	}
	for _, r := range results {
		fmt.Printf("  %s  (%s)\n", r.Episode.Title, r.Episode.Slug)
	}
}

func printStats(manager *cache.Manager, audioCache *audio.Cache, engine *enginesync.Engine) {
	fmt.Println("Store populations:")
	for storeType, stats := range manager.Stats() {
		fmt.Printf("  %-14s %d / %d\n", storeType, stats.Count, stats.MaxSize)
	}

	audioStats := audioCache.GetCacheStats()
	fmt.Printf("Audio cache: %d files, %.1f MB of %.1f MB\n",
		audioStats.Count,
		float64(audioStats.TotalSize)/(1<<20),
		float64(audioStats.MaxSize)/(1<<20),
	)

	if n := engine.UnsyncedCount(); n > 0 {
		fmt.Printf("Warning: %d local changes could not be synced and were dropped\n", n)
	}
}
