package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwhit/polyharvest/internal/cache"
	"github.com/cwhit/polyharvest/internal/config"
	"github.com/cwhit/polyharvest/internal/fingerprint"
	"github.com/cwhit/polyharvest/internal/logger"
	"github.com/cwhit/polyharvest/internal/models"
	"github.com/cwhit/polyharvest/internal/pipeline"
	"github.com/cwhit/polyharvest/internal/scheduler"
	"github.com/cwhit/polyharvest/internal/scraper"
	"github.com/cwhit/polyharvest/internal/store"
	"github.com/cwhit/polyharvest/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

// reportLimit caps the notable-markets section of the cycle summary.
const reportLimit = 5

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging with level support
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	// Initialize the staging store
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to open staging store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close staging store: %v", err)
		}
	}()

	// The seen-fingerprint set lives in the same database file. Retention
	// matches the cache TTL so duplicate suppression and cache freshness
	// expire together.
	seen, err := fingerprint.NewStore(st.DB(), cfg.Cache.TTL)
	if err != nil {
		logger.Fatal("Failed to initialize fingerprint store: %v", err)
	}

	staging := cache.New(cfg.Cache.MaxEntries)
	limiter := scheduler.NewRateLimiter(cfg.Collection.MinRequestSpacing)
	client := scraper.NewClient(cfg.Scraper.APIBaseURL, cfg.Scraper.Timeout)

	pipe := pipeline.New(pipeline.Config{
		MaxRetries:       cfg.Collection.MaxRetries,
		RetryBackoffBase: cfg.Collection.RetryBackoffBase,
		RetryBackoffMax:  cfg.Collection.RetryBackoffMax,
		MaxWorkers:       cfg.Collection.MaxWorkers,
		CycleInterval:    cfg.Collection.CycleInterval,
		CacheTTL:         cfg.Cache.TTL,
	}, client, seen, st, staging, limiter)

	// Initialize Telegram client
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	var runner scheduler.Runner = pipe
	if telegramClient != nil {
		runner = &reportingRunner{pipeline: pipe, store: st, telegram: telegramClient}
	}

	// Static target lists skip API discovery entirely.
	var lister scheduler.TargetLister
	if len(cfg.Collection.Markets) == 0 {
		lister = client
	}

	sched := scheduler.New(scheduler.Config{
		CycleInterval: cfg.Collection.CycleInterval,
		BackoffBase:   cfg.Collection.RetryBackoffBase,
		BackoffMax:    cfg.Collection.RetryBackoffMax,
		Markets:       cfg.Collection.Markets,
		ListLimit:     cfg.Scraper.ListLimit,
		MinVolume:     cfg.Scraper.MinVolume,
	}, runner, lister)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	go runMaintenance(ctx, staging, seen, cfg.Cache.TTL)

	logger.Info("Starting collection service (interval: %v, workers: %d, spacing: %v, targets: %d)",
		cfg.Collection.CycleInterval,
		cfg.Collection.MaxWorkers,
		cfg.Collection.MinRequestSpacing,
		len(cfg.Collection.Markets),
	)

	sched.Run(ctx)
	logger.Info("Service stopped")
}

// runMaintenance periodically evicts expired cache entries and prunes
// fingerprint sightings past the retention window.
func runMaintenance(ctx context.Context, staging *cache.Cache, seen *fingerprint.Store, ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := staging.Sweep(); n > 0 {
				logger.Debug("Swept %d expired cache entries", n)
			}
			pruned, err := seen.Prune(ctx, time.Now())
			if err != nil {
				logger.Warn("Failed to prune fingerprint store: %v", err)
				continue
			}
			if pruned > 0 {
				logger.Debug("Pruned %d expired fingerprints", pruned)
			}
		}
	}
}

// reportingRunner decorates the pipeline with a per-cycle Telegram summary.
// Notification failures are logged and never affect the cycle outcome.
type reportingRunner struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
	telegram *telegram.Client
}

func (r *reportingRunner) Run(ctx context.Context, cycle *models.CollectionCycle) error {
	err := r.pipeline.Run(ctx, cycle)
	if ctx.Err() != nil {
		return err
	}

	top, topErr := r.store.TopRecords(ctx, cycle.StartedAt, reportLimit)
	if topErr != nil {
		logger.Warn("Failed to load records for cycle summary: %v", topErr)
	}
	if sendErr := r.telegram.SendCycleSummary(cycle, top); sendErr != nil {
		logger.Warn("Failed to send cycle summary to Telegram: %v", sendErr)
	}
	return err
}
