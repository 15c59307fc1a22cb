// Package pipeline executes collection cycles end to end: scrape each target
// market, validate, drop duplicates via the fingerprint store, persist novel
// snapshots to the raw store, transform them into processed records, and keep
// the cache current at every stage.
//
// Per-market failures are retried with exponential backoff and then degrade
// the cycle to partial failure; they never escape the pipeline. Only a
// StorageError aborts the whole in-flight cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cwhit/polyharvest/internal/cache"
	"github.com/cwhit/polyharvest/internal/fingerprint"
	"github.com/cwhit/polyharvest/internal/logger"
	"github.com/cwhit/polyharvest/internal/models"
	"github.com/cwhit/polyharvest/internal/transform"
)

// Scraper is the external collaborator producing raw snapshots. It must be
// assumed to fail intermittently and to be rate-limit sensitive.
type Scraper interface {
	FetchMarket(ctx context.Context, marketID string) (*models.MarketSnapshot, error)
}

// Stores is the durable staging storage consumed by the pipeline.
type Stores interface {
	PutSnapshot(ctx context.Context, fp models.Fingerprint, snap *models.MarketSnapshot) error
	PutRecord(ctx context.Context, rec *models.ProcessedRecord) error
}

// Limiter gates individual scrape requests. Wait blocks until the caller may
// issue the next request, honoring the global minimum spacing.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config holds pipeline tuning knobs.
type Config struct {
	MaxRetries       int           // attempts per market, including the first
	RetryBackoffBase time.Duration // delay after the first failed attempt
	RetryBackoffMax  time.Duration // backoff ceiling
	MaxWorkers       int           // concurrent per-market workers
	CycleInterval    time.Duration // fingerprint timestamp truncation boundary
	CacheTTL         time.Duration // TTL for raw and processed cache entries
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = time.Second
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 30 * time.Second
	}
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 4
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = time.Minute
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	return c
}

// Pipeline stages scraped market data. One Run executes one cycle; the
// scheduler guarantees at most one Run is in flight at a time.
type Pipeline struct {
	cfg     Config
	scraper Scraper
	seen    fingerprint.Seen
	stores  Stores
	cache   *cache.Cache
	limiter Limiter
}

// New creates a Pipeline. limiter may be nil when request spacing is not
// enforced (tests).
func New(cfg Config, scraper Scraper, seen fingerprint.Seen, stores Stores, c *cache.Cache, limiter Limiter) *Pipeline {
	return &Pipeline{
		cfg:     cfg.withDefaults(),
		scraper: scraper,
		seen:    seen,
		stores:  stores,
		cache:   c,
		limiter: limiter,
	}
}

// marketOutcome classifies the result of processing one target market.
type marketOutcome int

const (
	outcomeCollected marketOutcome = iota
	outcomeDuplicate
	outcomeFailed
)

// Run executes the cycle over all its target markets and marks it terminal.
// The returned error is non-nil only for cycle-aborting conditions (storage
// unavailable, cancellation); ordinary per-market failures are absorbed into
// the cycle's counters.
func (p *Pipeline) Run(ctx context.Context, cycle *models.CollectionCycle) error {
	if err := cycle.Validate(); err != nil {
		return fmt.Errorf("invalid cycle: %w", err)
	}
	if cycle.Terminal() {
		return fmt.Errorf("cycle %s is already terminal", cycle.ID)
	}

	start := time.Now()
	logger.Info("Starting cycle %s over %d markets", cycle.ID, len(cycle.Markets))

	// Workers share this context; the first StorageError cancels it so
	// remaining markets are not attempted against a dead store.
	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	sem := make(chan struct{}, p.cfg.MaxWorkers)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var storageErr error

	for _, marketID := range cycle.Markets {
		// Cooperative cancellation point between per-market iterations.
		if runCtx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(marketID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				return
			}

			outcome, failure := p.processMarket(runCtx, marketID, cycle.StartedAt)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeCollected:
				cycle.Succeeded++
			case outcomeDuplicate:
				cycle.Duplicates++
			case outcomeFailed:
				var se *models.StorageError
				if errors.As(failure, &se) {
					if storageErr == nil {
						storageErr = failure
						abort()
					}
					return
				}
				if runCtx.Err() != nil {
					// The cycle is being aborted or cancelled; this market's
					// work is dropped, not recorded as a market failure.
					return
				}
				cycle.Failed++
				cycle.FailedMarkets = append(cycle.FailedMarkets, marketID)
				logger.Warn("Market %s failed permanently: %v", marketID, failure)
			}
		}(marketID)
	}

	wg.Wait()

	switch {
	case storageErr != nil:
		_ = cycle.Finish(models.CycleFailed, storageErr.Error())
		logger.Error("Cycle %s aborted: %v", cycle.ID, storageErr)
		return storageErr
	case ctx.Err() != nil:
		_ = cycle.Finish(models.CycleFailed, models.ReasonCancelled)
		logger.Warn("Cycle %s cancelled after %d markets collected", cycle.ID, cycle.Succeeded)
		return ctx.Err()
	}

	status := models.CycleSucceeded
	if cycle.Failed > 0 {
		if cycle.Succeeded+cycle.Duplicates > 0 {
			status = models.CyclePartiallyFailed
		} else {
			status = models.CycleFailed
		}
	}
	_ = cycle.Finish(status, "")

	logger.Info("%s (%v)", cycle.Summary(), time.Since(start))
	return nil
}

// processMarket runs the scrape → dedupe → persist → transform chain for one
// market, retrying transient failures with exponential backoff. Validation
// failures are retried only against a fresh scrape, never against the same
// raw response.
func (p *Pipeline) processMarket(ctx context.Context, marketID string, cycleStart time.Time) (marketOutcome, error) {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := p.backoff(ctx, attempt-1); err != nil {
				return outcomeFailed, lastErr
			}
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return outcomeFailed, lastErr
			}
		}

		snap, err := p.scraper.FetchMarket(ctx, marketID)
		if err != nil {
			lastErr = err
			logger.Debug("Scrape attempt %d/%d for market %s failed: %v", attempt, p.cfg.MaxRetries, marketID, err)
			continue
		}

		if err := snap.Validate(); err != nil {
			lastErr = &models.ValidationError{MarketID: marketID, Err: err}
			logger.Debug("Snapshot for market %s malformed on attempt %d: %v", marketID, attempt, err)
			continue
		}

		return p.stage(ctx, marketID, snap, cycleStart)
	}

	return outcomeFailed, lastErr
}

// stage runs the post-scrape stages. Storage failures here are not retried;
// they abort the cycle.
func (p *Pipeline) stage(ctx context.Context, marketID string, snap *models.MarketSnapshot, cycleStart time.Time) (marketOutcome, error) {
	fp := fingerprint.Compute(snap, p.cfg.CycleInterval)

	novel, err := p.seen.IsNovel(ctx, fp)
	if err != nil {
		return outcomeFailed, err
	}
	if !novel {
		logger.Debug("Market %s snapshot %s is a duplicate, dropping", marketID, fp)
		return outcomeDuplicate, nil
	}

	// The raw row commits before the fingerprint is marked. A failure between
	// the two leaves a stored-but-unmarked snapshot, which the next run
	// resolves through the raw store's insert-if-absent key; the reverse
	// order would leave a marked fingerprint whose snapshot was never stored.
	if err := p.stores.PutSnapshot(ctx, fp, snap); err != nil {
		return outcomeFailed, err
	}
	if err := p.seen.MarkSeen(ctx, fp, cycleStart); err != nil {
		return outcomeFailed, err
	}
	p.cache.Put(cache.NamespaceRaw, string(fp), snap, p.cfg.CacheTTL)

	rec, err := transform.Snapshot(snap, fp)
	if err != nil {
		// A snapshot that validated but cannot transform is malformed.
		return outcomeFailed, &models.ValidationError{MarketID: marketID, Err: err}
	}
	if err := p.stores.PutRecord(ctx, rec); err != nil {
		return outcomeFailed, err
	}
	p.cache.Put(cache.NamespaceProcessed, rec.ID, rec, p.cfg.CacheTTL)

	return outcomeCollected, nil
}

// backoff sleeps for base × 2^(failures-1), capped at the configured maximum,
// returning early if the context is cancelled.
func (p *Pipeline) backoff(ctx context.Context, failures int) error {
	delay := p.cfg.RetryBackoffBase
	for i := 1; i < failures && delay < p.cfg.RetryBackoffMax; i++ {
		delay *= 2
	}
	if delay > p.cfg.RetryBackoffMax {
		delay = p.cfg.RetryBackoffMax
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
