package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cwhit/polyharvest/internal/cache"
	"github.com/cwhit/polyharvest/internal/models"
)

// scriptedScraper returns per-market, per-attempt behavior for tests.
type scriptedScraper struct {
	mu     sync.Mutex
	calls  map[string]int
	behave func(marketID string, attempt int) (*models.MarketSnapshot, error)
}

func newScriptedScraper(behave func(string, int) (*models.MarketSnapshot, error)) *scriptedScraper {
	return &scriptedScraper{calls: make(map[string]int), behave: behave}
}

func (s *scriptedScraper) FetchMarket(ctx context.Context, marketID string) (*models.MarketSnapshot, error) {
	s.mu.Lock()
	s.calls[marketID]++
	attempt := s.calls[marketID]
	s.mu.Unlock()
	return s.behave(marketID, attempt)
}

func (s *scriptedScraper) callCount(marketID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[marketID]
}

// memSeen is an in-memory fingerprint seen-set.
type memSeen struct {
	mu       sync.Mutex
	seen     map[models.Fingerprint]time.Time
	failWith error
}

func newMemSeen() *memSeen {
	return &memSeen{seen: make(map[models.Fingerprint]time.Time)}
}

func (m *memSeen) IsNovel(ctx context.Context, fp models.Fingerprint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	_, exists := m.seen[fp]
	return !exists, nil
}

func (m *memSeen) MarkSeen(ctx context.Context, fp models.Fingerprint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if _, exists := m.seen[fp]; !exists {
		m.seen[fp] = at
	}
	return nil
}

// memStores is an in-memory raw + processed store.
type memStores struct {
	mu               sync.Mutex
	snapshots        map[models.Fingerprint]*models.MarketSnapshot
	records          map[string]*models.ProcessedRecord
	failWith         error
	failSnapshotOnce error // consumed by the first PutSnapshot call
}

func newMemStores() *memStores {
	return &memStores{
		snapshots: make(map[models.Fingerprint]*models.MarketSnapshot),
		records:   make(map[string]*models.ProcessedRecord),
	}
}

func (m *memStores) PutSnapshot(ctx context.Context, fp models.Fingerprint, snap *models.MarketSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if m.failSnapshotOnce != nil {
		err := m.failSnapshotOnce
		m.failSnapshotOnce = nil
		return err
	}
	if _, exists := m.snapshots[fp]; !exists {
		m.snapshots[fp] = snap
	}
	return nil
}

func (m *memStores) PutRecord(ctx context.Context, rec *models.ProcessedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *memStores) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots), len(m.records)
}

// countingLimiter records how many scrape slots were requested.
type countingLimiter struct {
	mu    sync.Mutex
	waits int
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.waits++
	l.mu.Unlock()
	return nil
}

// fixedObserved sits safely in the past so snapshot validation accepts it
// whenever the suite runs; evaluated once, so fingerprints stay stable
// across re-runs within a test.
var fixedObserved = time.Now().UTC().Add(-time.Minute).Truncate(time.Second)

func goodSnapshot(marketID string, yes float64) *models.MarketSnapshot {
	return &models.MarketSnapshot{
		MarketID:   marketID,
		Question:   "Question for " + marketID,
		Source:     "test",
		ObservedAt: fixedObserved,
		Fields: map[string]float64{
			models.FieldYesPrice: yes,
			models.FieldNoPrice:  1 - yes,
			models.FieldVolume:   100000,
		},
	}
}

func testConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  5 * time.Millisecond,
		MaxWorkers:       4,
		CycleInterval:    time.Hour,
		CacheTTL:         time.Hour,
	}
}

func newCycle(markets ...string) *models.CollectionCycle {
	return &models.CollectionCycle{
		ID:        "cycle-test",
		StartedAt: fixedObserved,
		Markets:   markets,
		Status:    models.CyclePending,
	}
}

func TestRun_AllMarketsSucceed(t *testing.T) {
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		if marketID == "MARKET-A" {
			return goodSnapshot(marketID, 0.6), nil
		}
		return goodSnapshot(marketID, 0.8), nil
	})
	stores := newMemStores()
	c := cache.New(100)
	p := New(testConfig(), scraper, newMemSeen(), stores, c, nil)

	cycle := newCycle("MARKET-A", "MARKET-B")
	if err := p.Run(context.Background(), cycle); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if cycle.Status != models.CycleSucceeded {
		t.Errorf("status: got %s", cycle.Status)
	}
	if cycle.Succeeded != 2 || cycle.Duplicates != 0 || cycle.Failed != 0 {
		t.Errorf("counters: %+v", cycle)
	}

	raw, processed := stores.counts()
	if raw != 2 {
		t.Errorf("expected 2 raw entries, got %d", raw)
	}
	if processed != 2 {
		t.Errorf("expected 2 processed entries, got %d", processed)
	}
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		return goodSnapshot(marketID, 0.6), nil
	})
	stores := newMemStores()
	seen := newMemSeen()
	p := New(testConfig(), scraper, seen, stores, cache.New(100), nil)

	if err := p.Run(context.Background(), newCycle("MARKET-A", "MARKET-B")); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	rerun := newCycle("MARKET-A", "MARKET-B")
	if err := p.Run(context.Background(), rerun); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if rerun.Status != models.CycleSucceeded {
		t.Errorf("rerun status: got %s", rerun.Status)
	}
	if rerun.Duplicates != 2 || rerun.Succeeded != 0 {
		t.Errorf("rerun counters: succeeded=%d duplicates=%d", rerun.Succeeded, rerun.Duplicates)
	}

	raw, _ := stores.counts()
	if raw != 2 {
		t.Errorf("rerun grew the raw store: %d entries", raw)
	}
}

func TestRun_PartialFailure(t *testing.T) {
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		if marketID == "M2" {
			return nil, &models.ScrapeError{MarketID: marketID, Err: errors.New("timeout")}
		}
		return goodSnapshot(marketID, 0.6), nil
	})
	stores := newMemStores()
	p := New(testConfig(), scraper, newMemSeen(), stores, cache.New(100), nil)

	cycle := newCycle("M1", "M2")
	if err := p.Run(context.Background(), cycle); err != nil {
		t.Fatalf("per-market failure escaped as cycle error: %v", err)
	}

	if cycle.Status != models.CyclePartiallyFailed {
		t.Errorf("status: got %s", cycle.Status)
	}
	if cycle.Failed != 1 || len(cycle.FailedMarkets) != 1 || cycle.FailedMarkets[0] != "M2" {
		t.Errorf("failure bookkeeping wrong: failed=%d markets=%v", cycle.Failed, cycle.FailedMarkets)
	}
	if got := scraper.callCount("M2"); got != 3 {
		t.Errorf("expected 3 attempts for M2, got %d", got)
	}

	raw, _ := stores.counts()
	if raw != 1 {
		t.Errorf("expected exactly 1 raw entry, got %d", raw)
	}
}

func TestRun_AllMarketsFail(t *testing.T) {
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		return nil, &models.ScrapeError{MarketID: marketID, Err: errors.New("down")}
	})
	p := New(testConfig(), scraper, newMemSeen(), newMemStores(), cache.New(100), nil)

	cycle := newCycle("M1", "M2")
	if err := p.Run(context.Background(), cycle); err != nil {
		t.Fatalf("Run returned error for ordinary failures: %v", err)
	}
	if cycle.Status != models.CycleFailed {
		t.Errorf("status: got %s", cycle.Status)
	}
}

func TestRun_RetryRecoversFromTransientFailure(t *testing.T) {
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		if attempt < 3 {
			return nil, &models.ScrapeError{MarketID: marketID, Err: errors.New("flaky")}
		}
		return goodSnapshot(marketID, 0.6), nil
	})
	p := New(testConfig(), scraper, newMemSeen(), newMemStores(), cache.New(100), nil)

	cycle := newCycle("M1")
	if err := p.Run(context.Background(), cycle); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if cycle.Status != models.CycleSucceeded {
		t.Errorf("status: got %s", cycle.Status)
	}
	if got := scraper.callCount("M1"); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestRun_MalformedSnapshotRetriedAgainstFreshScrape(t *testing.T) {
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		if attempt == 1 {
			bad := goodSnapshot(marketID, 0.6)
			delete(bad.Fields, models.FieldYesPrice)
			return bad, nil
		}
		return goodSnapshot(marketID, 0.6), nil
	})
	p := New(testConfig(), scraper, newMemSeen(), newMemStores(), cache.New(100), nil)

	cycle := newCycle("M1")
	if err := p.Run(context.Background(), cycle); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if cycle.Status != models.CycleSucceeded {
		t.Errorf("status: got %s", cycle.Status)
	}
	if got := scraper.callCount("M1"); got != 2 {
		t.Errorf("expected a fresh scrape after validation failure, got %d attempts", got)
	}
}

func TestRun_StorageErrorAbortsCycle(t *testing.T) {
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		return goodSnapshot(marketID, 0.6), nil
	})
	stores := newMemStores()
	stores.failWith = &models.StorageError{Op: "raw insert", Err: errors.New("disk gone")}
	p := New(testConfig(), scraper, newMemSeen(), stores, cache.New(100), nil)

	cycle := newCycle("M1", "M2")
	err := p.Run(context.Background(), cycle)
	if err == nil {
		t.Fatal("expected cycle-aborting error")
	}

	var se *models.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *models.StorageError, got %T", err)
	}
	if cycle.Status != models.CycleFailed {
		t.Errorf("status: got %s", cycle.Status)
	}
}

func TestRun_FailedRawWriteDoesNotMarkSeen(t *testing.T) {
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		return goodSnapshot(marketID, 0.6), nil
	})
	stores := newMemStores()
	stores.failSnapshotOnce = &models.StorageError{Op: "raw insert", Err: errors.New("disk gone")}
	seen := newMemSeen()
	p := New(testConfig(), scraper, seen, stores, cache.New(100), nil)

	err := p.Run(context.Background(), newCycle("M1"))
	var se *models.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *models.StorageError from first run, got %v", err)
	}

	seen.mu.Lock()
	marked := len(seen.seen)
	seen.mu.Unlock()
	if marked != 0 {
		t.Fatalf("fingerprint marked seen despite failed raw write: %d entries", marked)
	}

	// With storage healed, the snapshot collects as novel, not as a duplicate.
	retry := newCycle("M1")
	if err := p.Run(context.Background(), retry); err != nil {
		t.Fatalf("retry run failed: %v", err)
	}
	if retry.Succeeded != 1 || retry.Duplicates != 0 {
		t.Errorf("retry counters: succeeded=%d duplicates=%d", retry.Succeeded, retry.Duplicates)
	}
	raw, _ := stores.counts()
	if raw != 1 {
		t.Errorf("expected 1 raw entry after retry, got %d", raw)
	}
}

func TestRun_CancellationMarksCycleFailed(t *testing.T) {
	release := make(chan struct{})
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		if marketID != "M1" {
			<-release
		}
		return goodSnapshot(marketID, 0.6), nil
	})
	stores := newMemStores()

	cfg := testConfig()
	cfg.MaxWorkers = 1
	p := New(cfg, scraper, newMemSeen(), stores, cache.New(100), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cycle := newCycle("M1", "M2", "M3")

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, cycle) }()

	// Let M1 commit, then cancel while M2 is in flight.
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	if err := <-done; err == nil {
		t.Fatal("expected context error from cancelled run")
	}

	if cycle.Status != models.CycleFailed {
		t.Errorf("status: got %s", cycle.Status)
	}
	if cycle.Reason != models.ReasonCancelled {
		t.Errorf("reason: got %q", cycle.Reason)
	}

	// Committed work stays valid.
	raw, _ := stores.counts()
	if raw < 1 {
		t.Error("committed snapshot dropped on cancellation")
	}
}

func TestRun_EveryScrapeGoesThroughLimiter(t *testing.T) {
	scraper := newScriptedScraper(func(marketID string, attempt int) (*models.MarketSnapshot, error) {
		return goodSnapshot(marketID, 0.6), nil
	})
	limiter := &countingLimiter{}
	p := New(testConfig(), scraper, newMemSeen(), newMemStores(), cache.New(100), limiter)

	cycle := newCycle("M1", "M2", "M3")
	if err := p.Run(context.Background(), cycle); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.waits != 3 {
		t.Errorf("expected 3 limiter waits, got %d", limiter.waits)
	}
}

func TestRun_RejectsTerminalCycle(t *testing.T) {
	p := New(testConfig(), newScriptedScraper(func(string, int) (*models.MarketSnapshot, error) {
		return nil, fmt.Errorf("unreachable")
	}), newMemSeen(), newMemStores(), cache.New(100), nil)

	cycle := newCycle("M1")
	cycle.Status = models.CycleSucceeded
	if err := p.Run(context.Background(), cycle); err == nil {
		t.Error("expected error re-running a terminal cycle")
	}
}
