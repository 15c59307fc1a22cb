// Package scheduler decides when collection cycles run. It enforces a single
// active cycle at a time, triggers new cycles on a fixed interval or on
// explicit request, and applies capped exponential backoff after failed
// cycles. The trigger timer runs independently of in-flight cycle work, so a
// slow cycle never blocks the clock; it only causes triggers to be skipped
// until the cycle finishes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwhit/polyharvest/internal/logger"
	"github.com/cwhit/polyharvest/internal/models"
)

// State is the scheduler's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Runner executes one collection cycle. Implemented by pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, cycle *models.CollectionCycle) error
}

// TargetLister discovers the markets a cycle should collect. Implemented by
// the scrape collaborator; nil when a static target list is configured.
type TargetLister interface {
	ListMarkets(ctx context.Context, limit int, minVolume float64) ([]string, error)
}

// Config holds scheduler tuning knobs.
type Config struct {
	CycleInterval time.Duration // spacing between cycle starts
	BackoffBase   time.Duration // extra delay after the first failed cycle
	BackoffMax    time.Duration // backoff ceiling
	Markets       []string      // static target markets; used when no lister
	ListLimit     int           // discovery page size
	MinVolume     float64       // discovery volume floor
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 5 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 200
	}
	return c
}

// Scheduler owns the cycle trigger loop. All mutable trigger state (last
// cycle start, current backoff) lives on the instance.
type Scheduler struct {
	cfg    Config
	runner Runner
	lister TargetLister

	mu             sync.Mutex
	state          State
	lastOutcome    State // StateCompleted or StateFailed once a cycle has run
	lastCycleStart time.Time
	backoff        time.Duration // 0 when the last cycle completed

	triggerCh chan struct{}
	cycleDone chan cycleResult
	wg        sync.WaitGroup
}

// cycleResult pairs a finished cycle with the runner's error. The cycle is
// nil when it could not be built at all.
type cycleResult struct {
	cycle *models.CollectionCycle
	err   error
}

// New creates a Scheduler. lister may be nil when cfg.Markets is static.
func New(cfg Config, runner Runner, lister TargetLister) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		runner:    runner,
		lister:    lister,
		state:     StateIdle,
		triggerCh: make(chan struct{}, 1),
		cycleDone: make(chan cycleResult, 1),
	}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TriggerNow requests an immediate cycle. The request is ignored when a
// cycle is already running; it never blocks.
func (s *Scheduler) TriggerNow() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// nextEligible returns the earliest time the next cycle may start.
func (s *Scheduler) nextEligible() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCycleStart.IsZero() {
		return time.Now() // first cycle runs immediately
	}
	return s.lastCycleStart.Add(s.cfg.CycleInterval + s.backoff)
}

// Run drives the trigger loop until ctx is cancelled. It blocks; callers run
// it in its own goroutine. A cancelled in-flight cycle is awaited before Run
// returns so its terminal bookkeeping completes.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("Scheduler started (interval: %v, backoff: %v..%v)",
		s.cfg.CycleInterval, s.cfg.BackoffBase, s.cfg.BackoffMax)

	for {
		wait := time.Until(s.nextEligible())
		if wait < 0 {
			wait = 0
		}
		if st := s.State(); st == StateTriggered || st == StateRunning {
			// A cycle is in flight; sleep until its result arrives instead
			// of re-arming an already-elapsed trigger.
			wait = time.Hour
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.wg.Wait()
			s.drainResult()
			logger.Info("Scheduler stopped")
			return

		case <-timer.C:
			s.tryTrigger(ctx, "interval")

		case <-s.triggerCh:
			timer.Stop()
			s.tryTrigger(ctx, "manual")

		case res := <-s.cycleDone:
			timer.Stop()
			s.finishCycle(res)
		}
	}
}

// tryTrigger starts a cycle unless one is already running. Refusing rather
// than queueing keeps exactly one cycle touching the stores at a time.
func (s *Scheduler) tryTrigger(ctx context.Context, cause string) {
	s.mu.Lock()
	if s.state == StateTriggered || s.state == StateRunning {
		s.mu.Unlock()
		logger.Debug("Trigger (%s) skipped: cycle already in flight", cause)
		return
	}
	if cause == "interval" && time.Now().Before(s.lastCycleStart.Add(s.cfg.CycleInterval+s.backoff)) {
		// A manual trigger or cycle completion woke the loop early.
		s.mu.Unlock()
		return
	}
	s.state = StateTriggered
	s.lastCycleStart = time.Now()
	s.mu.Unlock()

	cycle, err := s.buildCycle(ctx)
	if err != nil {
		logger.Error("Failed to build cycle: %v", err)
		s.finishCycle(cycleResult{err: err})
		return
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	logger.Debug("Cycle %s triggered (%s) over %d markets", cycle.ID, cause, len(cycle.Markets))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cycleDone <- cycleResult{cycle: cycle, err: s.runner.Run(ctx, cycle)}
	}()
}

// buildCycle assembles the next cycle's target set, via discovery when a
// lister is configured.
func (s *Scheduler) buildCycle(ctx context.Context) (*models.CollectionCycle, error) {
	markets := s.cfg.Markets
	if s.lister != nil {
		discovered, err := s.lister.ListMarkets(ctx, s.cfg.ListLimit, s.cfg.MinVolume)
		if err != nil {
			return nil, fmt.Errorf("discover markets: %w", err)
		}
		markets = discovered
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("no target markets")
	}

	return &models.CollectionCycle{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Markets:   markets,
		Status:    models.CyclePending,
	}, nil
}

// finishCycle records a cycle outcome: backoff doubles (capped) after a
// failure and resets after a completion, and the scheduler returns to idle.
// A cycle counts as failed when the runner errored or when it finished with
// nothing collected; partial failures still reset the backoff.
func (s *Scheduler) finishCycle(res cycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := res.err != nil || (res.cycle != nil && res.cycle.Status == models.CycleFailed)
	if failed {
		s.state = StateFailed
		s.lastOutcome = StateFailed
		if s.backoff == 0 {
			s.backoff = s.cfg.BackoffBase
		} else {
			s.backoff *= 2
			if s.backoff > s.cfg.BackoffMax {
				s.backoff = s.cfg.BackoffMax
			}
		}
		reason := "no markets collected"
		if res.err != nil {
			reason = res.err.Error()
		}
		logger.Warn("Cycle failed, next trigger delayed by %v: %s", s.backoff, reason)
	} else {
		s.state = StateCompleted
		s.lastOutcome = StateCompleted
		s.backoff = 0
	}

	// Completed and failed are momentary; the scheduler immediately idles
	// for the next trigger.
	s.state = StateIdle
}

// LastOutcome reports how the most recent cycle ended, or "" before any
// cycle has run.
func (s *Scheduler) LastOutcome() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutcome
}

// drainResult consumes a pending cycle result during shutdown.
func (s *Scheduler) drainResult() {
	select {
	case res := <-s.cycleDone:
		s.finishCycle(res)
	default:
	}
}

// CurrentBackoff reports the delay that will be added before the next
// trigger. Zero after a successful cycle.
func (s *Scheduler) CurrentBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}
