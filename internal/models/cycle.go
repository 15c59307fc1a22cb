package models

import (
	"errors"
	"fmt"
	"time"
)

// CycleStatus is the lifecycle state of a collection cycle.
type CycleStatus string

const (
	// CyclePending is the initial state while the pipeline is running.
	CyclePending CycleStatus = "pending"
	// CycleSucceeded means every target market was collected.
	CycleSucceeded CycleStatus = "succeeded"
	// CyclePartiallyFailed means at least one market succeeded and at least
	// one failed.
	CyclePartiallyFailed CycleStatus = "partially-failed"
	// CycleFailed means no market succeeded, or the cycle was aborted.
	CycleFailed CycleStatus = "failed"
)

// ReasonCancelled is the failure sub-reason recorded when a running cycle is
// cancelled cooperatively rather than failing on its own.
const ReasonCancelled = "cancelled"

// CollectionCycle is one bounded unit of collection work: a start time, a set
// of target markets, and a terminal status. The scheduler creates cycles, the
// pipeline mutates their counters as stages complete, and a cycle becomes
// immutable once marked terminal.
type CollectionCycle struct {
	ID        string      `json:"id"`
	StartedAt time.Time   `json:"started_at"`
	Markets   []string    `json:"markets"`
	Status    CycleStatus `json:"status"`
	Reason    string      `json:"reason,omitempty"` // failure sub-reason, e.g. "cancelled"

	Succeeded     int       `json:"succeeded"`
	Duplicates    int       `json:"duplicates"`
	Failed        int       `json:"failed"`
	FailedMarkets []string  `json:"failed_markets,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
}

// Validate checks that all cycle fields are valid.
func (c *CollectionCycle) Validate() error {
	if c.ID == "" {
		return errors.New("cycle ID must not be empty")
	}
	if c.StartedAt.IsZero() {
		return errors.New("cycle start time must be set")
	}
	if len(c.Markets) == 0 {
		return errors.New("cycle must target at least one market")
	}
	switch c.Status {
	case CyclePending, CycleSucceeded, CyclePartiallyFailed, CycleFailed:
	default:
		return fmt.Errorf("unknown cycle status %q", c.Status)
	}
	return nil
}

// Terminal reports whether the cycle has reached a terminal status.
func (c *CollectionCycle) Terminal() bool {
	return c.Status != CyclePending
}

// Finish marks the cycle terminal. The status of a terminal cycle is
// monotonic: a second call is rejected rather than revising the outcome.
func (c *CollectionCycle) Finish(status CycleStatus, reason string) error {
	if status == CyclePending {
		return errors.New("pending is not a terminal status")
	}
	if c.Terminal() {
		return fmt.Errorf("cycle %s already terminal with status %s", c.ID, c.Status)
	}
	c.Status = status
	c.Reason = reason
	c.FinishedAt = time.Now()
	return nil
}

// Summary returns a one-line human-readable account of the cycle outcome.
func (c *CollectionCycle) Summary() string {
	return fmt.Sprintf("cycle %s: status=%s succeeded=%d duplicates=%d failed=%d",
		c.ID, c.Status, c.Succeeded, c.Duplicates, c.Failed)
}
