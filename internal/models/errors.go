package models

import "fmt"

// The pipeline distinguishes three error classes. ScrapeError and
// ValidationError are per-market and degrade a cycle to partial failure at
// worst; StorageError means the persistence layer is unavailable and aborts
// the whole in-flight cycle.

// ScrapeError is a transient per-market collection failure.
type ScrapeError struct {
	MarketID string
	Err      error
}

func (e *ScrapeError) Error() string {
	return fmt.Sprintf("scrape failed for market %s: %v", e.MarketID, e.Err)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// ValidationError means a scraped snapshot was structurally malformed. It is
// retried like a ScrapeError, but always against a fresh scrape attempt,
// never against the same raw response.
type ValidationError struct {
	MarketID string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid snapshot for market %s: %v", e.MarketID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError is an infrastructure-level persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
