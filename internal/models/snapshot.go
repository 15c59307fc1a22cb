// Package models defines the core domain entities for the polyharvest pipeline.
// These models represent raw market snapshots, processed records derived from
// them, and the collection cycles that produce both. All models include
// built-in validation to ensure data integrity throughout the application.
//
// Terminology:
//   - Snapshot: one observation of one market during one collection cycle.
//   - Fingerprint: deterministic digest of a snapshot's logical content,
//     used to detect duplicates across repeated scrapes.
//   - Cycle: a bounded run of the pipeline over a set of target markets.
package models

import (
	"errors"
	"time"
)

// Fingerprint is the hex-encoded digest identifying a snapshot's logical
// content. Two snapshots with equal fingerprints are duplicates.
type Fingerprint string

// MarketSnapshot is one raw observation of a single market. Snapshots are
// immutable once created; the pipeline never mutates a stored snapshot.
type MarketSnapshot struct {
	MarketID   string             `json:"market_id"`
	Question   string             `json:"question,omitempty"`
	SourceURL  string             `json:"source_url,omitempty"`
	Source     string             `json:"source"`
	ObservedAt time.Time          `json:"observed_at"`
	Fields     map[string]float64 `json:"fields"`
}

// Well-known field names produced by the scrape collaborator. The pipeline
// only requires FieldYesPrice; everything else is carried opportunistically.
const (
	FieldYesPrice   = "yes_price"
	FieldNoPrice    = "no_price"
	FieldVolume     = "volume"
	FieldVolume24hr = "volume_24hr"
	FieldLiquidity  = "liquidity"
	FieldBestBid    = "best_bid"
	FieldBestAsk    = "best_ask"
)

// Validate checks that all snapshot fields are structurally valid.
func (s *MarketSnapshot) Validate() error {
	if s.MarketID == "" {
		return errors.New("market ID must not be empty")
	}
	if s.Source == "" {
		return errors.New("source must not be empty")
	}
	if s.ObservedAt.IsZero() {
		return errors.New("observed timestamp must be set")
	}
	if s.ObservedAt.After(time.Now().Add(time.Minute)) {
		return errors.New("observed timestamp must not be in the future")
	}
	if len(s.Fields) == 0 {
		return errors.New("snapshot must carry at least one field")
	}
	yes, ok := s.Fields[FieldYesPrice]
	if !ok {
		return errors.New("snapshot must carry a yes price")
	}
	if yes < 0.0 || yes > 1.0 {
		return errors.New("yes price must be between 0.0 and 1.0")
	}
	if no, ok := s.Fields[FieldNoPrice]; ok && (no < 0.0 || no > 1.0) {
		return errors.New("no price must be between 0.0 and 1.0")
	}
	if vol, ok := s.Fields[FieldVolume]; ok && vol < 0 {
		return errors.New("volume must not be negative")
	}
	if liq, ok := s.Fields[FieldLiquidity]; ok && liq < 0 {
		return errors.New("liquidity must not be negative")
	}
	return nil
}
