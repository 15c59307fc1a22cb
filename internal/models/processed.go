package models

import (
	"errors"
	"time"
)

// Probability buckets assigned by the transform stage.
const (
	BucketLikelyYes = "likely-yes"
	BucketUncertain = "uncertain"
	BucketLikelyNo  = "likely-no"
)

// ProcessedRecord is the normalized, analysis-ready form of one or more
// MarketSnapshots. It references its source snapshots by fingerprint for
// traceability but does not own them; the raw store may evict a source
// snapshot after the record was created.
type ProcessedRecord struct {
	ID                 string        `json:"id"`
	MarketID           string        `json:"market_id"`
	Question           string        `json:"question,omitempty"`
	SourceFingerprints []Fingerprint `json:"source_fingerprints"`
	GeneratedAt        time.Time     `json:"generated_at"`

	ImpliedProbability float64 `json:"implied_probability"`
	MidPrice           float64 `json:"mid_price"`
	Spread             float64 `json:"spread"`
	Volume             float64 `json:"volume"`
	Liquidity          float64 `json:"liquidity"`
	LiquidityRatio     float64 `json:"liquidity_ratio"` // liquidity / volume, 0 when volume is 0
	Bucket             string  `json:"bucket"`
	Recommendation     string  `json:"recommendation,omitempty"`
}

// Validate checks that all record fields are valid.
func (r *ProcessedRecord) Validate() error {
	if r.ID == "" {
		return errors.New("record ID must not be empty")
	}
	if r.MarketID == "" {
		return errors.New("market ID must not be empty")
	}
	if len(r.SourceFingerprints) == 0 {
		return errors.New("record must reference at least one source fingerprint")
	}
	for _, fp := range r.SourceFingerprints {
		if fp == "" {
			return errors.New("source fingerprint must not be empty")
		}
	}
	if r.GeneratedAt.IsZero() {
		return errors.New("generated timestamp must be set")
	}
	if r.ImpliedProbability < 0.0 || r.ImpliedProbability > 1.0 {
		return errors.New("implied probability must be between 0.0 and 1.0")
	}
	if r.Spread < 0 {
		return errors.New("spread must not be negative")
	}
	switch r.Bucket {
	case BucketLikelyYes, BucketUncertain, BucketLikelyNo:
	default:
		return errors.New("bucket must be one of: likely-yes, uncertain, likely-no")
	}
	return nil
}
