// Package transform turns raw market snapshots into analysis-ready processed
// records: normalized prices, liquidity metrics, a probability bucket, and a
// plain-language recommendation.
package transform

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cwhit/polyharvest/internal/models"
)

// Bucket thresholds. Markets priced at 70%+ are treated as likely YES,
// 40% and below as likely NO, everything between as uncertain.
const (
	likelyYesThreshold = 0.70
	likelyNoThreshold  = 0.40
)

// Snapshot derives a ProcessedRecord from one raw snapshot. The record
// references the snapshot by fingerprint; it never owns the raw data.
func Snapshot(snap *models.MarketSnapshot, fp models.Fingerprint) (*models.ProcessedRecord, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("cannot transform invalid snapshot: %w", err)
	}

	yes := snap.Fields[models.FieldYesPrice]
	volume := snap.Fields[models.FieldVolume]
	liquidity := snap.Fields[models.FieldLiquidity]

	rec := &models.ProcessedRecord{
		ID:                 uuid.New().String(),
		MarketID:           snap.MarketID,
		Question:           snap.Question,
		SourceFingerprints: []models.Fingerprint{fp},
		GeneratedAt:        time.Now(),
		ImpliedProbability: yes,
		MidPrice:           midPrice(snap),
		Spread:             spread(snap),
		Volume:             volume,
		Liquidity:          liquidity,
		LiquidityRatio:     liquidityRatio(liquidity, volume),
		Bucket:             bucket(yes),
	}
	rec.Recommendation = recommendation(rec)

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("transform produced invalid record: %w", err)
	}
	return rec, nil
}

// midPrice is the bid/ask midpoint when both sides are quoted; otherwise the
// yes price already is the best available mid.
func midPrice(snap *models.MarketSnapshot) float64 {
	bid := snap.Fields[models.FieldBestBid]
	ask := snap.Fields[models.FieldBestAsk]
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2
	}
	return snap.Fields[models.FieldYesPrice]
}

// spread is the bid/ask gap when quoted, else the yes/no price inconsistency.
func spread(snap *models.MarketSnapshot) float64 {
	bid := snap.Fields[models.FieldBestBid]
	ask := snap.Fields[models.FieldBestAsk]
	if bid > 0 && ask > 0 {
		return math.Abs(ask - bid)
	}
	yes := snap.Fields[models.FieldYesPrice]
	if no, ok := snap.Fields[models.FieldNoPrice]; ok {
		return math.Abs(yes - (1.0 - no))
	}
	return 0
}

func liquidityRatio(liquidity, volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	return liquidity / volume
}

func bucket(yes float64) string {
	switch {
	case yes >= likelyYesThreshold:
		return models.BucketLikelyYes
	case yes <= likelyNoThreshold:
		return models.BucketLikelyNo
	default:
		return models.BucketUncertain
	}
}

func recommendation(rec *models.ProcessedRecord) string {
	switch rec.Bucket {
	case models.BucketLikelyYes:
		return fmt.Sprintf("market prices YES at %.0f%%; consider YES", rec.ImpliedProbability*100)
	case models.BucketLikelyNo:
		return fmt.Sprintf("market prices YES at %.0f%%; consider NO", rec.ImpliedProbability*100)
	default:
		return "no clear edge; monitor"
	}
}
