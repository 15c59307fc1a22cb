// Package fingerprint computes stable identities for scraped market snapshots
// and tracks which fingerprints have already been processed.
//
// A fingerprint is a SHA-256 digest over the market identifier, the observed
// timestamp truncated to the collection-cycle boundary, and a key-sorted
// serialization of the snapshot's field map. Field insertion order never
// affects the result, so logically identical snapshots always collapse to
// the same fingerprint.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cwhit/polyharvest/internal/models"
)

// Compute derives the deterministic fingerprint of a snapshot. The observed
// timestamp is truncated to cycleInterval so that repeated scrapes of
// unchanged content within the same cycle collapse to one fingerprint.
// Compute is a pure function with no side effects.
func Compute(s *models.MarketSnapshot, cycleInterval time.Duration) models.Fingerprint {
	if cycleInterval <= 0 {
		cycleInterval = time.Second
	}

	keys := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.MarketID)
	b.WriteByte('\n')
	b.WriteString(s.ObservedAt.UTC().Truncate(cycleInterval).Format(time.RFC3339))
	b.WriteByte('\n')
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(s.Fields[k], 'g', -1, 64))
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return models.Fingerprint(hex.EncodeToString(sum[:]))
}

// Seen is the persistence interface behind the novelty check, satisfied by
// Store. It exists so the pipeline can be tested without a real database.
type Seen interface {
	IsNovel(ctx context.Context, fp models.Fingerprint) (bool, error)
	MarkSeen(ctx context.Context, fp models.Fingerprint, at time.Time) error
}

// normalizeRetention guards against zero/negative retention windows.
func normalizeRetention(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, fmt.Errorf("retention window must be positive, got %v", d)
	}
	return d, nil
}
