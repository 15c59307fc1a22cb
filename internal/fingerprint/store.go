package fingerprint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cwhit/polyharvest/internal/models"
)

// Store persists the seen-fingerprint set in SQLite. A fingerprint is novel
// when it was never recorded, or when its last sighting is older than the
// retention window. All persistence failures surface as *models.StorageError.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

const seenSchema = `
CREATE TABLE IF NOT EXISTS seen_fingerprints (
	fingerprint TEXT PRIMARY KEY,
	seen_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seen_fingerprints_seen_at ON seen_fingerprints (seen_at);
`

// NewStore creates the seen-set table if needed and returns a Store bound to
// the given database handle. The handle is shared with the raw/processed
// stores; Store does not close it.
func NewStore(db *sql.DB, retention time.Duration) (*Store, error) {
	retention, err := normalizeRetention(retention)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(seenSchema); err != nil {
		return nil, fmt.Errorf("create seen_fingerprints table: %w", err)
	}
	return &Store{db: db, retention: retention}, nil
}

// IsNovel reports whether the fingerprint has not been seen within the
// retention window. Read-only; never records anything.
func (s *Store) IsNovel(ctx context.Context, fp models.Fingerprint) (bool, error) {
	var seenAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seen_at FROM seen_fingerprints WHERE fingerprint = ?`, string(fp),
	).Scan(&seenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, &models.StorageError{Op: "fingerprint lookup", Err: err}
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	return seenAt < cutoff, nil
}

// MarkSeen records the fingerprint as seen at the given time. Marking an
// already-seen fingerprint is a no-op; the original sighting time is kept
// unless it has fallen outside the retention window.
func (s *Store) MarkSeen(ctx context.Context, fp models.Fingerprint, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_fingerprints (fingerprint, seen_at) VALUES (?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET seen_at = excluded.seen_at
		WHERE excluded.seen_at - seen_fingerprints.seen_at > ?`,
		string(fp), at.UnixMilli(), s.retention.Milliseconds(),
	)
	if err != nil {
		return &models.StorageError{Op: "fingerprint insert", Err: err}
	}
	return nil
}

// Prune deletes sightings older than the retention window. Intended for a
// periodic sweep; novelty checks are correct without it.
func (s *Store) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_fingerprints WHERE seen_at < ?`,
		now.Add(-s.retention).UnixMilli(),
	)
	if err != nil {
		return 0, &models.StorageError{Op: "fingerprint prune", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}
