// Package store persists raw market snapshots and processed records in
// SQLite, durable across process restarts. The raw store is keyed by
// fingerprint; the processed store is keyed by a derived record ID and
// carries back-references to its source fingerprints.
//
// All failures surface as *models.StorageError so the pipeline can abort the
// in-flight cycle on infrastructure unavailability.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwhit/polyharvest/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a snapshot or record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database holding both staging stores.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS raw_snapshots (
	fingerprint TEXT PRIMARY KEY,
	market_id   TEXT NOT NULL,
	question    TEXT NOT NULL DEFAULT '',
	source_url  TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	observed_at INTEGER NOT NULL,
	fields      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_snapshots_market ON raw_snapshots (market_id);

CREATE TABLE IF NOT EXISTS processed_records (
	id                  TEXT PRIMARY KEY,
	market_id           TEXT NOT NULL,
	question            TEXT NOT NULL DEFAULT '',
	generated_at        INTEGER NOT NULL,
	implied_probability REAL NOT NULL,
	mid_price           REAL NOT NULL,
	spread              REAL NOT NULL,
	volume              REAL NOT NULL,
	liquidity           REAL NOT NULL,
	liquidity_ratio     REAL NOT NULL,
	bucket              TEXT NOT NULL,
	recommendation      TEXT NOT NULL DEFAULT '',
	source_fingerprints TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_records_market ON processed_records (market_id);
`

// Open opens (creating if needed) the staging database at path and applies
// the schema. The parent directory is created when missing.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so the fingerprint seen-set can share the
// same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// PutSnapshot persists a snapshot under its fingerprint. Fingerprints are
// unique keys: inserting an existing fingerprint is a no-op, which makes
// cycle re-runs effectively idempotent.
func (s *Store) PutSnapshot(ctx context.Context, fp models.Fingerprint, snap *models.MarketSnapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	fields, err := json.Marshal(snap.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raw_snapshots (fingerprint, market_id, question, source_url, source, observed_at, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`,
		string(fp), snap.MarketID, snap.Question, snap.SourceURL, snap.Source,
		snap.ObservedAt.UTC().UnixMilli(), string(fields),
	)
	if err != nil {
		return &models.StorageError{Op: "raw insert", Err: err}
	}
	return nil
}

// GetSnapshot retrieves a snapshot by fingerprint. Returns ErrNotFound when
// no snapshot is stored under it.
func (s *Store) GetSnapshot(ctx context.Context, fp models.Fingerprint) (*models.MarketSnapshot, error) {
	var snap models.MarketSnapshot
	var observedAt int64
	var fields string

	err := s.db.QueryRowContext(ctx, `
		SELECT market_id, question, source_url, source, observed_at, fields
		FROM raw_snapshots WHERE fingerprint = ?`, string(fp),
	).Scan(&snap.MarketID, &snap.Question, &snap.SourceURL, &snap.Source, &observedAt, &fields)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", fp, ErrNotFound)
	}
	if err != nil {
		return nil, &models.StorageError{Op: "raw lookup", Err: err}
	}

	snap.ObservedAt = time.UnixMilli(observedAt).UTC()
	if err := json.Unmarshal([]byte(fields), &snap.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return &snap, nil
}

// CountSnapshots returns the number of stored raw snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_snapshots`).Scan(&n); err != nil {
		return 0, &models.StorageError{Op: "raw count", Err: err}
	}
	return n, nil
}

// PutRecord persists a processed record. Record IDs are unique; re-inserting
// an existing ID is a no-op.
func (s *Store) PutRecord(ctx context.Context, rec *models.ProcessedRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	fps, err := json.Marshal(rec.SourceFingerprints)
	if err != nil {
		return fmt.Errorf("marshal fingerprints: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processed_records
			(id, market_id, question, generated_at, implied_probability, mid_price,
			 spread, volume, liquidity, liquidity_ratio, bucket, recommendation, source_fingerprints)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.MarketID, rec.Question, rec.GeneratedAt.UTC().UnixMilli(),
		rec.ImpliedProbability, rec.MidPrice, rec.Spread, rec.Volume,
		rec.Liquidity, rec.LiquidityRatio, rec.Bucket, rec.Recommendation, string(fps),
	)
	if err != nil {
		return &models.StorageError{Op: "processed insert", Err: err}
	}
	return nil
}

// GetRecord retrieves a processed record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (*models.ProcessedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, market_id, question, generated_at, implied_probability, mid_price,
		       spread, volume, liquidity, liquidity_ratio, bucket, recommendation, source_fingerprints
		FROM processed_records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordsForMarket returns all processed records for a market, newest first.
// This is the durable hand-off point for the downstream analysis collaborator.
func (s *Store) RecordsForMarket(ctx context.Context, marketID string) ([]*models.ProcessedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_id, question, generated_at, implied_probability, mid_price,
		       spread, volume, liquidity, liquidity_ratio, bucket, recommendation, source_fingerprints
		FROM processed_records WHERE market_id = ? ORDER BY generated_at DESC`, marketID)
	if err != nil {
		return nil, &models.StorageError{Op: "processed query", Err: err}
	}
	defer rows.Close()

	var records []*models.ProcessedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "processed scan", Err: err}
	}
	return records, nil
}

// TopRecords returns the highest-volume records generated at or after since,
// capped at limit. Feeds the per-cycle notification report.
func (s *Store) TopRecords(ctx context.Context, since time.Time, limit int) ([]*models.ProcessedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_id, question, generated_at, implied_probability, mid_price,
		       spread, volume, liquidity, liquidity_ratio, bucket, recommendation, source_fingerprints
		FROM processed_records WHERE generated_at >= ?
		ORDER BY volume DESC LIMIT ?`, since.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, &models.StorageError{Op: "processed query", Err: err}
	}
	defer rows.Close()

	var records []*models.ProcessedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "processed scan", Err: err}
	}
	return records, nil
}

// CountRecords returns the number of stored processed records.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_records`).Scan(&n); err != nil {
		return 0, &models.StorageError{Op: "processed count", Err: err}
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ProcessedRecord, error) {
	var rec models.ProcessedRecord
	var generatedAt int64
	var fps string

	err := row.Scan(&rec.ID, &rec.MarketID, &rec.Question, &generatedAt,
		&rec.ImpliedProbability, &rec.MidPrice, &rec.Spread, &rec.Volume,
		&rec.Liquidity, &rec.LiquidityRatio, &rec.Bucket, &rec.Recommendation, &fps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, &models.StorageError{Op: "processed scan", Err: err}
	}

	rec.GeneratedAt = time.UnixMilli(generatedAt).UTC()
	if err := json.Unmarshal([]byte(fps), &rec.SourceFingerprints); err != nil {
		return nil, fmt.Errorf("unmarshal fingerprints: %w", err)
	}
	return &rec, nil
}
