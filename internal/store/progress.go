// Copyright 2025 Certen Protocol
//
// Progress store: the small amount of mutable state the committee loop
// advances every cycle (spec §4.7) — next_batch_id and the last validated
// CommitteeBatchInfo — backed by Postgres via lib/pq, following the
// teacher's repository pattern (pkg/database).

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "github.com/lib/pq"
)

// ErrProgressNotFound is returned when no progress row exists yet (the
// committee has never run against this database).
var ErrProgressNotFound = errors.New("store: committee progress not found")

// BatchInfo is the persisted form of the last validated
// CommitteeBatchInfo: enough to resume the loop after a restart without
// re-deriving trust from genesis.
type BatchInfo struct {
	BatchID        int64
	VaultsRoot     []byte
	OrdersRoot     []byte
	SequenceNumber int64
}

// ProgressStore persists the committee's advancing batch id and the most
// recently signed batch info.
type ProgressStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewProgressStore opens a Postgres connection pool and ensures the
// progress table exists.
func NewProgressStore(dataSourceName string) (*ProgressStore, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s := &ProgressStore{db: db, logger: log.New(log.Writer(), "[ProgressStore] ", log.LstdFlags)}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProgressStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS committee_progress (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_batch_id BIGINT NOT NULL,
	last_batch_id BIGINT NOT NULL,
	vaults_root BYTEA NOT NULL,
	orders_root BYTEA NOT NULL,
	sequence_number BIGINT NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate committee_progress: %w", err)
	}
	return nil
}

// LoadNextBatchID returns the next batch id the committee should validate.
// ErrProgressNotFound signals the committee must compute its initial batch
// info instead (spec §4.7 "compute_initial_batch_info").
func (s *ProgressStore) LoadNextBatchID(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `SELECT next_batch_id FROM committee_progress WHERE id = 1`).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProgressNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: load next batch id: %w", err)
	}
	return next, nil
}

// LoadLastBatchInfo returns the most recently signed batch's info, used to
// derive trust for the next batch's expected predecessor state.
func (s *ProgressStore) LoadLastBatchInfo(ctx context.Context) (BatchInfo, error) {
	var info BatchInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT last_batch_id, vaults_root, orders_root, sequence_number FROM committee_progress WHERE id = 1`,
	).Scan(&info.BatchID, &info.VaultsRoot, &info.OrdersRoot, &info.SequenceNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchInfo{}, ErrProgressNotFound
	}
	if err != nil {
		return BatchInfo{}, fmt.Errorf("store: load last batch info: %w", err)
	}
	return info, nil
}

// AdvanceProgress records that batch info.BatchID was validated and signed,
// and that the committee should next attempt info.BatchID+1. Callers must
// only invoke this after the signature has been durably accepted by the
// gateway (spec §4.7 "persist progress strictly after the signature POST"):
// advancing first and failing to deliver the signature would leave the
// committee silently skipping a batch it never actually attested to.
func (s *ProgressStore) AdvanceProgress(ctx context.Context, info BatchInfo) error {
	const upsert = `
INSERT INTO committee_progress (id, next_batch_id, last_batch_id, vaults_root, orders_root, sequence_number)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	next_batch_id = EXCLUDED.next_batch_id,
	last_batch_id = EXCLUDED.last_batch_id,
	vaults_root = EXCLUDED.vaults_root,
	orders_root = EXCLUDED.orders_root,
	sequence_number = EXCLUDED.sequence_number`
	_, err := s.db.ExecContext(ctx, upsert, info.BatchID+1, info.BatchID, info.VaultsRoot, info.OrdersRoot, info.SequenceNumber)
	if err != nil {
		return fmt.Errorf("store: advance progress: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() error {
	return s.db.Close()
}
