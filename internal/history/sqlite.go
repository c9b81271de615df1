package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dsn.
// Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection so the schema survives across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}

	return store, nil
}

// migrate creates the schema if it does not exist.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id INTEGER PRIMARY KEY AUTOINCREMENT,
			signature TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			total_bytes INTEGER NOT NULL,
			recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_signature ON runs(signature, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id INTEGER NOT NULL,
			at_ms INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, at_ms)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Insert records a completed run and its checkpoints in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, sample Sample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (signature, duration_ms, total_bytes, recorded_at) VALUES (?, ?, ?, ?)`,
		sample.Signature,
		sample.Duration.Milliseconds(),
		sample.TotalBytes,
		sample.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}

	for _, cp := range sample.Checkpoints {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (run_id, at_ms, bytes) VALUES (?, ?, ?)`,
			runID, cp.AtMillis, cp.Bytes,
		); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
	}

	return tx.Commit()
}

// BySignature returns every sample for the signature, oldest first.
func (s *SQLiteStore) BySignature(ctx context.Context, signature string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, duration_ms, total_bytes, recorded_at
		 FROM runs WHERE signature = ? ORDER BY recorded_at, run_id`,
		signature,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	var runIDs []int64
	for rows.Next() {
		var (
			runID      int64
			durationMS int64
			sample     Sample
		)
		sample.Signature = signature
		if err := rows.Scan(&runID, &durationMS, &sample.TotalBytes, &sample.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sample.Duration = time.Duration(durationMS) * time.Millisecond
		samples = append(samples, sample)
		runIDs = append(runIDs, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, runID := range runIDs {
		cps, err := s.checkpointsFor(ctx, runID)
		if err != nil {
			return nil, err
		}
		samples[i].Checkpoints = cps
	}

	return samples, nil
}

func (s *SQLiteStore) checkpointsFor(ctx context.Context, runID int64) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at_ms, bytes FROM checkpoints WHERE run_id = ? ORDER BY at_ms`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.AtMillis, &cp.Bytes); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
