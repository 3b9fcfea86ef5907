// Package riskstore persists the per-edge risk map to a WAL-mode SQLite
// file so a restarted daemon resumes from its last fused state instead of a
// blank graph. The store is written at shutdown and on the tick cadence; it
// is read exactly once, at startup, after the graph loads.
package riskstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bayanihan-labs/baha/internal/graph"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

const ddl = `
CREATE TABLE IF NOT EXISTS edge_risk (
	u        TEXT    NOT NULL,
	v        TEXT    NOT NULL,
	idx      INTEGER NOT NULL,
	risk     REAL    NOT NULL,
	saved_at INTEGER NOT NULL,
	PRIMARY KEY (u, v, idx)
);
`

// Store is a SQLite-backed risk snapshot. It is safe for concurrent use;
// writes serialize through a single connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at path and applies the
// schema. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("riskstore: open %q: %w", path, err)
	}

	// One writer at a time; a single pooled connection avoids
	// "database is locked" under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("riskstore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("riskstore: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("riskstore: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Save replaces the snapshot with the given risk map in one transaction.
// Zero-risk edges are omitted: absence means zero, which keeps the file
// proportional to the flooded area rather than the whole road network.
func (s *Store) Save(ctx context.Context, risks map[graph.EdgeKey]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("riskstore: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM edge_risk`); err != nil {
		return fmt.Errorf("riskstore: clear previous snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO edge_risk (u, v, idx, risk, saved_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("riskstore: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC().Unix()
	for key, risk := range risks {
		if risk <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, string(key.U), string(key.V), key.Index, risk, now); err != nil {
			return fmt.Errorf("riskstore: insert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("riskstore: commit save: %w", err)
	}
	return nil
}

// Load returns the persisted risk map. A missing or empty snapshot returns
// an empty map, not an error.
func (s *Store) Load(ctx context.Context) (map[graph.EdgeKey]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT u, v, idx, risk FROM edge_risk`)
	if err != nil {
		return nil, fmt.Errorf("riskstore: query snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[graph.EdgeKey]float64)
	for rows.Next() {
		var (
			u, v string
			idx  int
			risk float64
		)
		if err := rows.Scan(&u, &v, &idx, &risk); err != nil {
			return nil, fmt.Errorf("riskstore: scan row: %w", err)
		}
		out[graph.EdgeKey{U: graph.NodeID(u), V: graph.NodeID(v), Index: idx}] = risk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("riskstore: iterate snapshot: %w", err)
	}
	return out, nil
}

// Restore applies the persisted snapshot to env, skipping edges that no
// longer exist (the road graph may have been regenerated since the last
// run). It returns the number of edges restored.
func (s *Store) Restore(ctx context.Context, env *graph.Env) (int, error) {
	saved, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}

	updates := make([]graph.RiskUpdate, 0, len(saved))
	for key, risk := range saved {
		if _, ok := env.EdgeMidpoint(key); !ok {
			continue
		}
		updates = append(updates, graph.RiskUpdate{Key: key, Risk: risk})
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := env.BatchUpdateEdgeRisks(updates); err != nil {
		return 0, fmt.Errorf("riskstore: restore: %w", err)
	}
	return len(updates), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("riskstore: close: %w", err)
	}
	return nil
}
