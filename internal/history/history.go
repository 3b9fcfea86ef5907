// Package history is the optional PostgreSQL recorder of tick outcomes.
// Writes are batched in memory and flushed by a background goroutine, so the
// scheduler never blocks on the database; when no DSN is configured the
// daemon simply runs without it.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bayanihan-labs/baha/internal/scheduler"
)

const (
	// DefaultBatchSize is the number of tick rows held in memory before an
	// automatic flush is triggered.
	DefaultBatchSize = 50

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending rows even when the batch is not full.
	DefaultFlushInterval = 5 * time.Second
)

const ddl = `
CREATE TABLE IF NOT EXISTS tick_history (
	id            BIGSERIAL PRIMARY KEY,
	tick_at       TIMESTAMPTZ NOT NULL,
	edges_updated INTEGER     NOT NULL,
	fusion_ms     DOUBLE PRECISION NOT NULL,
	degraded      TEXT[]      NOT NULL DEFAULT '{}',
	simulated     BOOLEAN     NOT NULL DEFAULT FALSE,
	scout_reports INTEGER     NOT NULL
);
CREATE INDEX IF NOT EXISTS tick_history_tick_at_idx ON tick_history (tick_at DESC);
`

// Store is the PostgreSQL-backed tick recorder. It implements
// scheduler.Recorder.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []scheduler.TickRecord
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, applies the
// schema, and starts the background flush goroutine. batchSize and
// flushInterval at or below zero take the package defaults.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("history: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]scheduler.TickRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the flush goroutine, drains the remaining buffer, and closes
// the pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// RecordTick enqueues one tick summary for deferred insertion. A full buffer
// hands the flush to a goroutine so the scheduler's tick never waits on the
// database.
func (s *Store) RecordTick(rec scheduler.TickRecord) {
	s.mu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		go func() { _ = s.Flush(context.Background()) }()
	}
}

// Flush drains the buffer and sends all rows in a single pgx.Batch
// round-trip. Concurrent calls each drain a distinct snapshot.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]scheduler.TickRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO tick_history
			(tick_at, edges_updated, fusion_ms, degraded, simulated, scout_reports)
		VALUES ($1, $2, $3, $4, $5, $6)`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		degraded := r.Degraded
		if degraded == nil {
			degraded = []string{}
		}
		b.Queue(query,
			r.At, r.EdgesUpdated,
			float64(r.FusionDuration)/float64(time.Millisecond),
			degraded, r.Simulated, r.ScoutReports,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("history: batch exec tick: %w", err)
		}
	}
	return nil
}

// Recent returns the latest limit tick records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]scheduler.TickRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT tick_at, edges_updated, fusion_ms, degraded, simulated, scout_reports
		FROM tick_history
		ORDER BY tick_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []scheduler.TickRecord
	for rows.Next() {
		var (
			rec      scheduler.TickRecord
			fusionMS float64
		)
		if err := rows.Scan(&rec.At, &rec.EdgesUpdated, &fusionMS, &rec.Degraded, &rec.Simulated, &rec.ScoutReports); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		rec.FusionDuration = time.Duration(fusionMS * float64(time.Millisecond))
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rows: %w", err)
	}
	return out, nil
}
