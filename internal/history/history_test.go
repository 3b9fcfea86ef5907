//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/history/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bayanihan-labs/baha/internal/history"
	"github.com/bayanihan-labs/baha/internal/scheduler"
)

// setupStore starts a PostgreSQL container and opens a Store with a small
// batch and a fast flush interval.
func setupStore(t *testing.T) (*history.Store, func()) {
	store, _, cleanup := setupStoreConn(t)
	return store, cleanup
}

func setupStoreConn(t *testing.T) (*history.Store, string, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("baha_test"),
		tcpostgres.WithUsername("baha"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := history.New(ctx, connStr, 5, 50*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("history.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return store, connStr, cleanup
}

func tickAt(offset time.Duration) scheduler.TickRecord {
	return scheduler.TickRecord{
		At:             time.Now().UTC().Truncate(time.Millisecond).Add(offset),
		EdgesUpdated:   42,
		FusionDuration: 17 * time.Millisecond,
		Degraded:       []string{"weather"},
		Simulated:      false,
		ScoutReports:   3,
	}
}

func TestRecordTick_FlushOnSize(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	// Batch size is 5: the fifth record triggers an async flush.
	for i := 0; i < 5; i++ {
		store.RecordTick(tickAt(time.Duration(i) * time.Minute))
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := store.Recent(ctx, 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) == 5 {
			if got[0].EdgesUpdated != 42 || got[0].ScoutReports != 3 {
				t.Fatalf("row mangled: %+v", got[0])
			}
			if len(got[0].Degraded) != 1 || got[0].Degraded[0] != "weather" {
				t.Fatalf("degraded = %v, want [weather]", got[0].Degraded)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("flush-on-size never landed: %d rows", len(got))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRecordTick_FlushOnInterval(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	store.RecordTick(tickAt(0)) // below batch size

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := store.Recent(ctx, 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("interval flush never landed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestClose_FlushesRemaining(t *testing.T) {
	store, connStr, cleanup := setupStoreConn(t)
	defer cleanup()
	ctx := context.Background()

	store.RecordTick(tickAt(0))
	store.Close(ctx)

	second, err := history.New(ctx, connStr, 5, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close(ctx)

	got, err := second.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Close did not flush: %d rows", len(got))
	}
}

func TestRecent_OrderAndLimit(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.RecordTick(tickAt(time.Duration(i) * time.Hour))
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d rows, want 2", len(got))
	}
	if !got[0].At.After(got[1].At) {
		t.Fatalf("rows not newest-first: %v then %v", got[0].At, got[1].At)
	}
}
