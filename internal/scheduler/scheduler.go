// Package scheduler drives the periodic tick: collect official and scout
// signals, drain the fusion inbox, run the fusion pass, and publish the
// outcome to the status probe. Route queries run outside the tick, on the
// routing pool, against whatever the last fusion pass produced.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bayanihan-labs/baha/internal/collector"
	"github.com/bayanihan-labs/baha/internal/config"
	"github.com/bayanihan-labs/baha/internal/feeds"
	"github.com/bayanihan-labs/baha/internal/hazard"
	"github.com/bayanihan-labs/baha/internal/metrics"
)

// TickRecord summarizes one completed tick for the optional history
// recorder.
type TickRecord struct {
	At             time.Time
	EdgesUpdated   int
	FusionDuration time.Duration
	Degraded       []string
	Simulated      bool
	ScoutReports   int
}

// Recorder receives tick summaries. Implementations must not block the
// tick; the history store buffers internally.
type Recorder interface {
	RecordTick(rec TickRecord)
}

// Status is the last tick's outcome as served by the status endpoint.
type Status struct {
	LastTickAt     time.Time         `json:"last_tick_at"`
	TickCount      uint64            `json:"tick_count"`
	EdgesUpdated   int               `json:"edges_updated"`
	FusionDuration time.Duration     `json:"fusion_duration"`
	Degraded       []string          `json:"degraded_sources"`
	Simulated      bool              `json:"simulated"`
	ScoutReports   int               `json:"scout_reports"`
	Conditions     hazard.Conditions `json:"-"`
}

// Scheduler owns the tick loop.
type Scheduler struct {
	logger *slog.Logger
	met    *metrics.Metrics

	flood    *collector.FloodCollector
	scout    *collector.ScoutCollector
	engine   *hazard.Engine
	recorder Recorder

	period time.Duration

	mu     sync.RWMutex
	status Status
}

// New assembles the scheduler. recorder may be nil.
func New(cfg *config.Config, logger *slog.Logger, met *metrics.Metrics,
	flood *collector.FloodCollector, scout *collector.ScoutCollector,
	engine *hazard.Engine, recorder Recorder) *Scheduler {
	return &Scheduler{
		logger:   logger,
		met:      met,
		flood:    flood,
		scout:    scout,
		engine:   engine,
		recorder: recorder,
		period:   cfg.TickPeriod(),
	}
}

// Run ticks immediately, then every period, until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.RunTick(ctx)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", slog.Uint64("ticks", s.Status().TickCount))
			return ctx.Err()
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// RunTick executes one full cycle under a tick-wide deadline of two thirds
// of the period, leaving headroom before the next tick fires. Collector
// failures degrade, they never abort the fusion pass.
func (s *Scheduler) RunTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.period*2/3)
	defer cancel()
	startedAt := time.Now().UTC()

	var floodBatch feeds.FloodBatch
	if s.flood != nil {
		batch, err := s.flood.Tick(tickCtx)
		if err != nil {
			s.logger.Warn("flood collection failed", slog.Any("error", err))
		}
		floodBatch = batch
	}

	scoutReports := 0
	if s.scout != nil {
		batch, err := s.scout.Tick(tickCtx)
		if err != nil {
			s.logger.Warn("scout collection failed", slog.Any("error", err))
		}
		scoutReports = len(batch.Reports)
	}

	s.engine.DrainInbox()
	fusionStart := time.Now()
	edges, err := s.engine.Fuse(tickCtx)
	if err != nil {
		s.logger.Error("fusion pass failed", slog.Any("error", err))
	}
	fusionDur := time.Since(fusionStart)

	s.met.TicksTotal.Inc()

	s.mu.Lock()
	s.status = Status{
		LastTickAt:     startedAt,
		TickCount:      s.status.TickCount + 1,
		EdgesUpdated:   edges,
		FusionDuration: fusionDur,
		Degraded:       floodBatch.Degraded,
		Simulated:      floodBatch.Simulated,
		ScoutReports:   scoutReports,
		Conditions:     s.engine.Snapshot(),
	}
	rec := TickRecord{
		At:             startedAt,
		EdgesUpdated:   edges,
		FusionDuration: fusionDur,
		Degraded:       floodBatch.Degraded,
		Simulated:      floodBatch.Simulated,
		ScoutReports:   scoutReports,
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordTick(rec)
	}

	s.logger.Info("tick complete",
		slog.Int("edges_updated", edges),
		slog.Int("scout_reports", scoutReports),
		slog.Any("degraded", floodBatch.Degraded),
		slog.Duration("fusion", fusionDur),
	)
}

// Status returns the last tick's outcome.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
