package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bayanihan-labs/baha/internal/config"
	"github.com/bayanihan-labs/baha/internal/feeds"
	"github.com/bayanihan-labs/baha/internal/geo"
	"github.com/bayanihan-labs/baha/internal/mail"
	"github.com/bayanihan-labs/baha/internal/metrics"
)

// ScoutCollector drains the crowdsource report sources once per tick and
// emits at most batchSize validated reports as one INFORM(scout_report_batch).
// Reports beyond the batch size queue FIFO for the next tick rather than
// flooding the hazard agent.
type ScoutCollector struct {
	logger   *slog.Logger
	exchange *mail.Exchange
	met      *metrics.Metrics

	sources   []feeds.ReportSource
	batchSize int
	queueMax  int
	highWater int
	lowWater  int

	overflow []feeds.ScoutReport
	paused   bool
}

// NewScoutCollector creates the collector over the given report sources
// (scenario replay, live feedback buffer, or both).
func NewScoutCollector(cfg *config.Config, logger *slog.Logger, x *mail.Exchange, met *metrics.Metrics, sources ...feeds.ReportSource) *ScoutCollector {
	return &ScoutCollector{
		logger:    logger,
		exchange:  x,
		met:       met,
		sources:   sources,
		batchSize: cfg.Scout.BatchSize,
		queueMax:  cfg.Scout.CacheMax,
		highWater: cfg.Fusion.InboxHighWater,
		lowWater:  cfg.Fusion.InboxLowWater,
	}
}

// Paused reports whether the collector is held back by inbox backpressure.
func (c *ScoutCollector) Paused() bool { return c.paused }

// QueuedReports returns the number of reports waiting for a future tick.
func (c *ScoutCollector) QueuedReports() int { return len(c.overflow) }

// Tick assembles and emits one scout batch. Each source is drained fully
// into the local FIFO queue (capped at the scout cache size), then at most
// batchSize reports ship this tick; the spill waits for the next one.
// Reports that fail validation are dropped and counted, never forwarded.
func (c *ScoutCollector) Tick(ctx context.Context) (feeds.ScoutBatch, error) {
	if c.backpressured() {
		return feeds.ScoutBatch{}, nil
	}

	for _, src := range c.sources {
		for len(c.overflow) < c.queueMax {
			reports, err := src.NextBatch(ctx, c.batchSize)
			if err != nil {
				c.logger.Warn("scout source failed", slog.Any("error", err))
				c.met.SourceFailures.WithLabelValues("scout").Inc()
				break
			}
			if len(reports) == 0 {
				break
			}
			for _, r := range reports {
				if err := r.Validate(); err != nil {
					c.met.InvalidRecords.Inc()
					c.logger.Debug("scout report dropped", slog.Any("error", err))
					continue
				}
				c.overflow = append(c.overflow, r)
			}
			if len(reports) < c.batchSize {
				break
			}
		}
	}

	n := len(c.overflow)
	if n > c.batchSize {
		n = c.batchSize
	}
	batch := feeds.ScoutBatch{
		Reports:     append([]feeds.ScoutReport(nil), c.overflow[:n]...),
		CollectedAt: time.Now().UTC(),
	}
	c.overflow = append(c.overflow[:0], c.overflow[n:]...)

	msg := mail.New(mail.Inform, mail.AgentScoutCollector, mail.AgentHazard, mail.OntologyScoutReports, batch)
	if err := c.exchange.Send(msg); err != nil {
		// Put the batch back so nothing is lost to a transient full inbox.
		c.overflow = append(batch.Reports, c.overflow...)
		return feeds.ScoutBatch{}, fmt.Errorf("collector: scout batch send: %w", err)
	}

	c.logger.Debug("scout batch emitted",
		slog.Int("reports", len(batch.Reports)),
		slog.Int("queued", len(c.overflow)),
	)
	return batch, nil
}

func (c *ScoutCollector) backpressured() bool {
	depth := c.exchange.Depth(mail.AgentHazard)
	switch {
	case !c.paused && depth >= c.highWater:
		c.paused = true
		c.logger.Warn("scout collector paused: hazard inbox above high water",
			slog.Int("depth", depth), slog.Int("high_water", c.highWater))
		c.met.CollectorPaused.WithLabelValues("scout").Set(1)
	case c.paused && depth <= c.lowWater:
		c.paused = false
		c.logger.Info("scout collector resumed", slog.Int("depth", depth))
		c.met.CollectorPaused.WithLabelValues("scout").Set(0)
	}
	return c.paused
}

// FeedbackKind is the public vocabulary of the feedback submission surface.
type FeedbackKind string

const (
	FeedbackClear   FeedbackKind = "clear"
	FeedbackBlocked FeedbackKind = "blocked"
	FeedbackFlooded FeedbackKind = "flooded"
	FeedbackTraffic FeedbackKind = "traffic"
)

// feedbackTypes maps a feedback kind onto the scout report type that drives
// its decay rate during fusion.
var feedbackTypes = map[FeedbackKind]feeds.ReportType{
	FeedbackClear:   feeds.ReportClear,
	FeedbackBlocked: feeds.ReportObstruction,
	FeedbackFlooded: feeds.ReportRainFlood,
	FeedbackTraffic: feeds.ReportObstruction,
}

// SynthesizeReport translates a feedback submission into the synthetic
// ScoutReport forwarded to the hazard agent. Unknown kinds are rejected.
func SynthesizeReport(kind FeedbackKind, lat, lon, severity float64, at time.Time) (feeds.ScoutReport, error) {
	rt, ok := feedbackTypes[kind]
	if !ok {
		return feeds.ScoutReport{}, fmt.Errorf("collector: unknown feedback kind %q", kind)
	}
	r := feeds.ScoutReport{
		Text:       fmt.Sprintf("user feedback: %s", kind),
		Loc:        geo.Point{Lat: lat, Lon: lon},
		HasCoords:  true,
		Severity:   severity,
		Confidence: 0.6, // app feedback is weaker evidence than a scouted report
		Type:       rt,
		ObservedAt: at.UTC(),
	}
	if kind == FeedbackClear {
		r.Severity = 0
	}
	if err := r.Validate(); err != nil {
		return feeds.ScoutReport{}, err
	}
	return r, nil
}
