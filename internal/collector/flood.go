// Package collector contains the two collection agents: the flood collector
// polling official sources (river gauges, weather, reservoirs) and the scout
// collector draining crowdsourced report sources. Both are tick-driven by
// the scheduler and push INFORM batches to the hazard agent through the
// message substrate, pausing under inbox backpressure.
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

// FloodCollector polls the official flood-data sources once per tick,
// normalizes and classifies the records, and emits one
// INFORM(flood_data_batch) to the hazard agent.
type FloodCollector struct {
	logger   *slog.Logger
	exchange *mail.Exchange
	met      *metrics.Metrics

	river     feeds.RiverSource
	weather   feeds.WeatherSource
	reservoir feeds.ReservoirSource
	simulated *feeds.SimulatedSource
	areas     []config.WeatherArea

	perSourceTimeout time.Duration
	highWater        int
	lowWater         int

	paused bool
}

// FloodOption is a functional option for FloodCollector construction.
type FloodOption func(*FloodCollector)

// WithRiver registers the river-gauge source. A nil source disables it.
func WithRiver(s feeds.RiverSource) FloodOption {
	return func(c *FloodCollector) { c.river = s }
}

// WithWeather registers the weather source and the areas to poll.
func WithWeather(s feeds.WeatherSource, areas []config.WeatherArea) FloodOption {
	return func(c *FloodCollector) { c.weather = s; c.areas = areas }
}

// WithReservoir registers the reservoir source.
func WithReservoir(s feeds.ReservoirSource) FloodOption {
	return func(c *FloodCollector) { c.reservoir = s }
}

// WithSimulated registers the fallback simulated source substituted when
// every live source fails in a tick.
func WithSimulated(s *feeds.SimulatedSource) FloodOption {
	return func(c *FloodCollector) { c.simulated = s }
}

// NewFloodCollector creates the collector. Sources are registered through
// options; a collector with no sources emits empty batches, which is valid
// during bring-up.
func NewFloodCollector(cfg *config.Config, logger *slog.Logger, x *mail.Exchange, met *metrics.Metrics, opts ...FloodOption) *FloodCollector {
	c := &FloodCollector{
		logger:           logger,
		exchange:         x,
		met:              met,
		perSourceTimeout: cfg.SourceTimeout(),
		highWater:        cfg.Fusion.InboxHighWater,
		lowWater:         cfg.Fusion.InboxLowWater,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Paused reports whether the collector is currently held back by inbox
// backpressure.
func (c *FloodCollector) Paused() bool { return c.paused }

// Tick performs one collection cycle: poll every configured source under
// its own timeout, assemble the batch, and push it to the hazard agent. A
// failed source is skipped and flagged, never fatal; the returned batch is
// also handed back for the status probe.
func (c *FloodCollector) Tick(ctx context.Context) (feeds.FloodBatch, error) {
	if c.backpressured() {
		return feeds.FloodBatch{}, nil
	}

	batch := feeds.FloodBatch{CollectedAt: time.Now().UTC()}
	attempted := 0

	if c.river != nil {
		attempted++
		if stations, err := c.fetchStations(ctx); err != nil {
			c.degrade(&batch, "river", err)
		} else {
			batch.Stations = stations
		}
	}

	if c.weather != nil {
		attempted++
		obs, failed := c.fetchWeather(ctx)
		if failed {
			c.degrade(&batch, "weather", nil)
		}
		batch.Weather = obs
	}

	if c.reservoir != nil {
		attempted++
		if reservoirs, err := c.fetchReservoirs(ctx); err != nil {
			c.degrade(&batch, "reservoir", err)
		} else {
			batch.Reservoirs = reservoirs
		}
	}

	if attempted > 0 && len(batch.Degraded) == attempted && c.simulated != nil {
		c.logger.Warn("all live sources failed, substituting simulated data")
		batch = c.simulatedBatch(ctx, batch)
	}

	msg := mail.New(mail.Inform, mail.AgentFloodCollector, mail.AgentHazard, mail.OntologyFloodData, batch)
	if err := c.exchange.Send(msg); err != nil {
		return batch, fmt.Errorf("collector: flood batch send: %w", err)
	}

	c.logger.Debug("flood batch emitted",
		slog.Int("stations", len(batch.Stations)),
		slog.Int("weather", len(batch.Weather)),
		slog.Int("reservoirs", len(batch.Reservoirs)),
		slog.Any("degraded", batch.Degraded),
	)
	return batch, nil
}

// backpressured pauses collection while the hazard inbox sits above the
// high-water mark and resumes once it drains below the low-water mark.
func (c *FloodCollector) backpressured() bool {
	depth := c.exchange.Depth(mail.AgentHazard)
	switch {
	case !c.paused && depth >= c.highWater:
		c.paused = true
		c.logger.Warn("flood collector paused: hazard inbox above high water",
			slog.Int("depth", depth), slog.Int("high_water", c.highWater))
		c.met.CollectorPaused.WithLabelValues("flood").Set(1)
	case c.paused && depth <= c.lowWater:
		c.paused = false
		c.logger.Info("flood collector resumed", slog.Int("depth", depth))
		c.met.CollectorPaused.WithLabelValues("flood").Set(0)
	}
	return c.paused
}

func (c *FloodCollector) fetchStations(ctx context.Context) ([]feeds.StationReading, error) {
	ctx, cancel := context.WithTimeout(ctx, c.perSourceTimeout)
	defer cancel()
	return c.river.FetchStations(ctx)
}

// fetchWeather polls every configured area. The source counts as failed
// only when no area answered.
func (c *FloodCollector) fetchWeather(ctx context.Context) ([]feeds.WeatherObservation, bool) {
	var out []feeds.WeatherObservation
	for _, area := range c.areas {
		areaCtx, cancel := context.WithTimeout(ctx, c.perSourceTimeout)
		obs, err := c.weather.FetchCurrent(areaCtx, area.Name, pointOf(area))
		cancel()
		if err != nil {
			c.logger.Warn("weather fetch failed", slog.String("area", area.Name), slog.Any("error", err))
			continue
		}
		out = append(out, obs)
	}
	return out, len(c.areas) > 0 && len(out) == 0
}

func (c *FloodCollector) fetchReservoirs(ctx context.Context) ([]feeds.ReservoirReading, error) {
	ctx, cancel := context.WithTimeout(ctx, c.perSourceTimeout)
	defer cancel()
	return c.reservoir.FetchReservoirs(ctx)
}

func (c *FloodCollector) degrade(batch *feeds.FloodBatch, source string, err error) {
	batch.Degraded = append(batch.Degraded, source)
	c.met.SourceFailures.WithLabelValues(source).Inc()
	c.logger.Warn("source degraded for this tick", slog.String("source", source), slog.Any("error", err))
}

func pointOf(a config.WeatherArea) geo.Point {
	return geo.Point{Lat: a.Lat, Lon: a.Lon}
}

// simulatedBatch rebuilds the batch from the simulated source, keeping the
// degradation flags so the status probe still shows the outage.
func (c *FloodCollector) simulatedBatch(ctx context.Context, failed feeds.FloodBatch) feeds.FloodBatch {
	batch := feeds.FloodBatch{
		CollectedAt: failed.CollectedAt,
		Degraded:    failed.Degraded,
		Simulated:   true,
	}
	if stations, err := c.simulated.FetchStations(ctx); err == nil {
		batch.Stations = stations
	}
	for _, area := range c.areas {
		if obs, err := c.simulated.FetchCurrent(ctx, area.Name, pointOf(area)); err == nil {
			batch.Weather = append(batch.Weather, obs)
		}
	}
	if reservoirs, err := c.simulated.FetchReservoirs(ctx); err == nil {
		batch.Reservoirs = reservoirs
	}
	return batch
}
