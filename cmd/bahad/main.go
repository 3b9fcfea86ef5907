// Command bahad is the baha daemon. It loads a YAML configuration file and
// the road graph, restores the last risk snapshot, wires the collector,
// hazard, and routing agents over the in-process message exchange, starts
// the periodic scheduler and the HTTP facade, and shuts down gracefully on
// SIGTERM or SIGINT, persisting the risk map on the way out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bayanihan-labs/baha/internal/collector"
	"github.com/bayanihan-labs/baha/internal/config"
	"github.com/bayanihan-labs/baha/internal/feeds"
	"github.com/bayanihan-labs/baha/internal/graph"
	"github.com/bayanihan-labs/baha/internal/hazard"
	"github.com/bayanihan-labs/baha/internal/history"
	"github.com/bayanihan-labs/baha/internal/mail"
	"github.com/bayanihan-labs/baha/internal/metrics"
	"github.com/bayanihan-labs/baha/internal/riskstore"
	"github.com/bayanihan-labs/baha/internal/routing"
	"github.com/bayanihan-labs/baha/internal/scheduler"
	"github.com/bayanihan-labs/baha/internal/server/rest"
)

func main() {
	configPath := flag.String("config", "/etc/baha/config.yaml", "path to the baha YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bahad: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("graph_path", cfg.GraphPath),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Int("tick_period_s", cfg.TickPeriodS),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("bahad exited cleanly")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A broken graph is fatal: the daemon must not serve on a partial map.
	env, err := graph.Load(cfg.GraphPath, cfg.Graph.CellSizeDeg, cfg.Graph.MaxMappingDistanceM)
	if err != nil {
		return err
	}
	logger.Info("road graph loaded",
		slog.Int("nodes", env.NodeCount()), slog.Int("edges", env.EdgeCount()))

	// Warm restart from the last risk snapshot, unless disabled.
	var store *riskstore.Store
	if cfg.RiskSnapshotPath != "-" {
		store, err = riskstore.Open(cfg.RiskSnapshotPath)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		restored, err := store.Restore(ctx, env)
		if err != nil {
			logger.Warn("risk snapshot restore failed, starting cold", slog.Any("error", err))
		} else if restored > 0 {
			logger.Info("risk snapshot restored", slog.Int("edges", restored))
		}
	}

	if store != nil && cfg.SnapshotPeriodS > 0 {
		go snapshotLoop(ctx, logger, store, env, time.Duration(cfg.SnapshotPeriodS)*time.Second)
	}

	met := metrics.New()
	exchange := mail.NewExchange(cfg.Fusion.InboxHighWater * 2)
	exchange.Register(mail.AgentHazard)
	defer exchange.Close()

	flood := buildFloodCollector(cfg, logger, exchange, met)

	feedback := feeds.NewReportBuffer(cfg.Scout.CacheMax)
	scoutSources := []feeds.ReportSource{feedback}
	if cfg.Scout.ScenarioPath != "" {
		scenario, err := feeds.LoadScenario(cfg.Scout.ScenarioPath)
		if err != nil {
			return err
		}
		scoutSources = append(scoutSources, scenario)
	}
	scout := collector.NewScoutCollector(cfg, logger, exchange, met, scoutSources...)

	var hazardOpts []hazard.Option
	if cfg.Sources.DepthMapURL != "" {
		dm := feeds.NewHTTPDepthMap(cfg.Sources.DepthMapURL, cfg.SourceTimeout())
		hazardOpts = append(hazardOpts, hazard.WithDepthMap(dm, cfg.Sources.ScenarioKey))
	}
	engine := hazard.New(cfg, logger, exchange, met, env, hazardOpts...)

	// Optional tick history; the daemon runs fine without a DSN.
	var recorder scheduler.Recorder
	if cfg.HistoryDSN != "" {
		hist, err := history.New(ctx, cfg.HistoryDSN, 0, 0)
		if err != nil {
			logger.Warn("history store unavailable, continuing without it", slog.Any("error", err))
		} else {
			defer hist.Close(context.Background())
			recorder = hist
		}
	}

	router := routing.New(cfg, logger, env, met)
	pool := routing.NewPool(router, logger, exchange, cfg.Routing.WorkerCount)
	pool.Start(ctx)

	sched := scheduler.New(cfg, logger, met, flood, scout, engine, recorder)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	srv := rest.NewServer(logger, router, sched, feedback)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rest.NewRouter(srv, met.Handler()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("http facade listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http facade error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown: stop serving first, then the tick loop and the
	// routing workers, and persist the risk map last.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http facade shutdown error", slog.Any("error", err))
	}

	cancel()
	<-schedDone
	pool.Wait()

	if store != nil {
		if err := store.Save(shutdownCtx, env.RiskMap()); err != nil {
			logger.Warn("risk snapshot save failed", slog.Any("error", err))
		} else {
			logger.Info("risk snapshot saved", slog.String("path", cfg.RiskSnapshotPath))
		}
	}
	return nil
}

// snapshotLoop persists the risk map on a fixed cadence so a crash loses at
// most one period of fused risk. The shutdown path saves once more.
func snapshotLoop(ctx context.Context, logger *slog.Logger, store *riskstore.Store, env *graph.Env, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Save(ctx, env.RiskMap()); err != nil {
				logger.Warn("periodic risk snapshot failed", slog.Any("error", err))
			}
		}
	}
}

// buildFloodCollector registers the configured upstream adapters; any source
// left without an endpoint is simply not polled.
func buildFloodCollector(cfg *config.Config, logger *slog.Logger, x *mail.Exchange, met *metrics.Metrics) *collector.FloodCollector {
	var opts []collector.FloodOption
	timeout := cfg.SourceTimeout()
	if cfg.Sources.RiverURL != "" {
		opts = append(opts, collector.WithRiver(feeds.NewHTTPRiverSource(cfg.Sources.RiverURL, timeout)))
	}
	if cfg.Sources.WeatherURL != "" {
		opts = append(opts, collector.WithWeather(
			feeds.NewHTTPWeatherSource(cfg.Sources.WeatherURL, timeout), cfg.Sources.WeatherAreas))
	}
	if cfg.Sources.ReservoirURL != "" {
		opts = append(opts, collector.WithReservoir(feeds.NewHTTPReservoirSource(cfg.Sources.ReservoirURL, timeout)))
	}
	if cfg.Sources.SimulatedDataPath != "" {
		sim, err := feeds.LoadSimulated(cfg.Sources.SimulatedDataPath)
		if err != nil {
			logger.Warn("simulated data unavailable", slog.Any("error", err))
		} else {
			opts = append(opts, collector.WithSimulated(sim))
		}
	}
	return collector.NewFloodCollector(cfg, logger, x, met, opts...)
}

// newLogger constructs a JSON slog logger writing to stderr at the
// requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
