// Package config provides YAML configuration loading and validation for the
// baha daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the baha daemon.
type Config struct {
	// GraphPath is the path to the road-graph JSON file. Required; a
	// missing or malformed graph aborts startup.
	GraphPath string `yaml:"graph_path"`

	// RiskSnapshotPath is the SQLite file that persists the per-edge risk
	// map across restarts. Defaults to "baha-risk.db". Empty string "off"
	// is not accepted; set it explicitly to "-" to disable warm restart.
	RiskSnapshotPath string `yaml:"risk_snapshot_path"`

	// SnapshotPeriodS is how often the risk map is persisted while running,
	// in seconds. Defaults to 900; -1 saves only at shutdown.
	SnapshotPeriodS int `yaml:"snapshot_period_s"`

	// HistoryDSN is the optional PostgreSQL DSN for the tick-history
	// recorder. Empty disables history persistence.
	HistoryDSN string `yaml:"history_dsn"`

	// ListenAddr is the HTTP facade listen address. Defaults to
	// "127.0.0.1:8750".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// TickPeriodS is the scheduler cycle length in seconds. Defaults to 300.
	TickPeriodS int `yaml:"tick_period_s"`

	// Sources configures the upstream flood-data adapters.
	Sources SourcesConfig `yaml:"sources"`

	// Fusion configures the hazard fusion engine.
	Fusion FusionConfig `yaml:"fusion"`

	// Routing configures the risk-aware router.
	Routing RoutingConfig `yaml:"routing"`

	// Graph configures the spatial index and node mapping.
	Graph GraphConfig `yaml:"graph"`

	// Scout configures the crowdsource report collector.
	Scout ScoutConfig `yaml:"scout"`
}

// SourcesConfig holds the endpoints and timeouts of the external flood-data
// sources. Any endpoint left empty disables that source; the tick then runs
// with the remaining ones.
type SourcesConfig struct {
	// RiverURL is the river-gauge endpoint.
	RiverURL string `yaml:"river_url"`

	// WeatherURL is the weather endpoint.
	WeatherURL string `yaml:"weather_url"`

	// ReservoirURL is the reservoir endpoint.
	ReservoirURL string `yaml:"reservoir_url"`

	// DepthMapURL is the optional raster depth-map service endpoint.
	DepthMapURL string `yaml:"depth_map_url"`

	// WeatherAreas lists the named areas polled from the weather source.
	WeatherAreas []WeatherArea `yaml:"weather_areas"`

	// ScenarioKey selects the depth-map return period and time horizon
	// (e.g. "rp25_1h"). Opaque to the core.
	ScenarioKey string `yaml:"scenario_key"`

	// SimulatedDataPath is an optional JSON file substituted when every
	// live source fails in a tick.
	SimulatedDataPath string `yaml:"simulated_data_path"`

	// TimeoutS is the per-upstream-call timeout in seconds. Defaults to 10.
	TimeoutS int `yaml:"timeout_s"`
}

// WeatherArea is one named location polled from the weather source.
type WeatherArea struct {
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
}

// FusionConfig holds the weights, radii, decay rates, and TTLs of the hazard
// fusion engine.
type FusionConfig struct {
	// DepthWeight, CrowdWeight, and OfficialWeight are the composite
	// weights (α, β, γ). They must sum to 1.0. Defaults: 0.5, 0.3, 0.2.
	DepthWeight    float64 `yaml:"depth_weight"`
	CrowdWeight    float64 `yaml:"crowd_weight"`
	OfficialWeight float64 `yaml:"official_weight"`

	// RiskRadiusM is the scout-report influence radius around an edge
	// midpoint, in meters. Defaults to 800.
	RiskRadiusM float64 `yaml:"risk_radius_m"`

	// StationRadiusM is the river-station influence radius in meters.
	// Defaults to 2000.
	StationRadiusM float64 `yaml:"station_radius_m"`

	// Kernel selects the distance-attenuation kernel: "gaussian",
	// "linear", or "exponential". Defaults to "gaussian".
	Kernel string `yaml:"kernel"`

	// RainDecayPerMin, RiverDecayPerMin, and OfficialDecayPerMin are the
	// exponential time-decay rates per minute. Defaults: 0.10, 0.03, 0.05.
	RainDecayPerMin     float64 `yaml:"rain_decay_per_min"`
	RiverDecayPerMin    float64 `yaml:"river_decay_per_min"`
	OfficialDecayPerMin float64 `yaml:"official_decay_per_min"`

	// ScoutTTLMin and FloodTTLMin are the hard cache cutoffs in minutes.
	// Defaults: 45 and 90.
	ScoutTTLMin int `yaml:"scout_ttl_min"`
	FloodTTLMin int `yaml:"flood_ttl_min"`

	// InboxHighWater and InboxLowWater bound the fusion inbox for
	// collector backpressure. Defaults: 64 and 16.
	InboxHighWater int `yaml:"inbox_high_water"`
	InboxLowWater  int `yaml:"inbox_low_water"`
}

// RoutingConfig holds the router's cost-function and reporting parameters.
type RoutingConfig struct {
	// ImpassableRisk is the risk at or above which an edge is excluded
	// from every returned path. Defaults to 0.9.
	ImpassableRisk float64 `yaml:"impassable_risk"`

	// SafestPenaltyM, BalancedPenaltyM, and FastestPenaltyM are the
	// virtual-meter penalties per unit risk for the three modes.
	// Defaults: 100000, 2000, 0.
	SafestPenaltyM   float64 `yaml:"safest_penalty_m"`
	BalancedPenaltyM float64 `yaml:"balanced_penalty_m"`
	FastestPenaltyM  float64 `yaml:"fastest_penalty_m"`

	// AvgSpeedKmh is the average travel speed used for ETA estimation.
	// Defaults to 20.
	AvgSpeedKmh float64 `yaml:"avg_speed_kmh"`

	// LongRouteKm raises a WARNING annotation on routes longer than this.
	// Defaults to 10.
	LongRouteKm float64 `yaml:"long_route_km"`

	// WorkerCount is the size of the route-query worker pool. Defaults to 4.
	WorkerCount int `yaml:"worker_count"`
}

// GraphConfig holds the spatial-index and node-mapping parameters.
type GraphConfig struct {
	// CellSizeDeg is the spatial-grid cell size in degrees. Defaults to
	// 0.001 (~111 m of latitude).
	CellSizeDeg float64 `yaml:"cell_size_deg"`

	// MaxMappingDistanceM is the farthest a query coordinate may be from
	// its nearest node before mapping fails. Defaults to 500.
	MaxMappingDistanceM float64 `yaml:"max_mapping_distance_m"`
}

// ScoutConfig holds the crowdsource collector parameters.
type ScoutConfig struct {
	// BatchSize is the maximum number of reports forwarded per tick; the
	// rest queue FIFO for the next tick. Defaults to 10.
	BatchSize int `yaml:"batch_size"`

	// CacheMax bounds the fusion engine's scout ring buffer. Defaults to
	// 1000.
	CacheMax int `yaml:"cache_max"`

	// ScenarioPath is an optional JSON scenario file replayed as scout
	// reports; empty means only live feedback submissions are ingested.
	ScenarioPath string `yaml:"scenario_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validKernels is the set of accepted distance-attenuation kernels.
var validKernels = map[string]bool{
	"gaussian":    true,
	"linear":      true,
	"exponential": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields and invariants. It returns a
// typed error describing the first validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields with the documented
// defaults. Exported so tests can build configs without a YAML file.
func ApplyDefaults(cfg *Config) {
	if cfg.RiskSnapshotPath == "" {
		cfg.RiskSnapshotPath = "baha-risk.db"
	}
	if cfg.SnapshotPeriodS == 0 {
		cfg.SnapshotPeriodS = 900
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8750"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TickPeriodS == 0 {
		cfg.TickPeriodS = 300
	}
	if cfg.Sources.TimeoutS == 0 {
		cfg.Sources.TimeoutS = 10
	}

	f := &cfg.Fusion
	if f.DepthWeight == 0 && f.CrowdWeight == 0 && f.OfficialWeight == 0 {
		f.DepthWeight, f.CrowdWeight, f.OfficialWeight = 0.5, 0.3, 0.2
	}
	if f.RiskRadiusM == 0 {
		f.RiskRadiusM = 800
	}
	if f.StationRadiusM == 0 {
		f.StationRadiusM = 2000
	}
	if f.Kernel == "" {
		f.Kernel = "gaussian"
	}
	if f.RainDecayPerMin == 0 {
		f.RainDecayPerMin = 0.10
	}
	if f.RiverDecayPerMin == 0 {
		f.RiverDecayPerMin = 0.03
	}
	if f.OfficialDecayPerMin == 0 {
		f.OfficialDecayPerMin = 0.05
	}
	if f.ScoutTTLMin == 0 {
		f.ScoutTTLMin = 45
	}
	if f.FloodTTLMin == 0 {
		f.FloodTTLMin = 90
	}
	if f.InboxHighWater == 0 {
		f.InboxHighWater = 64
	}
	if f.InboxLowWater == 0 {
		f.InboxLowWater = 16
	}

	r := &cfg.Routing
	if r.ImpassableRisk == 0 {
		r.ImpassableRisk = 0.9
	}
	if r.SafestPenaltyM == 0 {
		r.SafestPenaltyM = 100000
	}
	if r.BalancedPenaltyM == 0 {
		r.BalancedPenaltyM = 2000
	}
	if r.AvgSpeedKmh == 0 {
		r.AvgSpeedKmh = 20
	}
	if r.LongRouteKm == 0 {
		r.LongRouteKm = 10
	}
	if r.WorkerCount == 0 {
		r.WorkerCount = 4
	}

	g := &cfg.Graph
	if g.CellSizeDeg == 0 {
		g.CellSizeDeg = 0.001
	}
	if g.MaxMappingDistanceM == 0 {
		g.MaxMappingDistanceM = 500
	}

	s := &cfg.Scout
	if s.BatchSize == 0 {
		s.BatchSize = 10
	}
	if s.CacheMax == 0 {
		s.CacheMax = 1000
	}
}

// Validate checks that all required fields are populated, that enumerated
// fields contain only valid values, and that numeric invariants hold. A
// violated invariant is fatal: the daemon must not run degraded.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.GraphPath == "" {
		errs = append(errs, errors.New("graph_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.TickPeriodS < 1 {
		errs = append(errs, fmt.Errorf("tick_period_s %d must be >= 1", cfg.TickPeriodS))
	}
	if cfg.Sources.TimeoutS < 1 {
		errs = append(errs, fmt.Errorf("sources.timeout_s %d must be >= 1", cfg.Sources.TimeoutS))
	}
	if cfg.SnapshotPeriodS < -1 {
		errs = append(errs, fmt.Errorf("snapshot_period_s %d must be >= -1", cfg.SnapshotPeriodS))
	}

	f := cfg.Fusion
	if sum := f.DepthWeight + f.CrowdWeight + f.OfficialWeight; sum < 0.999 || sum > 1.001 {
		errs = append(errs, fmt.Errorf("fusion weights must sum to 1.0, got %.4f", sum))
	}
	if f.DepthWeight < 0 || f.CrowdWeight < 0 || f.OfficialWeight < 0 {
		errs = append(errs, errors.New("fusion weights must be non-negative"))
	}
	if !validKernels[f.Kernel] {
		errs = append(errs, fmt.Errorf("fusion.kernel %q must be one of: gaussian, linear, exponential", f.Kernel))
	}
	if f.RiskRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("fusion.risk_radius_m %v must be positive", f.RiskRadiusM))
	}
	if f.InboxLowWater >= f.InboxHighWater {
		errs = append(errs, fmt.Errorf("fusion.inbox_low_water %d must be below inbox_high_water %d",
			f.InboxLowWater, f.InboxHighWater))
	}

	r := cfg.Routing
	if r.ImpassableRisk <= 0 || r.ImpassableRisk > 1 {
		errs = append(errs, fmt.Errorf("routing.impassable_risk %v must be in (0, 1]", r.ImpassableRisk))
	}
	if r.SafestPenaltyM < 0 || r.BalancedPenaltyM < 0 || r.FastestPenaltyM < 0 {
		errs = append(errs, errors.New("routing mode penalties must be non-negative"))
	}
	if r.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("routing.avg_speed_kmh %v must be positive", r.AvgSpeedKmh))
	}

	if cfg.Graph.CellSizeDeg <= 0 {
		errs = append(errs, fmt.Errorf("graph.cell_size_deg %v must be positive", cfg.Graph.CellSizeDeg))
	}
	if cfg.Graph.MaxMappingDistanceM <= 0 {
		errs = append(errs, fmt.Errorf("graph.max_mapping_distance_m %v must be positive", cfg.Graph.MaxMappingDistanceM))
	}

	if cfg.Scout.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("scout.batch_size %d must be >= 1", cfg.Scout.BatchSize))
	}
	if cfg.Scout.CacheMax < 1 {
		errs = append(errs, fmt.Errorf("scout.cache_max %d must be >= 1", cfg.Scout.CacheMax))
	}

	return errors.Join(errs...)
}

// Default returns a fully defaulted configuration with the given graph path.
// Intended for tests and embedded use.
func Default(graphPath string) *Config {
	cfg := &Config{GraphPath: graphPath}
	ApplyDefaults(cfg)
	return cfg
}

// TickPeriod returns the scheduler period as a time.Duration.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.TickPeriodS) * time.Second
}

// SourceTimeout returns the per-upstream-call timeout as a time.Duration.
func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.Sources.TimeoutS) * time.Second
}
