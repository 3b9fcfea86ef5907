package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bayanihan-labs/baha/internal/config"
)

// writeConfig writes content to a temp YAML file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "baha.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MinimalAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "graph_path: /var/lib/baha/marikina.json\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TickPeriodS != 300 {
		t.Errorf("TickPeriodS = %d, want 300", cfg.TickPeriodS)
	}
	if cfg.Fusion.DepthWeight != 0.5 || cfg.Fusion.CrowdWeight != 0.3 || cfg.Fusion.OfficialWeight != 0.2 {
		t.Errorf("fusion weights = (%v, %v, %v), want (0.5, 0.3, 0.2)",
			cfg.Fusion.DepthWeight, cfg.Fusion.CrowdWeight, cfg.Fusion.OfficialWeight)
	}
	if cfg.Fusion.Kernel != "gaussian" {
		t.Errorf("Kernel = %q, want gaussian", cfg.Fusion.Kernel)
	}
	if cfg.Routing.ImpassableRisk != 0.9 {
		t.Errorf("ImpassableRisk = %v, want 0.9", cfg.Routing.ImpassableRisk)
	}
	if cfg.Routing.SafestPenaltyM != 100000 || cfg.Routing.BalancedPenaltyM != 2000 || cfg.Routing.FastestPenaltyM != 0 {
		t.Errorf("mode penalties = (%v, %v, %v), want (100000, 2000, 0)",
			cfg.Routing.SafestPenaltyM, cfg.Routing.BalancedPenaltyM, cfg.Routing.FastestPenaltyM)
	}
	if cfg.Graph.CellSizeDeg != 0.001 {
		t.Errorf("CellSizeDeg = %v, want 0.001", cfg.Graph.CellSizeDeg)
	}
	if cfg.Graph.MaxMappingDistanceM != 500 {
		t.Errorf("MaxMappingDistanceM = %v, want 500", cfg.Graph.MaxMappingDistanceM)
	}
	if cfg.Scout.BatchSize != 10 || cfg.Scout.CacheMax != 1000 {
		t.Errorf("scout = (%d, %d), want (10, 1000)", cfg.Scout.BatchSize, cfg.Scout.CacheMax)
	}
	if cfg.SnapshotPeriodS != 900 {
		t.Errorf("SnapshotPeriodS = %d, want 900", cfg.SnapshotPeriodS)
	}
	if cfg.Fusion.ScoutTTLMin != 45 || cfg.Fusion.FloodTTLMin != 90 {
		t.Errorf("TTLs = (%d, %d), want (45, 90)", cfg.Fusion.ScoutTTLMin, cfg.Fusion.FloodTTLMin)
	}
}

func TestLoad_MissingGraphPath(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "graph_path") {
		t.Fatalf("Load = %v, want graph_path error", err)
	}
}

func TestLoad_WeightsMustSumToOne(t *testing.T) {
	path := writeConfig(t, `
graph_path: g.json
fusion:
  depth_weight: 0.5
  crowd_weight: 0.5
  official_weight: 0.2
`)
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "sum to 1.0") {
		t.Fatalf("Load = %v, want fusion weight error", err)
	}
}

func TestLoad_InvalidKernel(t *testing.T) {
	path := writeConfig(t, `
graph_path: g.json
fusion:
  kernel: quadratic
`)
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "kernel") {
		t.Fatalf("Load = %v, want kernel error", err)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, "graph_path: g.json\nlog_level: chatty\n")
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("Load = %v, want log_level error", err)
	}
}

func TestLoad_WatermarkOrdering(t *testing.T) {
	path := writeConfig(t, `
graph_path: g.json
fusion:
  inbox_high_water: 8
  inbox_low_water: 16
`)
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "inbox_low_water") {
		t.Fatalf("Load = %v, want watermark error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load accepted a missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "graph_path: [unterminated\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestDefault_Validates(t *testing.T) {
	cfg := config.Default("marikina.json")
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Default config does not validate: %v", err)
	}
}

func TestLoad_OverridesRespected(t *testing.T) {
	path := writeConfig(t, `
graph_path: g.json
tick_period_s: 60
fusion:
  kernel: linear
  risk_radius_m: 500
routing:
  balanced_penalty_m: 3000
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TickPeriodS != 60 {
		t.Errorf("TickPeriodS = %d, want 60", cfg.TickPeriodS)
	}
	if cfg.Fusion.Kernel != "linear" || cfg.Fusion.RiskRadiusM != 500 {
		t.Errorf("fusion overrides not applied: %+v", cfg.Fusion)
	}
	if cfg.Routing.BalancedPenaltyM != 3000 {
		t.Errorf("BalancedPenaltyM = %v, want 3000", cfg.Routing.BalancedPenaltyM)
	}
}
