// Package feeds defines the normalized flood-signal records exchanged
// between the collectors and the hazard fusion engine, the classification
// rules that derive status and risk from raw observations, and the adapter
// contracts for the external sources (river gauges, weather, reservoirs,
// depth-map raster, crowdsource reports).
package feeds

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/bayanihan-labs/baha/internal/geo"
)

// StationStatus classifies a river-gauge reading against its thresholds.
type StationStatus string

const (
	StationNormal   StationStatus = "normal"
	StationAlert    StationStatus = "alert"
	StationAlarm    StationStatus = "alarm"
	StationCritical StationStatus = "critical"
)

// StationReading is one normalized observation from a river gauge. Created
// by the flood collector each poll, consumed by fusion, then discarded; only
// the latest reading per station survives in the fusion cache.
type StationReading struct {
	// Station is the gauge identifier (e.g. "Sto Nino").
	Station string
	// Loc is the gauge position, used for nearest-station fusion.
	Loc geo.Point
	// LevelM is the observed water level in meters.
	LevelM float64
	// AlertM, AlarmM, and CriticalM are the configured thresholds.
	// HasThresholds is false when the upstream did not provide them; such
	// stations are excluded from classification and contribute no risk.
	AlertM        float64
	AlarmM        float64
	CriticalM     float64
	HasThresholds bool
	// Status and Risk are derived by ClassifyWaterLevel.
	Status StationStatus
	Risk   float64
	// ObservedAt is the upstream observation time. Records without a
	// timestamp are never emitted.
	ObservedAt time.Time
}

// RainIntensity classifies current rainfall in mm/h.
type RainIntensity string

const (
	RainNone       RainIntensity = "none"
	RainLight      RainIntensity = "light"
	RainModerate   RainIntensity = "moderate"
	RainHeavy      RainIntensity = "heavy"
	RainIntense    RainIntensity = "intense"
	RainTorrential RainIntensity = "torrential"
)

// WeatherObservation is the current weather state for one named area. At
// most one current observation per area survives in the fusion cache.
type WeatherObservation struct {
	// Area names the observed location (e.g. "Marikina").
	Area string
	// Loc is the observation point.
	Loc geo.Point
	// RainMMH is the current rainfall rate in mm/h.
	RainMMH float64
	// Forecast24MM is the accumulated 24-hour forecast in mm.
	Forecast24MM float64
	// Intensity is derived from RainMMH by ClassifyRainfall.
	Intensity  RainIntensity
	ObservedAt time.Time
}

// ReservoirStatus classifies a reservoir level against its normal-high mark.
type ReservoirStatus string

const (
	ReservoirBelowNormal ReservoirStatus = "below_normal"
	ReservoirNormal      ReservoirStatus = "normal"
	ReservoirAlert       ReservoirStatus = "alert"
	ReservoirAlarm       ReservoirStatus = "alarm"
	ReservoirCritical    ReservoirStatus = "critical"
)

// ReservoirReading is one normalized reservoir observation. Same cache
// discipline as stations.
type ReservoirReading struct {
	// Reservoir is the dam identifier (e.g. "La Mesa").
	Reservoir string
	// LevelM is the observed reservoir level in meters.
	LevelM float64
	// NormalHighM is the normal-high reference level.
	NormalHighM float64
	// DeviationM is LevelM - NormalHighM.
	DeviationM float64
	// Status and Risk are derived by ClassifyReservoir.
	Status     ReservoirStatus
	Risk       float64
	ObservedAt time.Time
}

// ReportType tags the flooding mechanism behind a scout report; it selects
// the time-decay rate applied during fusion.
type ReportType string

const (
	// ReportRainFlood marks rain-dominant street flooding. Decays fast.
	ReportRainFlood ReportType = "rain_flood"
	// ReportRiverFlood marks river- or reservoir-driven flooding. Decays
	// slowly.
	ReportRiverFlood ReportType = "river_flood"
	// ReportObstruction marks a non-flood blockage (debris, traffic).
	ReportObstruction ReportType = "obstruction"
	// ReportClear marks an all-clear observation.
	ReportClear ReportType = "clear"
)

// ScoutReport is a single crowdsourced observation. A report must carry
// either a resolvable location name or explicit coordinates; the scout
// collector discards reports missing both.
type ScoutReport struct {
	// Text is the free-text body of the report.
	Text string
	// LocationName is the optional named location.
	LocationName string
	// Loc holds explicit coordinates when HasCoords is true.
	Loc       geo.Point
	HasCoords bool
	// Severity and Confidence are in [0, 1]; fusion rejects values
	// outside that interval.
	Severity   float64
	Confidence float64
	// Type selects the decay rate during fusion.
	Type ReportType
	// VisualEvidence marks reports backed by imagery; such reports can
	// override lagging sensor fusion near their location.
	VisualEvidence bool
	ObservedAt     time.Time
}

// DedupKey returns the (location, text-hash) pair identifying duplicate
// submissions. The location component prefers coordinates rounded to the
// spatial-grid resolution so the same key survives re-geocoding jitter.
func (r ScoutReport) DedupKey() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(r.Text))))
	loc := strings.ToLower(strings.TrimSpace(r.LocationName))
	if r.HasCoords {
		loc = fmt.Sprintf("%.4f,%.4f", r.Loc.Lat, r.Loc.Lon)
	}
	return fmt.Sprintf("%s|%x", loc, h.Sum64())
}

// Validate rejects reports that must not reach fusion: no location at all,
// out-of-range coordinates, or severity/confidence outside [0, 1].
func (r ScoutReport) Validate() error {
	if !r.HasCoords && strings.TrimSpace(r.LocationName) == "" {
		return fmt.Errorf("feeds: scout report has neither location name nor coordinates")
	}
	if r.HasCoords {
		if err := r.Loc.Validate(); err != nil {
			return fmt.Errorf("feeds: scout report: %w", err)
		}
	}
	if r.Severity < 0 || r.Severity > 1 {
		return fmt.Errorf("feeds: scout report severity %v outside [0,1]", r.Severity)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("feeds: scout report confidence %v outside [0,1]", r.Confidence)
	}
	if r.ObservedAt.IsZero() {
		return fmt.Errorf("feeds: scout report missing timestamp")
	}
	return nil
}

// FloodBatch is the payload of one INFORM(flood_data_batch) envelope: the
// per-tick normalized pull from every official source that responded.
type FloodBatch struct {
	Stations    []StationReading
	Weather     []WeatherObservation
	Reservoirs  []ReservoirReading
	CollectedAt time.Time
	// Degraded lists the sources that failed this tick ("river",
	// "weather", "reservoir"). Exposed through the status probe.
	Degraded []string
	// Simulated is true when the batch was substituted from the simulated
	// data source because every live source failed.
	Simulated bool
}

// ScoutBatch is the payload of one INFORM(scout_report_batch) envelope.
type ScoutBatch struct {
	Reports     []ScoutReport
	CollectedAt time.Time
}
