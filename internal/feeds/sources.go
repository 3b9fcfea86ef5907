package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bayanihan-labs/baha/internal/geo"
)

// ErrUnavailable is returned by source adapters when the upstream cannot be
// reached or answers with garbage. The collector skips the source for one
// tick and raises its degradation flag.
var ErrUnavailable = errors.New("feeds: source unavailable")

// RiverSource fetches the current readings of all river gauges.
type RiverSource interface {
	FetchStations(ctx context.Context) ([]StationReading, error)
}

// WeatherSource fetches the current weather at one location.
type WeatherSource interface {
	FetchCurrent(ctx context.Context, area string, loc geo.Point) (WeatherObservation, error)
}

// ReservoirSource fetches the current readings of all reservoirs.
type ReservoirSource interface {
	FetchReservoirs(ctx context.Context) ([]ReservoirReading, error)
}

// DepthMap samples a raster flood-depth map. The boolean is false when the
// raster has no coverage at the point; scenarioKey selects a return period
// and time horizon and is opaque to the core.
type DepthMap interface {
	DepthAt(ctx context.Context, loc geo.Point, scenarioKey string) (depthM float64, ok bool, err error)
}

// ReportSource produces crowdsourced scout reports. NextBatch returns up to
// maxN reports and may return fewer or none; it must respect ctx.
type ReportSource interface {
	NextBatch(ctx context.Context, maxN int) ([]ScoutReport, error)
}

// ---------------------------------------------------------------------------
// Simulated source
// ---------------------------------------------------------------------------

// simFile is the JSON layout of a simulated-data file: raw observations that
// are classified and timestamped at fetch time.
type simFile struct {
	Stations []struct {
		Station   string  `json:"station"`
		Lat       float64 `json:"lat"`
		Lon       float64 `json:"lon"`
		LevelM    float64 `json:"level_m"`
		AlertM    float64 `json:"alert_m"`
		AlarmM    float64 `json:"alarm_m"`
		CriticalM float64 `json:"critical_m"`
	} `json:"stations"`
	Weather []struct {
		Area         string  `json:"area"`
		Lat          float64 `json:"lat"`
		Lon          float64 `json:"lon"`
		RainMMH      float64 `json:"rain_mmh"`
		Forecast24MM float64 `json:"forecast_24h_mm"`
	} `json:"weather"`
	Reservoirs []struct {
		Reservoir   string  `json:"reservoir"`
		LevelM      float64 `json:"level_m"`
		NormalHighM float64 `json:"normal_high_m"`
	} `json:"reservoirs"`
}

// SimulatedSource serves canned observations from a JSON file. The flood
// collector substitutes it when every live source fails in a tick, so a
// network outage degrades to stale-but-plausible data instead of none.
type SimulatedSource struct {
	file simFile
	// Now is the clock used to stamp fetched records; overridable in tests.
	Now func() time.Time
}

// LoadSimulated reads and validates the simulated-data file at path.
func LoadSimulated(path string) (*SimulatedSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feeds: cannot read simulated data %q: %w", path, err)
	}
	var f simFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("feeds: cannot parse simulated data %q: %w", path, err)
	}
	return &SimulatedSource{file: f, Now: time.Now}, nil
}

// FetchStations implements RiverSource.
func (s *SimulatedSource) FetchStations(_ context.Context) ([]StationReading, error) {
	now := s.Now().UTC()
	out := make([]StationReading, 0, len(s.file.Stations))
	for _, raw := range s.file.Stations {
		r := StationReading{
			Station:       raw.Station,
			Loc:           geo.Point{Lat: raw.Lat, Lon: raw.Lon},
			LevelM:        raw.LevelM,
			AlertM:        raw.AlertM,
			AlarmM:        raw.AlarmM,
			CriticalM:     raw.CriticalM,
			HasThresholds: raw.CriticalM > 0,
			ObservedAt:    now,
		}
		if r.HasThresholds {
			r.Status, r.Risk = ClassifyWaterLevel(r.LevelM, r.AlertM, r.AlarmM, r.CriticalM)
		}
		out = append(out, r)
	}
	return out, nil
}

// FetchCurrent implements WeatherSource. The simulated file is keyed by
// area name; unknown areas return ErrUnavailable.
func (s *SimulatedSource) FetchCurrent(_ context.Context, area string, loc geo.Point) (WeatherObservation, error) {
	for _, raw := range s.file.Weather {
		if raw.Area != area {
			continue
		}
		return WeatherObservation{
			Area:         raw.Area,
			Loc:          geo.Point{Lat: raw.Lat, Lon: raw.Lon},
			RainMMH:      raw.RainMMH,
			Forecast24MM: raw.Forecast24MM,
			Intensity:    ClassifyRainfall(raw.RainMMH),
			ObservedAt:   s.Now().UTC(),
		}, nil
	}
	return WeatherObservation{}, fmt.Errorf("%w: no simulated weather for area %q", ErrUnavailable, area)
}

// FetchReservoirs implements ReservoirSource.
func (s *SimulatedSource) FetchReservoirs(_ context.Context) ([]ReservoirReading, error) {
	now := s.Now().UTC()
	out := make([]ReservoirReading, 0, len(s.file.Reservoirs))
	for _, raw := range s.file.Reservoirs {
		r := ReservoirReading{
			Reservoir:   raw.Reservoir,
			LevelM:      raw.LevelM,
			NormalHighM: raw.NormalHighM,
			DeviationM:  raw.LevelM - raw.NormalHighM,
			ObservedAt:  now,
		}
		r.Status, r.Risk = ClassifyReservoir(r.DeviationM)
		out = append(out, r)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Report buffer
// ---------------------------------------------------------------------------

// ReportBuffer is a thread-safe FIFO ReportSource. The HTTP feedback
// endpoint pushes synthetic reports into it and the scout collector drains
// it each tick. Pushes beyond the capacity drop the oldest entries.
type ReportBuffer struct {
	mu      sync.Mutex
	pending []ScoutReport
	cap     int
}

// NewReportBuffer creates a buffer holding at most capacity reports.
func NewReportBuffer(capacity int) *ReportBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ReportBuffer{cap: capacity}
}

// Push appends r to the buffer, evicting the oldest entry when full.
func (b *ReportBuffer) Push(r ScoutReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.cap {
		b.pending = b.pending[1:]
	}
	b.pending = append(b.pending, r)
}

// Len returns the number of pending reports.
func (b *ReportBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// NextBatch implements ReportSource: it removes and returns up to maxN
// reports in FIFO order without blocking.
func (b *ReportBuffer) NextBatch(_ context.Context, maxN int) ([]ScoutReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxN <= 0 || len(b.pending) == 0 {
		return nil, nil
	}
	n := maxN
	if n > len(b.pending) {
		n = len(b.pending)
	}
	out := make([]ScoutReport, n)
	copy(out, b.pending[:n])
	b.pending = append(b.pending[:0], b.pending[n:]...)
	return out, nil
}

// ---------------------------------------------------------------------------
// Scenario report source
// ---------------------------------------------------------------------------

// scenarioFile is the JSON layout of a scout scenario: a flat list of
// reports replayed in order.
type scenarioFile struct {
	Reports []struct {
		Text           string   `json:"text"`
		LocationName   string   `json:"location_name,omitempty"`
		Lat            *float64 `json:"lat,omitempty"`
		Lon            *float64 `json:"lon,omitempty"`
		Severity       float64  `json:"severity"`
		Confidence     float64  `json:"confidence"`
		Type           string   `json:"type"`
		VisualEvidence bool     `json:"visual_evidence"`
	} `json:"reports"`
}

// ScenarioSource replays scout reports from a JSON scenario file, stamping
// them at fetch time. Once exhausted it returns empty batches.
type ScenarioSource struct {
	mu      sync.Mutex
	reports []ScoutReport
	next    int
	// Now is the clock used to stamp replayed reports.
	Now func() time.Time
}

// LoadScenario reads the scenario file at path.
func LoadScenario(path string) (*ScenarioSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feeds: cannot read scenario %q: %w", path, err)
	}
	var f scenarioFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("feeds: cannot parse scenario %q: %w", path, err)
	}

	s := &ScenarioSource{Now: time.Now}
	for _, raw := range f.Reports {
		r := ScoutReport{
			Text:           raw.Text,
			LocationName:   raw.LocationName,
			Severity:       raw.Severity,
			Confidence:     raw.Confidence,
			Type:           ReportType(raw.Type),
			VisualEvidence: raw.VisualEvidence,
		}
		if raw.Lat != nil && raw.Lon != nil {
			r.Loc = geo.Point{Lat: *raw.Lat, Lon: *raw.Lon}
			r.HasCoords = true
		}
		s.reports = append(s.reports, r)
	}
	return s, nil
}

// NextBatch implements ReportSource.
func (s *ScenarioSource) NextBatch(_ context.Context, maxN int) ([]ScoutReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxN <= 0 || s.next >= len(s.reports) {
		return nil, nil
	}
	end := s.next + maxN
	if end > len(s.reports) {
		end = len(s.reports)
	}
	now := s.Now().UTC()
	out := make([]ScoutReport, end-s.next)
	copy(out, s.reports[s.next:end])
	for i := range out {
		out[i].ObservedAt = now
	}
	s.next = end
	return out, nil
}
