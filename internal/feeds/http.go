package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bayanihan-labs/baha/internal/geo"
)

// HTTPClient is the subset of *http.Client the adapters need; swapping it
// out lets tests serve canned responses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// fetchJSON issues a GET against rawURL and decodes the JSON body into out.
// Transport failures and non-200 statuses wrap ErrUnavailable so the
// collector can treat them uniformly as a degraded source.
func fetchJSON(ctx context.Context, client HTTPClient, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("feeds: build request %q: %w", rawURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned HTTP %d", ErrUnavailable, rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, rawURL, err)
	}
	return nil
}

// HTTPRiverSource polls a river-gauge JSON endpoint.
type HTTPRiverSource struct {
	URL    string
	Client HTTPClient
	// Now stamps records whose upstream omitted observed_at.
	Now func() time.Time
}

// NewHTTPRiverSource builds a river adapter with the given per-call timeout.
func NewHTTPRiverSource(rawURL string, timeout time.Duration) *HTTPRiverSource {
	return &HTTPRiverSource{URL: rawURL, Client: &http.Client{Timeout: timeout}, Now: time.Now}
}

// FetchStations implements RiverSource. Stations with invalid coordinates
// are rejected record-by-record; one bad record does not fail the fetch.
func (s *HTTPRiverSource) FetchStations(ctx context.Context) ([]StationReading, error) {
	var payload struct {
		Stations []struct {
			Station    string   `json:"station"`
			Lat        float64  `json:"lat"`
			Lon        float64  `json:"lon"`
			LevelM     float64  `json:"level_m"`
			AlertM     *float64 `json:"alert_m"`
			AlarmM     *float64 `json:"alarm_m"`
			CriticalM  *float64 `json:"critical_m"`
			ObservedAt string   `json:"observed_at"`
		} `json:"stations"`
	}
	if err := fetchJSON(ctx, s.Client, s.URL, &payload); err != nil {
		return nil, err
	}

	out := make([]StationReading, 0, len(payload.Stations))
	for _, raw := range payload.Stations {
		loc := geo.Point{Lat: raw.Lat, Lon: raw.Lon}
		if !loc.Valid() {
			continue
		}
		r := StationReading{
			Station:    raw.Station,
			Loc:        loc,
			LevelM:     raw.LevelM,
			ObservedAt: s.observedAt(raw.ObservedAt),
		}
		if raw.AlertM != nil && raw.AlarmM != nil && raw.CriticalM != nil {
			r.AlertM, r.AlarmM, r.CriticalM = *raw.AlertM, *raw.AlarmM, *raw.CriticalM
			r.HasThresholds = true
			r.Status, r.Risk = ClassifyWaterLevel(r.LevelM, r.AlertM, r.AlarmM, r.CriticalM)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *HTTPRiverSource) observedAt(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return s.Now().UTC()
}

// HTTPWeatherSource polls a weather JSON endpoint with lat/lon query
// parameters.
type HTTPWeatherSource struct {
	URL    string
	Client HTTPClient
	Now    func() time.Time
}

// NewHTTPWeatherSource builds a weather adapter with the given timeout.
func NewHTTPWeatherSource(rawURL string, timeout time.Duration) *HTTPWeatherSource {
	return &HTTPWeatherSource{URL: rawURL, Client: &http.Client{Timeout: timeout}, Now: time.Now}
}

// FetchCurrent implements WeatherSource.
func (s *HTTPWeatherSource) FetchCurrent(ctx context.Context, area string, loc geo.Point) (WeatherObservation, error) {
	if err := loc.Validate(); err != nil {
		return WeatherObservation{}, err
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return WeatherObservation{}, fmt.Errorf("feeds: weather url %q: %w", s.URL, err)
	}
	q := u.Query()
	q.Set("lat", fmt.Sprintf("%.6f", loc.Lat))
	q.Set("lon", fmt.Sprintf("%.6f", loc.Lon))
	u.RawQuery = q.Encode()

	var payload struct {
		RainMMH      float64 `json:"rain_mmh"`
		Forecast24MM float64 `json:"forecast_24h_mm"`
		ObservedAt   string  `json:"observed_at"`
	}
	if err := fetchJSON(ctx, s.Client, u.String(), &payload); err != nil {
		return WeatherObservation{}, err
	}

	obs := WeatherObservation{
		Area:         area,
		Loc:          loc,
		RainMMH:      payload.RainMMH,
		Forecast24MM: payload.Forecast24MM,
		Intensity:    ClassifyRainfall(payload.RainMMH),
		ObservedAt:   s.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339, payload.ObservedAt); err == nil {
		obs.ObservedAt = t.UTC()
	}
	return obs, nil
}

// HTTPReservoirSource polls a reservoir JSON endpoint.
type HTTPReservoirSource struct {
	URL    string
	Client HTTPClient
	Now    func() time.Time
}

// NewHTTPReservoirSource builds a reservoir adapter with the given timeout.
func NewHTTPReservoirSource(rawURL string, timeout time.Duration) *HTTPReservoirSource {
	return &HTTPReservoirSource{URL: rawURL, Client: &http.Client{Timeout: timeout}, Now: time.Now}
}

// FetchReservoirs implements ReservoirSource.
func (s *HTTPReservoirSource) FetchReservoirs(ctx context.Context) ([]ReservoirReading, error) {
	var payload struct {
		Reservoirs []struct {
			Reservoir   string  `json:"reservoir"`
			LevelM      float64 `json:"level_m"`
			NormalHighM float64 `json:"normal_high_m"`
			ObservedAt  string  `json:"observed_at"`
		} `json:"reservoirs"`
	}
	if err := fetchJSON(ctx, s.Client, s.URL, &payload); err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	out := make([]ReservoirReading, 0, len(payload.Reservoirs))
	for _, raw := range payload.Reservoirs {
		r := ReservoirReading{
			Reservoir:   raw.Reservoir,
			LevelM:      raw.LevelM,
			NormalHighM: raw.NormalHighM,
			DeviationM:  raw.LevelM - raw.NormalHighM,
			ObservedAt:  now,
		}
		if t, err := time.Parse(time.RFC3339, raw.ObservedAt); err == nil {
			r.ObservedAt = t.UTC()
		}
		r.Status, r.Risk = ClassifyReservoir(r.DeviationM)
		out = append(out, r)
	}
	return out, nil
}

// HTTPDepthMap samples a remote raster depth-map service.
type HTTPDepthMap struct {
	URL    string
	Client HTTPClient
}

// NewHTTPDepthMap builds a depth-map adapter with the given timeout.
func NewHTTPDepthMap(rawURL string, timeout time.Duration) *HTTPDepthMap {
	return &HTTPDepthMap{URL: rawURL, Client: &http.Client{Timeout: timeout}}
}

// DepthAt implements DepthMap. A point outside the raster's coverage is not
// an error: the service answers covered=false and fusion treats depth-risk
// as zero there.
func (s *HTTPDepthMap) DepthAt(ctx context.Context, loc geo.Point, scenarioKey string) (float64, bool, error) {
	if err := loc.Validate(); err != nil {
		return 0, false, err
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return 0, false, fmt.Errorf("feeds: depth-map url %q: %w", s.URL, err)
	}
	q := u.Query()
	q.Set("lat", fmt.Sprintf("%.6f", loc.Lat))
	q.Set("lon", fmt.Sprintf("%.6f", loc.Lon))
	q.Set("scenario", scenarioKey)
	u.RawQuery = q.Encode()

	var payload struct {
		DepthM  float64 `json:"depth_m"`
		Covered bool    `json:"covered"`
	}
	if err := fetchJSON(ctx, s.Client, u.String(), &payload); err != nil {
		return 0, false, err
	}
	return payload.DepthM, payload.Covered, nil
}
