package feeds_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bayanihan-labs/baha/internal/feeds"
	"github.com/bayanihan-labs/baha/internal/geo"
)

// ---------------------------------------------------------------------------
// ReportBuffer
// ---------------------------------------------------------------------------

func TestReportBuffer_FIFO(t *testing.T) {
	b := feeds.NewReportBuffer(10)
	for _, text := range []string{"first", "second", "third"} {
		r := validReport()
		r.Text = text
		b.Push(r)
	}

	got, err := b.NextBatch(context.Background(), 2)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("NextBatch returned %v, want first+second", got)
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d after draining two, want 1", b.Len())
	}
}

func TestReportBuffer_EvictsOldestWhenFull(t *testing.T) {
	b := feeds.NewReportBuffer(2)
	for _, text := range []string{"a", "b", "c"} {
		r := validReport()
		r.Text = text
		b.Push(r)
	}
	got, _ := b.NextBatch(context.Background(), 10)
	if len(got) != 2 || got[0].Text != "b" || got[1].Text != "c" {
		t.Fatalf("NextBatch = %v, want b+c (oldest evicted)", got)
	}
}

// ---------------------------------------------------------------------------
// ScenarioSource
// ---------------------------------------------------------------------------

func TestScenarioSource_ReplaysInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.json")
	doc := `{"reports": [
		{"text": "waist-deep near Tumana", "lat": 14.6507, "lon": 121.1029,
		 "severity": 0.85, "confidence": 0.9, "type": "rain_flood", "visual_evidence": true},
		{"text": "road clear at Bayan", "location_name": "Marikina Bayan",
		 "severity": 0.0, "confidence": 0.7, "type": "clear"}
	]}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	src, err := feeds.LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}

	first, err := src.NextBatch(context.Background(), 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("NextBatch = (%v, %v), want one report", first, err)
	}
	if !first[0].HasCoords || !first[0].VisualEvidence || first[0].Severity != 0.85 {
		t.Errorf("first report mangled: %+v", first[0])
	}
	if first[0].ObservedAt.IsZero() {
		t.Error("replayed report missing timestamp")
	}

	second, _ := src.NextBatch(context.Background(), 5)
	if len(second) != 1 || second[0].LocationName != "Marikina Bayan" {
		t.Fatalf("second batch = %v, want the named-location report", second)
	}

	rest, _ := src.NextBatch(context.Background(), 5)
	if len(rest) != 0 {
		t.Errorf("exhausted scenario returned %d reports", len(rest))
	}
}

// ---------------------------------------------------------------------------
// SimulatedSource
// ---------------------------------------------------------------------------

func TestSimulatedSource_ClassifiesOnFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.json")
	doc := `{
		"stations": [{"station": "Sto Nino", "lat": 14.6330, "lon": 121.0970,
			"level_m": 18.5, "alert_m": 16.0, "alarm_m": 17.0, "critical_m": 18.0}],
		"weather": [{"area": "Marikina", "lat": 14.65, "lon": 121.10, "rain_mmh": 12.0, "forecast_24h_mm": 80}],
		"reservoirs": [{"reservoir": "La Mesa", "level_m": 81.2, "normal_high_m": 80.15}]
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	src, err := feeds.LoadSimulated(path)
	if err != nil {
		t.Fatalf("LoadSimulated: %v", err)
	}

	stations, err := src.FetchStations(context.Background())
	if err != nil || len(stations) != 1 {
		t.Fatalf("FetchStations = (%v, %v)", stations, err)
	}
	if stations[0].Status != feeds.StationCritical || stations[0].Risk != 1.0 {
		t.Errorf("Sto Nino = (%s, %v), want (critical, 1.0)", stations[0].Status, stations[0].Risk)
	}

	obs, err := src.FetchCurrent(context.Background(), "Marikina", geo.Point{Lat: 14.65, Lon: 121.10})
	if err != nil {
		t.Fatalf("FetchCurrent: %v", err)
	}
	if obs.Intensity != feeds.RainHeavy {
		t.Errorf("Intensity = %s, want heavy", obs.Intensity)
	}

	if _, err := src.FetchCurrent(context.Background(), "Atlantis", geo.Point{}); !errors.Is(err, feeds.ErrUnavailable) {
		t.Errorf("unknown area = %v, want ErrUnavailable", err)
	}

	reservoirs, err := src.FetchReservoirs(context.Background())
	if err != nil || len(reservoirs) != 1 {
		t.Fatalf("FetchReservoirs = (%v, %v)", reservoirs, err)
	}
	if reservoirs[0].Status != feeds.ReservoirAlarm {
		t.Errorf("La Mesa status = %s, want alarm (deviation 1.05)", reservoirs[0].Status)
	}
}

// ---------------------------------------------------------------------------
// HTTP adapters
// ---------------------------------------------------------------------------

func TestHTTPRiverSource_FetchAndClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stations": [
			{"station": "Nangka", "lat": 14.6730, "lon": 121.1090, "level_m": 16.2,
			 "alert_m": 16.0, "alarm_m": 17.0, "critical_m": 18.0,
			 "observed_at": "2026-08-24T06:00:00Z"},
			{"station": "NoThresholds", "lat": 14.66, "lon": 121.10, "level_m": 3.0},
			{"station": "BadCoords", "lat": 123.0, "lon": 500.0, "level_m": 1.0}
		]}`))
	}))
	defer srv.Close()

	src := feeds.NewHTTPRiverSource(srv.URL, time.Second)
	stations, err := src.FetchStations(context.Background())
	if err != nil {
		t.Fatalf("FetchStations: %v", err)
	}
	if len(stations) != 2 {
		t.Fatalf("got %d stations, want 2 (bad coords dropped)", len(stations))
	}
	if stations[0].Status != feeds.StationAlert {
		t.Errorf("Nangka status = %s, want alert", stations[0].Status)
	}
	if !stations[0].ObservedAt.Equal(time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("ObservedAt = %v, want upstream timestamp", stations[0].ObservedAt)
	}
	if stations[1].HasThresholds {
		t.Error("station without thresholds classified anyway")
	}
}

func TestHTTPRiverSource_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := feeds.NewHTTPRiverSource(srv.URL, time.Second)
	if _, err := src.FetchStations(context.Background()); !errors.Is(err, feeds.ErrUnavailable) {
		t.Fatalf("FetchStations = %v, want ErrUnavailable", err)
	}
}

func TestHTTPWeatherSource_PassesCoordinates(t *testing.T) {
	var gotLat, gotLon string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLat, gotLon = r.URL.Query().Get("lat"), r.URL.Query().Get("lon")
		_, _ = w.Write([]byte(`{"rain_mmh": 35.0, "forecast_24h_mm": 120}`))
	}))
	defer srv.Close()

	src := feeds.NewHTTPWeatherSource(srv.URL, time.Second)
	obs, err := src.FetchCurrent(context.Background(), "Marikina", geo.Point{Lat: 14.6507, Lon: 121.1029})
	if err != nil {
		t.Fatalf("FetchCurrent: %v", err)
	}
	if gotLat != "14.650700" || gotLon != "121.102900" {
		t.Errorf("query coords = (%s, %s)", gotLat, gotLon)
	}
	if obs.Intensity != feeds.RainTorrential {
		t.Errorf("Intensity = %s, want torrential", obs.Intensity)
	}
}

func TestHTTPDepthMap_Coverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("scenario") != "rp25_1h" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"depth_m": 0.8, "covered": true}`))
	}))
	defer srv.Close()

	dm := feeds.NewHTTPDepthMap(srv.URL, time.Second)
	depth, ok, err := dm.DepthAt(context.Background(), geo.Point{Lat: 14.65, Lon: 121.10}, "rp25_1h")
	if err != nil || !ok {
		t.Fatalf("DepthAt = (%v, %v, %v)", depth, ok, err)
	}
	if depth != 0.8 {
		t.Errorf("depth = %v, want 0.8", depth)
	}
}
