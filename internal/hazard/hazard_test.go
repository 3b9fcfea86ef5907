package hazard_test

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bayanihan-labs/baha/internal/config"
	"github.com/bayanihan-labs/baha/internal/feeds"
	"github.com/bayanihan-labs/baha/internal/geo"
	"github.com/bayanihan-labs/baha/internal/graph"
	"github.com/bayanihan-labs/baha/internal/hazard"
	"github.com/bayanihan-labs/baha/internal/mail"
	"github.com/bayanihan-labs/baha/internal/metrics"
)

var t0 = time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)

// riversideEnv is a 3-node chain along the Marikina riverside. The a->b
// midpoint sits at (14.6505, 121.1000).
func riversideEnv(t *testing.T) *graph.Env {
	t.Helper()
	env, err := graph.New(
		[]graph.NodeSpec{
			{ID: "a", Lat: 14.6500, Lon: 121.1000},
			{ID: "b", Lat: 14.6510, Lon: 121.1000},
			{ID: "c", Lat: 14.6520, Lon: 121.1000},
		},
		[]graph.EdgeSpec{
			{U: "a", V: "b", LengthM: 120},
			{U: "b", V: "c", LengthM: 120},
		},
		0.001, 500,
	)
	require.NoError(t, err)
	return env
}

func newEngine(t *testing.T, env *graph.Env, opts ...hazard.Option) (*hazard.Engine, *mail.Exchange) {
	t.Helper()
	cfg := config.Default("unused.json")
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	x := mail.NewExchange(64)
	x.Register(mail.AgentHazard)
	t.Cleanup(x.Close)

	e := hazard.New(cfg, logger, x, metrics.New(), env, opts...)
	e.Now = func() time.Time { return t0 }
	return e, x
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func abMidpoint() geo.Point { return geo.Point{Lat: 14.6505, Lon: 121.1000} }

func abKey() graph.EdgeKey { return graph.EdgeKey{U: "a", V: "b", Index: 0} }

func scoutAt(loc geo.Point, severity float64, at time.Time) feeds.ScoutReport {
	return feeds.ScoutReport{
		Text:       "water rising fast",
		Loc:        loc,
		HasCoords:  true,
		Severity:   severity,
		Confidence: 1.0,
		Type:       feeds.ReportRainFlood,
		ObservedAt: at,
	}
}

func riskOf(t *testing.T, env *graph.Env, key graph.EdgeKey) float64 {
	t.Helper()
	r, ok := env.Snapshot().Risk(key)
	require.True(t, ok, "edge %s missing from snapshot", key)
	return r
}

// ---------------------------------------------------------------------------
// Crowd risk
// ---------------------------------------------------------------------------

func TestFuse_SingleFreshReport(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{
		scoutAt(abMidpoint(), 0.8, t0),
	}})

	n, err := e.Fuse(context.Background())
	require.NoError(t, err)
	assert.Positive(t, n)

	// Kernel weight 1 at d=0, no decay: crowd = 0.8. With only the crowd
	// source contributing, the renormalized composite is the crowd value.
	assert.InDelta(t, 0.8, riskOf(t, env, abKey()), 1e-9)
}

func TestFuse_ThirtyMinuteDecay(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{
		scoutAt(abMidpoint(), 0.8, t0.Add(-30*time.Minute)),
	}})
	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	// Rain-flood decay 0.10/min: 0.8 * exp(-3.0) ~= 0.0398.
	assert.InDelta(t, 0.8*math.Exp(-3.0), riskOf(t, env, abKey()), 1e-9)
}

func TestFuse_WeightedAverageDoesNotAccumulate(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	// Two distinct maximal reports at the same spot must average to 1.0,
	// never sum past it.
	r1 := scoutAt(abMidpoint(), 1.0, t0)
	r2 := scoutAt(abMidpoint(), 1.0, t0)
	r2.Text = "chest-deep at the bridge"
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{r1, r2}})

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, riskOf(t, env, abKey()), 1e-9)
}

func TestFuse_KernelAttenuatesWithDistance(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	// A severe report at the a->b midpoint and a mild one ~111 m north at
	// the b->c midpoint. Each edge's average must lean toward the closer
	// report, since the kernel downweights the farther one.
	severe := scoutAt(abMidpoint(), 0.9, t0)
	mild := scoutAt(geo.Point{Lat: 14.6515, Lon: 121.1000}, 0.1, t0)
	mild.Text = "ankle-deep only"
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{severe, mild}})

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	near := riskOf(t, env, abKey())
	far := riskOf(t, env, graph.EdgeKey{U: "b", V: "c", Index: 0})
	assert.Greater(t, near, far)
	assert.Positive(t, far)
}

// ---------------------------------------------------------------------------
// TTL, dedup, idempotence
// ---------------------------------------------------------------------------

func TestFuse_TTLPurgesExpiredReports(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{
		scoutAt(abMidpoint(), 0.8, t0.Add(-46*time.Minute)), // past 45 min TTL
	}})
	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	assert.Zero(t, e.ScoutCacheLen())
	assert.Zero(t, riskOf(t, env, abKey()))
}

func TestFuse_StaleRiskDecaysBackToZero(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{
		scoutAt(abMidpoint(), 0.8, t0),
	}})
	_, err := e.Fuse(context.Background())
	require.NoError(t, err)
	require.Positive(t, riskOf(t, env, abKey()))

	// An hour later the report is far past TTL; the edge written last pass
	// must be recomputed down to zero, not left frozen.
	e.Now = func() time.Time { return t0.Add(time.Hour) }
	_, err = e.Fuse(context.Background())
	require.NoError(t, err)
	assert.Zero(t, riskOf(t, env, abKey()))
}

func TestFuse_TTLExpiresExactlyAtCutoff(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{
		scoutAt(abMidpoint(), 0.8, t0.Add(-45*time.Minute)), // exactly at the TTL
	}})
	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	assert.Zero(t, e.ScoutCacheLen())
	assert.Zero(t, riskOf(t, env, abKey()))
}

func TestFuse_WarmRestoredRiskDecaysToZero(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	// Risk applied straight to the graph, as the startup snapshot restore
	// does. No cached signal backs it, so the next pass must recompute the
	// edge down to zero rather than leave it frozen.
	require.NoError(t, env.UpdateEdgeRisk(abKey(), 0.7))

	n, err := e.Fuse(context.Background())
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Zero(t, riskOf(t, env, abKey()))
}

func TestIngestScout_Deduplicates(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	r := scoutAt(abMidpoint(), 0.8, t0)
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{r, r}})
	assert.Equal(t, 1, e.ScoutCacheLen())

	// Re-submitting in a later batch is still a duplicate.
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{r}})
	assert.Equal(t, 1, e.ScoutCacheLen())
}

func TestIngestScout_RejectsInvalid(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	bad := scoutAt(abMidpoint(), 1.5, t0) // severity out of range
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{bad}})
	assert.Zero(t, e.ScoutCacheLen())
}

func TestFuse_IdempotentUnderFixedClock(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{
		scoutAt(abMidpoint(), 0.7, t0.Add(-5*time.Minute)),
	}})

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)
	first := riskOf(t, env, abKey())

	_, err = e.Fuse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, riskOf(t, env, abKey()))
}

// ---------------------------------------------------------------------------
// Official and depth components
// ---------------------------------------------------------------------------

func TestFuse_CriticalStationMakesNearbyEdgesImpassable(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	e.IngestFlood(feeds.FloodBatch{Stations: []feeds.StationReading{{
		Station:       "Sto Nino",
		Loc:           geo.Point{Lat: 14.6505, Lon: 121.1000},
		LevelM:        18.5,
		AlertM:        16, AlarmM: 17, CriticalM: 18,
		HasThresholds: true,
		Status:        feeds.StationCritical,
		Risk:          1.0,
		ObservedAt:    t0,
	}}})

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	// The station is the only contributing source, so its weight
	// renormalizes to 1: a critical reading drives nearby edges past the
	// 0.9 impassability cutoff instead of being diluted to gamma * 1.0.
	got := riskOf(t, env, abKey())
	assert.InDelta(t, 1.0, got, 1e-9)
	assert.GreaterOrEqual(t, got, 0.9)
}

func TestFuse_CompositeRenormalizesOverPresentSources(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{
		scoutAt(abMidpoint(), 0.6, t0),
	}})
	e.IngestFlood(feeds.FloodBatch{Stations: []feeds.StationReading{{
		Station:       "Nangka",
		Loc:           abMidpoint(),
		LevelM:        16.2,
		AlertM:        16, AlarmM: 17, CriticalM: 18,
		HasThresholds: true,
		Status:        feeds.StationAlert,
		Risk:          0.5,
		ObservedAt:    t0,
	}}})

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	// Crowd and official present, depth absent:
	// (beta*0.6 + gamma*0.5) / (beta + gamma) = 0.28 / 0.5.
	assert.InDelta(t, (0.3*0.6+0.2*0.5)/0.5, riskOf(t, env, abKey()), 1e-9)
}

func TestFuse_StationWithoutThresholdsContributesNothing(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	e.IngestFlood(feeds.FloodBatch{Stations: []feeds.StationReading{{
		Station:    "Unverified",
		Loc:        abMidpoint(),
		LevelM:     99,
		ObservedAt: t0,
	}}})

	n, err := e.Fuse(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type stubDepthMap struct {
	depth float64
	ok    bool
	err   error
}

func (s stubDepthMap) DepthAt(context.Context, geo.Point, string) (float64, bool, error) {
	return s.depth, s.ok, s.err
}

func TestFuse_DepthSigmoid(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env, hazard.WithDepthMap(stubDepthMap{depth: 0.5, ok: true}, "rp25_1h"))

	// Something must make the edge a candidate; a zero-severity clear
	// report works without adding crowd risk.
	clear := scoutAt(abMidpoint(), 0, t0)
	clear.Type = feeds.ReportClear
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{clear}})

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	// Sigmoid midpoint: depth 0.5 m maps to risk 0.5. Depth and the
	// zero-severity crowd report contribute:
	// (alpha*0.5 + beta*0) / (alpha + beta) = 0.25 / 0.8.
	assert.InDelta(t, 0.3125, riskOf(t, env, abKey()), 1e-9)
}

func TestFuse_DepthFailureDegradesToZero(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env, hazard.WithDepthMap(stubDepthMap{err: errors.New("raster offline")}, "rp25_1h"))

	clear := scoutAt(abMidpoint(), 0, t0)
	clear.Type = feeds.ReportClear
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{clear}})

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)
	assert.Zero(t, riskOf(t, env, abKey()))
}

// ---------------------------------------------------------------------------
// Visual override
// ---------------------------------------------------------------------------

func TestFuse_VisualOverride(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	r := scoutAt(abMidpoint(), 0.85, t0)
	r.VisualEvidence = true
	r.Confidence = 0.9
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{r}})

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	// The weighted average alone would leave 0.85; the override lifts the
	// edge to severity + 0.1.
	assert.InDelta(t, 0.95, riskOf(t, env, abKey()), 1e-9)
}

func TestFuse_VisualOverrideRequiresHighSeverityAndConfidence(t *testing.T) {
	env := riversideEnv(t)
	e, _ := newEngine(t, env)

	r := scoutAt(abMidpoint(), 0.85, t0)
	r.VisualEvidence = true
	r.Confidence = 0.5 // below the 0.8 bar
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{r}})

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	// No override lift: the edge carries the plain weighted average, not
	// severity + 0.1.
	assert.InDelta(t, 0.85, riskOf(t, env, abKey()), 1e-9)
}

// ---------------------------------------------------------------------------
// Inbox drain
// ---------------------------------------------------------------------------

func TestDrainInbox(t *testing.T) {
	env := riversideEnv(t)
	e, x := newEngine(t, env)

	flood := feeds.FloodBatch{Stations: []feeds.StationReading{{
		Station: "Nangka", Loc: abMidpoint(), HasThresholds: true, Risk: 0.5, ObservedAt: t0,
	}}}
	scout := feeds.ScoutBatch{Reports: []feeds.ScoutReport{scoutAt(abMidpoint(), 0.6, t0)}}

	require.NoError(t, x.Send(mail.New(mail.Inform, mail.AgentFloodCollector, mail.AgentHazard, mail.OntologyFloodData, flood)))
	require.NoError(t, x.Send(mail.New(mail.Inform, mail.AgentScoutCollector, mail.AgentHazard, mail.OntologyScoutReports, scout)))
	// A mislabeled envelope must be dropped, not crash the drain.
	require.NoError(t, x.Send(mail.New(mail.Inform, mail.AgentFloodCollector, mail.AgentHazard, mail.OntologyFloodData, "not a batch")))

	n := e.DrainInbox()
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, e.ScoutCacheLen())

	cond := e.Snapshot()
	require.Len(t, cond.Stations, 1)
	assert.Equal(t, "Nangka", cond.Stations[0].Station)
	assert.Equal(t, 1, cond.ScoutCount)
}

func TestIngestScout_RingEviction(t *testing.T) {
	env := riversideEnv(t)
	cfg := config.Default("unused.json")
	cfg.Scout.CacheMax = 2
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	x := mail.NewExchange(8)
	x.Register(mail.AgentHazard)
	t.Cleanup(x.Close)

	e := hazard.New(cfg, logger, x, metrics.New(), env)
	e.Now = func() time.Time { return t0 }

	for _, text := range []string{"one", "two", "three"} {
		r := scoutAt(abMidpoint(), 0.5, t0)
		r.Text = text
		e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{r}})
	}
	assert.Equal(t, 2, e.ScoutCacheLen())

	// The evicted report's dedup slot is freed: resubmitting "one" works.
	r := scoutAt(abMidpoint(), 0.5, t0)
	r.Text = "one"
	e.IngestScout(feeds.ScoutBatch{Reports: []feeds.ScoutReport{r}})
	assert.Equal(t, 2, e.ScoutCacheLen())
}
