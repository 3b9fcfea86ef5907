// Package hazard implements the fusion engine: it drains the collector
// batches from its inbox, maintains time-decayed caches of every signal, and
// once per tick computes a composite per-edge risk that it writes back to
// the graph environment in one batch.
package hazard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/bayanihan-labs/baha/internal/config"
	"github.com/bayanihan-labs/baha/internal/feeds"
	"github.com/bayanihan-labs/baha/internal/geo"
	"github.com/bayanihan-labs/baha/internal/graph"
	"github.com/bayanihan-labs/baha/internal/mail"
	"github.com/bayanihan-labs/baha/internal/metrics"
)

// Depth-to-risk sigmoid parameters: risk(h) = 1 / (1 + exp(-k*(h - h0))).
const (
	depthSigmoidK  = 2.0
	depthSigmoidH0 = 0.5
)

// visualOverrideRadiusM bounds the eyewitness-imagery override around an
// edge midpoint.
const visualOverrideRadiusM = 300.0

// Engine owns the fusion state. It is single-writer: only the scheduler's
// fusion step calls DrainInbox and Fuse, so the caches need no locking.
type Engine struct {
	logger *slog.Logger
	x      *mail.Exchange
	met    *metrics.Metrics
	env    *graph.Env

	fcfg        config.FusionConfig
	cellSizeDeg float64
	cacheMax    int

	depthMap    feeds.DepthMap
	scenarioKey string

	// Now is the fusion clock; overridable in tests.
	Now func() time.Time

	stations   map[string]feeds.StationReading
	weather    map[string]feeds.WeatherObservation
	reservoirs map[string]feeds.ReservoirReading

	scouts     []feeds.ScoutReport
	dedup      map[string]struct{}
	scoutCells map[geo.Cell][]int
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithDepthMap attaches the raster depth collaborator. scenarioKey selects
// the return period and horizon and is passed through opaquely.
func WithDepthMap(dm feeds.DepthMap, scenarioKey string) Option {
	return func(e *Engine) { e.depthMap = dm; e.scenarioKey = scenarioKey }
}

// New creates the fusion engine over the given graph environment.
func New(cfg *config.Config, logger *slog.Logger, x *mail.Exchange, met *metrics.Metrics, env *graph.Env, opts ...Option) *Engine {
	e := &Engine{
		logger:      logger,
		x:           x,
		met:         met,
		env:         env,
		fcfg:        cfg.Fusion,
		cellSizeDeg: cfg.Graph.CellSizeDeg,
		cacheMax:    cfg.Scout.CacheMax,
		Now:         time.Now,
		stations:    make(map[string]feeds.StationReading),
		weather:     make(map[string]feeds.WeatherObservation),
		reservoirs:  make(map[string]feeds.ReservoirReading),
		dedup:       make(map[string]struct{}),
		scoutCells:  make(map[geo.Cell][]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ---------------------------------------------------------------------------
// Ingress
// ---------------------------------------------------------------------------

// DrainInbox empties the hazard mailbox, folding every batch into the
// caches. A malformed envelope is logged and dropped; one bad message never
// taints the tick. It returns the number of envelopes consumed.
func (e *Engine) DrainInbox() int {
	n := 0
	for {
		msg, ok, err := e.x.TryReceive(mail.AgentHazard)
		if err != nil || !ok {
			return n
		}
		n++
		switch msg.Ontology {
		case mail.OntologyFloodData:
			batch, ok := msg.Content.(feeds.FloodBatch)
			if !ok {
				e.dropMalformed(msg)
				continue
			}
			e.IngestFlood(batch)
		case mail.OntologyScoutReports:
			batch, ok := msg.Content.(feeds.ScoutBatch)
			if !ok {
				e.dropMalformed(msg)
				continue
			}
			e.IngestScout(batch)
		default:
			e.dropMalformed(msg)
		}
	}
}

func (e *Engine) dropMalformed(msg mail.Message) {
	e.met.InvalidRecords.Inc()
	e.logger.Warn("dropping malformed envelope",
		slog.String("ontology", msg.Ontology),
		slog.String("sender", string(msg.Sender)),
	)
}

// IngestFlood overwrites the latest-per-key entries with the batch contents.
func (e *Engine) IngestFlood(batch feeds.FloodBatch) {
	for _, s := range batch.Stations {
		if s.ObservedAt.IsZero() {
			e.met.InvalidRecords.Inc()
			continue
		}
		e.stations[s.Station] = s
	}
	for _, w := range batch.Weather {
		if w.ObservedAt.IsZero() {
			e.met.InvalidRecords.Inc()
			continue
		}
		e.weather[w.Area] = w
	}
	for _, r := range batch.Reservoirs {
		if r.ObservedAt.IsZero() {
			e.met.InvalidRecords.Inc()
			continue
		}
		e.reservoirs[r.Reservoir] = r
	}
}

// IngestScout validates, deduplicates, and appends the batch reports to the
// ring buffer, evicting the oldest entries past capacity.
func (e *Engine) IngestScout(batch feeds.ScoutBatch) {
	for _, r := range batch.Reports {
		if err := r.Validate(); err != nil {
			e.met.InvalidRecords.Inc()
			e.logger.Debug("rejecting scout report", slog.Any("error", err))
			continue
		}
		key := r.DedupKey()
		if _, dup := e.dedup[key]; dup {
			e.met.ScoutDuplicates.Inc()
			continue
		}
		if len(e.scouts) >= e.cacheMax {
			delete(e.dedup, e.scouts[0].DedupKey())
			e.scouts = e.scouts[1:]
		}
		e.scouts = append(e.scouts, r)
		e.dedup[key] = struct{}{}
	}
}

// ScoutCacheLen returns the number of cached scout reports.
func (e *Engine) ScoutCacheLen() int { return len(e.scouts) }

// Conditions is the cache summary exposed through the status probe.
type Conditions struct {
	Stations   []feeds.StationReading
	Weather    []feeds.WeatherObservation
	Reservoirs []feeds.ReservoirReading
	ScoutCount int
}

// Snapshot returns a copy of the current cache contents.
func (e *Engine) Snapshot() Conditions {
	c := Conditions{ScoutCount: len(e.scouts)}
	for _, s := range e.stations {
		c.Stations = append(c.Stations, s)
	}
	for _, w := range e.weather {
		c.Weather = append(c.Weather, w)
	}
	for _, r := range e.reservoirs {
		c.Reservoirs = append(c.Reservoirs, r)
	}
	return c
}

// ---------------------------------------------------------------------------
// Fusion
// ---------------------------------------------------------------------------

// Fuse runs one fusion pass: purge expired entries, compute the composite
// risk for every edge under the influence of a cached signal (plus every
// edge still carrying risk, so stale values decay back down), and apply the
// result as one batch. It returns the number of edges written.
func (e *Engine) Fuse(ctx context.Context) (int, error) {
	start := time.Now()
	now := e.Now().UTC()

	e.purge(now)
	e.reindexScouts()

	candidates := e.candidateEdges()
	updates := make([]graph.RiskUpdate, 0, len(candidates))

	for key := range candidates {
		mid, ok := e.env.EdgeMidpoint(key)
		if !ok {
			continue
		}
		updates = append(updates, graph.RiskUpdate{Key: key, Risk: e.edgeRisk(ctx, mid, now)})
	}

	if err := e.env.BatchUpdateEdgeRisks(updates); err != nil {
		return 0, fmt.Errorf("hazard: batch risk update: %w", err)
	}

	e.met.FusionDuration.Observe(time.Since(start).Seconds())
	e.met.EdgesUpdated.Set(float64(len(updates)))
	e.logger.Info("fusion pass complete",
		slog.Int("edges_updated", len(updates)),
		slog.Int("scout_cache", len(e.scouts)),
		slog.Int("stations", len(e.stations)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return len(updates), nil
}

// purge drops every cache entry at or past its TTL: an observation exactly
// at the cutoff is already expired.
func (e *Engine) purge(now time.Time) {
	scoutTTL := time.Duration(e.fcfg.ScoutTTLMin) * time.Minute
	floodTTL := time.Duration(e.fcfg.FloodTTLMin) * time.Minute

	kept := e.scouts[:0]
	for _, r := range e.scouts {
		if now.Sub(r.ObservedAt) >= scoutTTL {
			delete(e.dedup, r.DedupKey())
			continue
		}
		kept = append(kept, r)
	}
	e.scouts = kept

	for k, s := range e.stations {
		if now.Sub(s.ObservedAt) >= floodTTL {
			delete(e.stations, k)
		}
	}
	for k, w := range e.weather {
		if now.Sub(w.ObservedAt) >= floodTTL {
			delete(e.weather, k)
		}
	}
	for k, r := range e.reservoirs {
		if now.Sub(r.ObservedAt) >= floodTTL {
			delete(e.reservoirs, k)
		}
	}
}

// reindexScouts rebuilds the grid index over report coordinates. Reports
// carrying only a location name cannot be placed and are skipped; they still
// participate in deduplication.
func (e *Engine) reindexScouts() {
	e.scoutCells = make(map[geo.Cell][]int, len(e.scouts))
	for i, r := range e.scouts {
		if !r.HasCoords {
			continue
		}
		c := geo.CellOf(r.Loc, e.cellSizeDeg)
		e.scoutCells[c] = append(e.scoutCells[c], i)
	}
}

// candidateEdges is the set of edges that this pass must recompute: every
// edge within the influence radius of a cached signal, plus every edge
// still carrying risk in the graph. The second group keeps stale values
// decaying toward zero, whether they were written by an earlier pass or
// restored from a warm-restart snapshot.
func (e *Engine) candidateEdges() map[graph.EdgeKey]struct{} {
	set := make(map[graph.EdgeKey]struct{})
	for _, r := range e.scouts {
		if !r.HasCoords {
			continue
		}
		for _, k := range e.env.EdgesInRadius(r.Loc, e.fcfg.RiskRadiusM) {
			set[k] = struct{}{}
		}
	}
	for _, s := range e.stations {
		if !s.HasThresholds {
			continue
		}
		for _, k := range e.env.EdgesInRadius(s.Loc, e.fcfg.StationRadiusM) {
			set[k] = struct{}{}
		}
	}
	for k, risk := range e.env.RiskMap() {
		if risk > 0 {
			set[k] = struct{}{}
		}
	}
	return set
}

// edgeRisk computes the composite risk at one edge midpoint. The configured
// weights renormalize over the sources that actually contributed, so a lone
// critical station can still drive an edge impassable instead of being
// diluted by absent collaborators.
func (e *Engine) edgeRisk(ctx context.Context, mid geo.Point, now time.Time) float64 {
	crowd, hasCrowd, visual := e.crowdRisk(mid, now)
	official, hasOfficial := e.officialRisk(mid, now)
	depth, hasDepth := e.depthRisk(ctx, mid)

	var num, den float64
	if hasDepth {
		num += e.fcfg.DepthWeight * depth
		den += e.fcfg.DepthWeight
	}
	if hasCrowd {
		num += e.fcfg.CrowdWeight * crowd
		den += e.fcfg.CrowdWeight
	}
	if hasOfficial {
		num += e.fcfg.OfficialWeight * official
		den += e.fcfg.OfficialWeight
	}
	var risk float64
	if den > 0 {
		risk = geo.Clamp01(num / den)
	}

	// Eyewitness imagery overrides lagging sensor fusion nearby.
	if visual > 0 {
		risk = geo.Clamp01(math.Max(risk, visual+0.1))
	}
	return risk
}

// crowdRisk is the weighted average of decayed report severities around mid.
// Each report enters the average, never a sum, so stacked reports for the
// same block cannot push past 1.0. ok is false when no report is in range.
// The last return value is the strongest severity among visual-evidence
// reports qualifying for the override rule.
func (e *Engine) crowdRisk(mid geo.Point, now time.Time) (risk float64, ok bool, visualOverride float64) {
	var num, den float64
	for _, c := range geo.CellsInRadius(mid, e.fcfg.RiskRadiusM, e.cellSizeDeg) {
		for _, i := range e.scoutCells[c] {
			r := e.scouts[i]
			d := geo.Distance(mid, r.Loc)
			if d > e.fcfg.RiskRadiusM {
				continue
			}
			decay := decayFactor(e.scoutDecayRate(r.Type), now.Sub(r.ObservedAt))
			w := e.kernelWeight(d) * r.Confidence * decay
			num += w * r.Severity * decay
			den += w

			if r.VisualEvidence && d <= visualOverrideRadiusM &&
				r.Severity >= 0.8 && r.Confidence >= 0.8 && r.Severity > visualOverride {
				visualOverride = r.Severity
			}
		}
	}
	if den == 0 {
		return 0, false, visualOverride
	}
	return num / den, true, visualOverride
}

// officialRisk is the nearest in-range station's classified risk, decayed.
// ok is false when no qualifying station is in range.
func (e *Engine) officialRisk(mid geo.Point, now time.Time) (float64, bool) {
	bestDist := e.fcfg.StationRadiusM
	var best *feeds.StationReading
	for k := range e.stations {
		s := e.stations[k]
		if !s.HasThresholds {
			continue
		}
		if d := geo.Distance(mid, s.Loc); d <= bestDist {
			bestDist = d
			best = &s
		}
	}
	if best == nil {
		return 0, false
	}
	return best.Risk * decayFactor(e.fcfg.OfficialDecayPerMin, now.Sub(best.ObservedAt)), true
}

// depthRisk samples the raster collaborator at mid. Errors and uncovered
// points degrade to no contribution; the tick still completes.
func (e *Engine) depthRisk(ctx context.Context, mid geo.Point) (float64, bool) {
	if e.depthMap == nil {
		return 0, false
	}
	h, ok, err := e.depthMap.DepthAt(ctx, mid, e.scenarioKey)
	if err != nil {
		e.logger.Debug("depth sample failed", slog.Any("error", err))
		return 0, false
	}
	if !ok {
		return 0, false
	}
	return 1 / (1 + math.Exp(-depthSigmoidK*(h-depthSigmoidH0))), true
}

// scoutDecayRate selects the per-minute decay rate by flooding mechanism:
// rain-dominant signals fade fast, river-driven ones linger.
func (e *Engine) scoutDecayRate(t feeds.ReportType) float64 {
	if t == feeds.ReportRiverFlood {
		return e.fcfg.RiverDecayPerMin
	}
	return e.fcfg.RainDecayPerMin
}

// decayFactor is exp(-rate * age-in-minutes), clamped so observations
// stamped slightly in the future do not amplify.
func decayFactor(ratePerMin float64, age time.Duration) float64 {
	minutes := age.Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return math.Exp(-ratePerMin * minutes)
}

// kernelWeight attenuates a report's influence by its distance from the
// edge midpoint.
func (e *Engine) kernelWeight(d float64) float64 {
	r := e.fcfg.RiskRadiusM
	switch e.fcfg.Kernel {
	case "linear":
		if d >= r {
			return 0
		}
		return 1 - d/r
	case "exponential":
		return math.Exp(-3 * d / r)
	default: // gaussian, sigma = R/3
		sigma := r / 3
		return math.Exp(-(d * d) / (2 * sigma * sigma))
	}
}
