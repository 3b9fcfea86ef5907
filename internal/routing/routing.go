// Package routing implements the risk-aware router: A* over the graph
// environment with a mode-selectable cost function that expresses risk as an
// additive virtual-distance penalty, warning annotation on the returned
// path, and an evacuation search over candidate destinations.
package routing

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bayanihan-labs/baha/internal/config"
	"github.com/bayanihan-labs/baha/internal/geo"
	"github.com/bayanihan-labs/baha/internal/graph"
	"github.com/bayanihan-labs/baha/internal/metrics"
)

// Mode selects the risk-versus-distance tradeoff of the cost function.
type Mode string

const (
	// ModeSafest accepts large detours to avoid any risk.
	ModeSafest Mode = "safest"
	// ModeBalanced prefers safer edges but tolerates minor risk.
	ModeBalanced Mode = "balanced"
	// ModeFastest is distance-only; it still excludes impassable edges.
	ModeFastest Mode = "fastest"
)

// ParseMode validates a mode string from the API surface.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSafest, ModeBalanced, ModeFastest:
		return Mode(s), nil
	case "":
		return ModeBalanced, nil
	}
	return "", fmt.Errorf("routing: unknown mode %q", s)
}

// FailureKind is the typed reason a route query failed.
type FailureKind string

const (
	FailUnreachable FailureKind = "unreachable_endpoint"
	FailNoSafeRoute FailureKind = "no_safe_route"
	FailTimeout     FailureKind = "timeout"
)

// Failure is the typed error returned for every non-success outcome.
type Failure struct {
	Kind   FailureKind
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("routing: %s", f.Kind)
	}
	return fmt.Sprintf("routing: %s: %s", f.Kind, f.Detail)
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}

// Warning is a severity annotation on a returned route.
type Warning string

const (
	WarnInfo     Warning = "INFO"
	WarnCaution  Warning = "CAUTION"
	WarnWarning  Warning = "WARNING"
	WarnCritical Warning = "CRITICAL"
)

// Request is one route query.
type Request struct {
	Start geo.Point
	End   geo.Point
	Mode  Mode
	// Deadline bounds the search; zero means no per-query deadline beyond
	// the caller's context.
	Deadline time.Duration
}

// Plan is a successful route.
type Plan struct {
	// Nodes is the node sequence from start to end.
	Nodes []graph.NodeID
	// Path is the corresponding coordinate sequence.
	Path []geo.Point
	// LengthM is the total road length in meters.
	LengthM float64
	// ETASeconds estimates travel time at the configured average speed.
	ETASeconds float64
	// MaxRisk and AvgRisk aggregate the traversed edges' risks.
	MaxRisk float64
	AvgRisk float64
	// Warnings annotates the route, most severe first.
	Warnings []Warning
	Mode     Mode
}

// Router answers route queries against point-in-time snapshots of the graph.
// It is stateless between calls and safe for concurrent use.
type Router struct {
	logger *slog.Logger
	env    *graph.Env
	met    *metrics.Metrics
	rcfg   config.RoutingConfig
}

// New creates a router over env.
func New(cfg *config.Config, logger *slog.Logger, env *graph.Env, met *metrics.Metrics) *Router {
	return &Router{logger: logger, env: env, met: met, rcfg: cfg.Routing}
}

// penalty returns P(mode): virtual meters added per unit of risk.
func (r *Router) penalty(m Mode) float64 {
	switch m {
	case ModeSafest:
		return r.rcfg.SafestPenaltyM
	case ModeFastest:
		return r.rcfg.FastestPenaltyM
	default:
		return r.rcfg.BalancedPenaltyM
	}
}

// deadlineCheckInterval is how many node expansions pass between deadline
// polls.
const deadlineCheckInterval = 64

// Route maps both endpoints onto the graph, runs A* against a fresh
// snapshot, and returns the annotated plan or a typed *Failure.
func (r *Router) Route(ctx context.Context, req Request) (Plan, error) {
	start := time.Now()
	plan, err := r.route(ctx, req)
	r.met.RouteDuration.Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = "invalid"
		if f, ok := AsFailure(err); ok {
			outcome = string(f.Kind)
		}
	}
	r.met.RouteRequests.WithLabelValues(outcome).Inc()
	return plan, err
}

func (r *Router) route(ctx context.Context, req Request) (Plan, error) {
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	from, err := r.env.NearestNode(req.Start)
	if err != nil {
		return Plan{}, &Failure{Kind: FailUnreachable, Detail: "start " + err.Error()}
	}
	to, err := r.env.NearestNode(req.End)
	if err != nil {
		return Plan{}, &Failure{Kind: FailUnreachable, Detail: "end " + err.Error()}
	}

	view := r.env.Snapshot()
	nodes, edges, err := r.search(ctx, view, from, to, r.penalty(req.Mode))
	if err != nil {
		return Plan{}, err
	}
	return r.assemble(view, req.Mode, nodes, edges)
}

// search runs A* from 'from' to 'to' over the snapshot. The heuristic is the
// great-circle distance to the goal, which never overestimates road travel.
// Edges at or above the impassable cutoff are excluded in every mode.
func (r *Router) search(ctx context.Context, view *graph.View, from, to graph.NodeID, penaltyM float64) ([]graph.NodeID, []graph.EdgeInfo, error) {
	goalLoc, _ := view.NodeLoc(to)

	gScore := map[graph.NodeID]float64{from: 0}
	parents := make(map[graph.NodeID]cameFrom)
	closed := make(map[graph.NodeID]bool)

	startLoc, _ := view.NodeLoc(from)
	open := &nodeQueue{{id: from, f: geo.Distance(startLoc, goalLoc)}}
	heap.Init(open)

	expansions := 0
	for open.Len() > 0 {
		expansions++
		if expansions%deadlineCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return nil, nil, &Failure{Kind: FailTimeout, Detail: ctx.Err().Error()}
			default:
			}
		}

		cur := heap.Pop(open).(*queueItem)
		if closed[cur.id] {
			continue
		}
		closed[cur.id] = true

		if cur.id == to {
			return reconstruct(from, to, parents)
		}

		for _, e := range view.Neighbors(cur.id) {
			if e.Risk >= r.rcfg.ImpassableRisk || closed[e.To] {
				continue
			}
			// Parallel edges each relax independently; the cheapest one
			// wins the tentative score.
			tentative := gScore[cur.id] + e.LengthM + penaltyM*e.Risk
			if best, seen := gScore[e.To]; seen && tentative >= best {
				continue
			}
			gScore[e.To] = tentative
			parents[e.To] = cameFrom{prev: cur.id, via: e}
			loc, _ := view.NodeLoc(e.To)
			heap.Push(open, &queueItem{id: e.To, f: tentative + geo.Distance(loc, goalLoc)})
		}
	}

	return nil, nil, &Failure{Kind: FailNoSafeRoute, Detail: "search exhausted"}
}

// cameFrom is one parent link in the search tree.
type cameFrom struct {
	prev graph.NodeID
	via  graph.EdgeInfo
}

// reconstruct walks the parent links back from the goal.
func reconstruct(from, to graph.NodeID, parents map[graph.NodeID]cameFrom) ([]graph.NodeID, []graph.EdgeInfo, error) {
	nodes := []graph.NodeID{to}
	var edges []graph.EdgeInfo
	for cur := to; cur != from; {
		p, ok := parents[cur]
		if !ok {
			return nil, nil, &Failure{Kind: FailNoSafeRoute, Detail: "broken parent chain"}
		}
		edges = append(edges, p.via)
		nodes = append(nodes, p.prev)
		cur = p.prev
	}
	// Reverse into start-to-goal order.
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}
	return nodes, edges, nil
}

// assemble builds the plan and its warning annotations. A traversed edge at
// or above the impassable cutoff means the exclusion failed; that is a bug
// and the query fails closed rather than returning a CRITICAL route.
func (r *Router) assemble(view *graph.View, mode Mode, nodes []graph.NodeID, edges []graph.EdgeInfo) (Plan, error) {
	plan := Plan{Nodes: nodes, Mode: mode}
	var riskSum, maxRisk float64
	for _, e := range edges {
		plan.LengthM += e.LengthM
		riskSum += e.Risk
		if e.Risk > maxRisk {
			maxRisk = e.Risk
		}
	}
	if maxRisk >= r.rcfg.ImpassableRisk {
		r.logger.Error("impassable edge survived exclusion",
			slog.Float64("risk", maxRisk), slog.String("mode", string(mode)))
		return Plan{}, &Failure{Kind: FailNoSafeRoute, Detail: "impassable edge in candidate path"}
	}

	plan.MaxRisk = maxRisk
	if len(edges) > 0 {
		plan.AvgRisk = riskSum / float64(len(edges))
	}
	plan.ETASeconds = plan.LengthM / (r.rcfg.AvgSpeedKmh / 3.6)

	for _, id := range nodes {
		loc, ok := view.NodeLoc(id)
		if !ok {
			return Plan{}, &Failure{Kind: FailNoSafeRoute, Detail: "node vanished from snapshot"}
		}
		plan.Path = append(plan.Path, loc)
	}

	switch {
	case maxRisk > 0.6:
		plan.Warnings = append(plan.Warnings, WarnWarning)
	case maxRisk > 0.3:
		plan.Warnings = append(plan.Warnings, WarnCaution)
	default:
		plan.Warnings = append(plan.Warnings, WarnInfo)
	}
	// Keep the most severe tag first.
	if plan.LengthM > r.rcfg.LongRouteKm*1000 && plan.Warnings[0] != WarnWarning {
		plan.Warnings = append([]Warning{WarnWarning}, plan.Warnings...)
	}
	return plan, nil
}

// Evacuate tries the candidate destinations in order of straight-line
// distance from start and returns the first feasible route. Unreachable or
// unsafe candidates are skipped; a deadline failure aborts immediately.
func (r *Router) Evacuate(ctx context.Context, start geo.Point, mode Mode, candidates []geo.Point) (Plan, error) {
	if len(candidates) == 0 {
		return Plan{}, &Failure{Kind: FailNoSafeRoute, Detail: "no evacuation candidates"}
	}

	ordered := append([]geo.Point(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		return geo.Distance(start, ordered[i]) < geo.Distance(start, ordered[j])
	})

	for _, dest := range ordered {
		plan, err := r.Route(ctx, Request{Start: start, End: dest, Mode: mode})
		if err == nil {
			return plan, nil
		}
		if f, ok := AsFailure(err); ok && f.Kind == FailTimeout {
			return Plan{}, err
		}
		r.logger.Debug("evacuation candidate infeasible",
			slog.Float64("lat", dest.Lat), slog.Float64("lon", dest.Lon), slog.Any("error", err))
	}
	return Plan{}, &Failure{Kind: FailNoSafeRoute, Detail: "no feasible evacuation candidate"}
}

// ---------------------------------------------------------------------------
// Priority queue
// ---------------------------------------------------------------------------

type queueItem struct {
	id graph.NodeID
	f  float64
}

// nodeQueue is a lazy-deletion min-heap on f; stale entries are skipped at
// pop via the closed set.
type nodeQueue []*queueItem

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].f < q[j].f }
func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)        { *q = append(*q, x.(*queueItem)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
