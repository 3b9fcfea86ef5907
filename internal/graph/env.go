package graph

import (
	"sync"

	"github.com/bayanihan-labs/baha/internal/geo"
)

// Env is the graph environment. It exclusively owns all mutable edge state:
// many readers may hold views concurrently while risk writes serialize
// through a single RWMutex. The node and edge sets are fixed after Load.
type Env struct {
	nodes map[NodeID]Node
	edges map[EdgeKey]*edge
	out   map[NodeID][]*edge

	nodeCells map[geo.Cell][]NodeID
	edgeCells map[geo.Cell][]EdgeKey

	cellSizeDeg float64
	maxMapDistM float64

	mu sync.RWMutex // guards every edge's risk field

	// nearestByCoord memoizes NearestNode results keyed by the query
	// point's grid cell. Nodes never move, so entries never invalidate.
	cacheMu        sync.Mutex
	nearestByCoord map[geo.Cell]NodeID
}

// NodeCount returns the number of nodes.
func (e *Env) NodeCount() int { return len(e.nodes) }

// EdgeCount returns the number of edges. It is constant for the lifetime of
// the process.
func (e *Env) EdgeCount() int { return len(e.edges) }

// Node returns the node with the given id.
func (e *Env) Node(id NodeID) (Node, bool) {
	n, ok := e.nodes[id]
	return n, ok
}

// NearestNode maps a query coordinate onto the graph. It returns ErrNotMapped
// when the closest node is farther than the configured mapping distance;
// callers surface that as an unreachable endpoint, never as a silent best
// effort.
func (e *Env) NearestNode(p geo.Point) (NodeID, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	cell := geo.CellOf(p, e.cellSizeDeg)
	e.cacheMu.Lock()
	cached, hit := e.nearestByCoord[cell]
	e.cacheMu.Unlock()
	if hit {
		// The cached node was nearest for some point in this cell;
		// accept it only if it satisfies the bound for this exact query.
		// Otherwise fall through to the full search.
		if geo.Distance(p, e.nodes[cached].Loc) <= e.maxMapDistM {
			return cached, nil
		}
	}

	var (
		best     NodeID
		bestDist = e.maxMapDistM
		found    bool
	)
	for _, c := range geo.CellsInRadius(p, e.maxMapDistM, e.cellSizeDeg) {
		for _, id := range e.nodeCells[c] {
			if d := geo.Distance(p, e.nodes[id].Loc); d <= bestDist {
				best, bestDist, found = id, d, true
			}
		}
	}
	if !found {
		return "", ErrNotMapped
	}

	e.cacheMu.Lock()
	e.nearestByCoord[cell] = best
	e.cacheMu.Unlock()
	return best, nil
}

// EdgesInRadius returns the keys of all edges whose midpoint lies within
// rMeters of p. The grid index bounds the probe set; exact great-circle
// distance does the final filter, inclusive at exactly rMeters.
func (e *Env) EdgesInRadius(p geo.Point, rMeters float64) []EdgeKey {
	if !p.Valid() || rMeters <= 0 {
		return nil
	}
	var keys []EdgeKey
	for _, c := range geo.CellsInRadius(p, rMeters, e.cellSizeDeg) {
		for _, k := range e.edgeCells[c] {
			if geo.Distance(p, e.edges[k].midpoint) <= rMeters {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// UpdateEdgeRisk mutates one edge's risk. The value is clamped into [0, 1]
// on write so the unit-interval invariant holds no matter what the fusion
// arithmetic produced. Prefer BatchUpdateEdgeRisks during fusion.
func (e *Env) UpdateEdgeRisk(key EdgeKey, risk float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ed, ok := e.edges[key]
	if !ok {
		return ErrUnknownEdge
	}
	ed.risk = geo.Clamp01(risk)
	return nil
}

// BatchUpdateEdgeRisks applies all updates under one write-lock acquisition
// so concurrent readers observe consistent per-tick states. Unknown edges
// abort the whole batch before any mutation; applying the same batch twice
// is idempotent.
func (e *Env) BatchUpdateEdgeRisks(updates []RiskUpdate) error {
	for _, u := range updates {
		if _, ok := e.edges[u.Key]; !ok {
			return ErrUnknownEdge
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range updates {
		e.edges[u.Key].risk = geo.Clamp01(u.Risk)
	}
	return nil
}

// RiskMap returns a copy of the current per-edge risk map. Used for the
// warm-restart snapshot and the status probe.
func (e *Env) RiskMap() map[EdgeKey]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m := make(map[EdgeKey]float64, len(e.edges))
	for k, ed := range e.edges {
		m[k] = ed.risk
	}
	return m
}

// EdgeMidpoint returns the midpoint of the edge with the given key.
func (e *Env) EdgeMidpoint(key EdgeKey) (geo.Point, bool) {
	ed, ok := e.edges[key]
	if !ok {
		return geo.Point{}, false
	}
	return ed.midpoint, true
}

// EdgeInfo is one outgoing edge as seen through a View.
type EdgeInfo struct {
	Key     EdgeKey
	To      NodeID
	LengthM float64
	Risk    float64
}

// View is an immutable read view of the graph taken at a single instant.
// Risk values are copied out under the read lock, so a route search running
// against a View is never perturbed by a mid-flight fusion write.
type View struct {
	env   *Env
	risks map[EdgeKey]float64
}

// Snapshot captures the current risk state into a View. It briefly holds
// the read lock while copying; topology is shared, not copied.
func (e *Env) Snapshot() *View {
	return &View{env: e, risks: e.RiskMap()}
}

// Neighbors returns the outgoing edges of id with the risks frozen at
// snapshot time.
func (v *View) Neighbors(id NodeID) []EdgeInfo {
	outs := v.env.out[id]
	if len(outs) == 0 {
		return nil
	}
	infos := make([]EdgeInfo, len(outs))
	for i, ed := range outs {
		infos[i] = EdgeInfo{
			Key:     ed.key,
			To:      ed.key.V,
			LengthM: ed.lengthM,
			Risk:    v.risks[ed.key],
		}
	}
	return infos
}

// NodeLoc returns the position of id.
func (v *View) NodeLoc(id NodeID) (geo.Point, bool) {
	n, ok := v.env.nodes[id]
	return n.Loc, ok
}

// Risk returns the frozen risk of the edge with the given key.
func (v *View) Risk(key EdgeKey) (float64, bool) {
	r, ok := v.risks[key]
	return r, ok
}

// EdgeCount returns the number of edges in the underlying graph.
func (v *View) EdgeCount() int { return v.env.EdgeCount() }
