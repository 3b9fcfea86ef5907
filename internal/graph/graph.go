// Package graph implements the road-graph environment: it owns the directed
// multigraph loaded at startup, the spatial index over edge midpoints, and
// the single synchronized write path for per-edge risk scores. All other
// components read through immutable views; only the hazard fusion engine
// writes, and only through the batched update entry points.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/bayanihan-labs/baha/internal/geo"
)

// NodeID is the stable identifier of a road-graph node.
type NodeID string

// EdgeKey identifies one directed edge in the multigraph. Index
// disambiguates parallel edges between the same node pair.
type EdgeKey struct {
	U     NodeID `json:"u"`
	V     NodeID `json:"v"`
	Index int    `json:"index"`
}

// String renders the key in the "u->v#i" form used in logs.
func (k EdgeKey) String() string {
	return fmt.Sprintf("%s->%s#%d", k.U, k.V, k.Index)
}

// Node is a graph vertex with its WGS84 position.
type Node struct {
	ID  NodeID
	Loc geo.Point
}

// edge is the internal mutable edge record. Risk is the only field that
// changes after load; it is guarded by the environment's lock.
type edge struct {
	key      EdgeKey
	lengthM  float64
	geometry []geo.Point
	midpoint geo.Point
	risk     float64
}

// RiskUpdate pairs an edge key with its new risk score. Batches of these are
// applied under a single write-lock acquisition.
type RiskUpdate struct {
	Key  EdgeKey
	Risk float64
}

// ErrNotMapped is returned by NearestNode when the query point is farther
// from every node than the configured mapping distance.
var ErrNotMapped = errors.New("graph: coordinate not mapped to any node")

// ErrUnknownEdge is returned when a risk update names an edge that does not
// exist. The edge set is fixed for the lifetime of the process.
var ErrUnknownEdge = errors.New("graph: unknown edge")

// graphFile is the on-disk JSON representation of the road graph.
type graphFile struct {
	Nodes []nodeRecord `json:"nodes"`
	Edges []edgeRecord `json:"edges"`
}

type nodeRecord struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type edgeRecord struct {
	U        string       `json:"u"`
	V        string       `json:"v"`
	Index    int          `json:"index"`
	LengthM  float64      `json:"length_m"`
	Geometry [][2]float64 `json:"geometry,omitempty"`
}

// Load reads and validates the road graph at path and builds the environment
// with the given spatial parameters. Any malformed record is fatal: the
// daemon must not start serving on a partial graph.
func Load(path string, cellSizeDeg, maxMappingDistanceM float64) (*Env, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graph: cannot read %q: %w", path, err)
	}

	var gf graphFile
	if err := json.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("graph: cannot parse %q: %w", path, err)
	}

	return build(gf, cellSizeDeg, maxMappingDistanceM)
}

// NodeSpec and EdgeSpec describe a graph assembled programmatically, the
// in-memory equivalent of the JSON records. New is the entry point used by
// tests and scenario tooling.
type NodeSpec struct {
	ID  NodeID
	Lat float64
	Lon float64
}

// EdgeSpec describes one directed edge for New.
type EdgeSpec struct {
	U       NodeID
	V       NodeID
	Index   int
	LengthM float64
}

// New builds an environment from in-memory specs, applying the same
// validation as Load.
func New(nodes []NodeSpec, edges []EdgeSpec, cellSizeDeg, maxMappingDistanceM float64) (*Env, error) {
	gf := graphFile{
		Nodes: make([]nodeRecord, len(nodes)),
		Edges: make([]edgeRecord, len(edges)),
	}
	for i, n := range nodes {
		gf.Nodes[i] = nodeRecord{ID: string(n.ID), Lat: n.Lat, Lon: n.Lon}
	}
	for i, e := range edges {
		gf.Edges[i] = edgeRecord{U: string(e.U), V: string(e.V), Index: e.Index, LengthM: e.LengthM}
	}
	return build(gf, cellSizeDeg, maxMappingDistanceM)
}

// build assembles the environment from a parsed graph file. Split from Load
// so tests can construct graphs without touching the filesystem.
func build(gf graphFile, cellSizeDeg, maxMappingDistanceM float64) (*Env, error) {
	if len(gf.Nodes) == 0 {
		return nil, errors.New("graph: no nodes")
	}
	if cellSizeDeg <= 0 {
		return nil, fmt.Errorf("graph: cell size %v must be positive", cellSizeDeg)
	}

	env := &Env{
		nodes:          make(map[NodeID]Node, len(gf.Nodes)),
		edges:          make(map[EdgeKey]*edge, len(gf.Edges)),
		out:            make(map[NodeID][]*edge, len(gf.Nodes)),
		nodeCells:      make(map[geo.Cell][]NodeID),
		edgeCells:      make(map[geo.Cell][]EdgeKey),
		cellSizeDeg:    cellSizeDeg,
		maxMapDistM:    maxMappingDistanceM,
		nearestByCoord: make(map[geo.Cell]NodeID),
	}

	for i, nr := range gf.Nodes {
		p := geo.Point{Lat: nr.Lat, Lon: nr.Lon}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("graph: nodes[%d] %q: %w", i, nr.ID, err)
		}
		id := NodeID(nr.ID)
		if id == "" {
			return nil, fmt.Errorf("graph: nodes[%d]: empty id", i)
		}
		if _, dup := env.nodes[id]; dup {
			return nil, fmt.Errorf("graph: duplicate node id %q", nr.ID)
		}
		env.nodes[id] = Node{ID: id, Loc: p}
		cell := geo.CellOf(p, cellSizeDeg)
		env.nodeCells[cell] = append(env.nodeCells[cell], id)
	}

	for i, er := range gf.Edges {
		key := EdgeKey{U: NodeID(er.U), V: NodeID(er.V), Index: er.Index}
		u, ok := env.nodes[key.U]
		if !ok {
			return nil, fmt.Errorf("graph: edges[%d] %s: unknown source node", i, key)
		}
		v, ok := env.nodes[key.V]
		if !ok {
			return nil, fmt.Errorf("graph: edges[%d] %s: unknown target node", i, key)
		}
		if er.LengthM <= 0 {
			return nil, fmt.Errorf("graph: edges[%d] %s: length %v must be positive", i, key, er.LengthM)
		}
		if _, dup := env.edges[key]; dup {
			return nil, fmt.Errorf("graph: duplicate edge %s", key)
		}

		e := &edge{
			key:      key,
			lengthM:  er.LengthM,
			midpoint: geo.Midpoint(u.Loc, v.Loc),
		}
		for j, pair := range er.Geometry {
			p := geo.Point{Lat: pair[0], Lon: pair[1]}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("graph: edges[%d] %s geometry[%d]: %w", i, key, j, err)
			}
			e.geometry = append(e.geometry, p)
		}

		env.edges[key] = e
		env.out[key.U] = append(env.out[key.U], e)
		cell := geo.CellOf(e.midpoint, cellSizeDeg)
		env.edgeCells[cell] = append(env.edgeCells[cell], key)
	}

	return env, nil
}
