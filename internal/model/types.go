package model

import (
	"errors"
	"sort"
)

// ModelID identifies a model. LayerID identifies a layer, which is also a vertex
// of the model's layer graph.
type (
	ModelID uint64
	LayerID uint64
)

var (
	ErrInvalidGraph       = errors.New("dstore: invalid layer graph")
	ErrInvalidComposition = errors.New("dstore: invalid composition")
)

// LayerGraph is the layer dependency DAG of one model. Graphs with several
// true roots must be merged behind a single synthetic root before submission.
// A stored graph is never mutated.
type LayerGraph struct {
	ID       ModelID
	Root     LayerID
	OutEdges map[LayerID]map[LayerID]struct{}
	InDegree map[LayerID]int
}

func NewLayerGraph(id ModelID, root LayerID) *LayerGraph {
	return &LayerGraph{
		ID:       id,
		Root:     root,
		OutEdges: map[LayerID]map[LayerID]struct{}{},
		InDegree: map[LayerID]int{},
	}
}

// AddEdge inserts u -> v. Duplicate edges are ignored so that InDegree keeps
// matching the edge set.
func (g *LayerGraph) AddEdge(u, v LayerID) {
	succ, ok := g.OutEdges[u]
	if !ok {
		succ = map[LayerID]struct{}{}
		g.OutEdges[u] = succ
	}
	if _, dup := succ[v]; dup {
		return
	}
	succ[v] = struct{}{}
	g.InDegree[v]++
}

func (g *LayerGraph) HasEdge(u, v LayerID) bool {
	_, ok := g.OutEdges[u][v]
	return ok
}

// Successors returns the out-neighbours of u in ascending order.
func (g *LayerGraph) Successors(u LayerID) []LayerID {
	succ := g.OutEdges[u]
	out := make([]LayerID, 0, len(succ))
	for v := range succ {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Vertices returns every vertex of the graph (root included) in ascending order.
func (g *LayerGraph) Vertices() []LayerID {
	seen := map[LayerID]struct{}{g.Root: {}}
	for u, succ := range g.OutEdges {
		seen[u] = struct{}{}
		for v := range succ {
			seen[v] = struct{}{}
		}
	}
	out := make([]LayerID, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *LayerGraph) NumEdges() int {
	n := 0
	for _, succ := range g.OutEdges {
		n += len(succ)
	}
	return n
}

// Placement records which model owns the physical bytes of a layer, and their size.
type Placement struct {
	Owner ModelID
	Size  uint64
}

// Composition maps every layer referenced by a model to its current placement.
type Composition map[LayerID]Placement

// GroupByOwner returns, per owner, the layers of c it owns in ascending order.
func (c Composition) GroupByOwner() map[ModelID][]LayerID {
	out := map[ModelID][]LayerID{}
	for lid, p := range c {
		out[p.Owner] = append(out[p.Owner], lid)
	}
	for _, lids := range out {
		sort.Slice(lids, func(i, j int) bool { return lids[i] < lids[j] })
	}
	return out
}

func (c Composition) Clone() Composition {
	if c == nil {
		return nil
	}
	out := make(Composition, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Prefix is the outcome of a prefix query: the stored model sharing the longest
// common prefix with the query graph, and the prefix vertices in discovery order.
type Prefix struct {
	Model    ModelID
	Vertices []LayerID
	Accuracy float32
}

func (p Prefix) Len() int { return len(p.Vertices) }

// Better reports whether p should replace cur as the best candidate: longer
// prefixes win, equal lengths are decided by accuracy.
func (p Prefix) Better(cur Prefix) bool {
	if p.Len() != cur.Len() {
		return p.Len() > cur.Len()
	}
	return p.Accuracy > cur.Accuracy
}
