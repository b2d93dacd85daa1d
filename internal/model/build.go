package model

import (
	"github.com/pkg/errors"
)

// BuildGraph builds a graph from a flat edge list [u0, v0, u1, v1, ...]. The
// source of the first edge is taken as the root.
func BuildGraph(id ModelID, edges []LayerID) (*LayerGraph, error) {
	if len(edges) < 2 || len(edges)%2 != 0 {
		return nil, errors.Wrapf(ErrInvalidGraph, "edge list of length %d", len(edges))
	}
	g := NewLayerGraph(id, edges[0])
	for i := 0; i < len(edges); i += 2 {
		g.AddEdge(edges[i], edges[i+1])
	}
	return g, nil
}

// BuildComposition zips parallel layer, owner and size lists.
func BuildComposition(layers []LayerID, owners []ModelID, sizes []uint64) (Composition, error) {
	if len(layers) != len(owners) || len(layers) != len(sizes) {
		return nil, errors.Wrapf(ErrInvalidComposition, "%d layers, %d owners, %d sizes",
			len(layers), len(owners), len(sizes))
	}
	comp := make(Composition, len(layers))
	for i, lid := range layers {
		comp[lid] = Placement{Owner: owners[i], Size: sizes[i]}
	}
	return comp, nil
}

// Validate checks that InDegree agrees with OutEdges and that every vertex is
// reachable from Root, i.e. Root is the single synthetic root of a DAG.
func (g *LayerGraph) Validate() error {
	if g == nil {
		return errors.Wrap(ErrInvalidGraph, "nil graph")
	}
	counted := map[LayerID]int{}
	for _, succ := range g.OutEdges {
		for v := range succ {
			counted[v]++
		}
	}
	for v, n := range g.InDegree {
		if counted[v] != n {
			return errors.Wrapf(ErrInvalidGraph, "vertex %d: in-degree %d, %d in-edges", v, n, counted[v])
		}
	}
	for v, n := range counted {
		if g.InDegree[v] != n {
			return errors.Wrapf(ErrInvalidGraph, "vertex %d: in-degree %d, %d in-edges", v, g.InDegree[v], n)
		}
	}
	if g.InDegree[g.Root] != 0 {
		return errors.Wrapf(ErrInvalidGraph, "root %d has in-edges", g.Root)
	}

	// Kahn's walk from the root must drain the whole graph.
	remaining := make(map[LayerID]int, len(g.InDegree))
	for v, n := range g.InDegree {
		remaining[v] = n
	}
	queue := []LayerID{g.Root}
	seen := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		seen++
		for v := range g.OutEdges[u] {
			remaining[v]--
			if remaining[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	if total := len(g.Vertices()); seen != total {
		return errors.Wrapf(ErrInvalidGraph, "%d of %d vertices reachable from root %d (cycle or second root)",
			seen, total, g.Root)
	}
	return nil
}
