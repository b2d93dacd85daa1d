// Package prefix computes the generalized longest common prefix between a
// query graph and stored graphs.
//
// A vertex joins the prefix only once every one of its incoming edges, in
// whichever of the two graphs has more of them, has been matched from inside
// the prefix. A vertex reachable through only some of its merge paths is not
// part of the shared prefix.
package prefix

import (
	"github.com/mcules/dstore/internal/graphstore"
	"github.com/mcules/dstore/internal/model"
)

// Common returns the common prefix of child and parent in BFS discovery order,
// starting at child.Root. Graphs rooted at different vertices share nothing.
func Common(child, parent *model.LayerGraph) []model.LayerID {
	if child.Root != parent.Root {
		return nil
	}
	frontier := []model.LayerID{child.Root}
	visits := map[model.LayerID]int{}
	var out []model.LayerID

	for len(frontier) > 0 {
		u := frontier[0]
		frontier = frontier[1:]
		out = append(out, u)

		psucc, ok := parent.OutEdges[u]
		if !ok {
			continue
		}
		for _, v := range child.Successors(u) {
			if _, shared := psucc[v]; !shared {
				continue
			}
			visits[v]++
			if visits[v] == max(child.InDegree[v], parent.InDegree[v]) {
				frontier = append(frontier, v)
			}
		}
	}
	return out
}

// Best scans every record and returns the one sharing the longest prefix with
// child; equal lengths go to the higher accuracy and remaining ties to the
// earliest record. An empty scan yields the zero Prefix.
func Best(child *model.LayerGraph, records []*graphstore.Record) model.Prefix {
	var best model.Prefix
	for _, rec := range records {
		vs := Common(child, rec.Graph)
		if len(vs) == 0 {
			continue
		}
		cand := model.Prefix{Model: rec.Graph.ID, Vertices: vs, Accuracy: rec.Accuracy}
		if best.Len() == 0 || cand.Better(best) {
			best = cand
		}
	}
	if best.Vertices == nil {
		best.Vertices = []model.LayerID{}
	}
	return best
}
