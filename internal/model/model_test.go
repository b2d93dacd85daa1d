package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildGraph(t *testing.T) {
	g, err := BuildGraph(7, []LayerID{0, 1, 1, 2, 0, 2, 0, 1})
	require.NoError(t, err)
	require.Equal(t, ModelID(7), g.ID)
	require.Equal(t, LayerID(0), g.Root)
	require.Equal(t, 3, g.NumEdges(), "duplicate edge is dropped")
	require.Equal(t, 1, g.InDegree[1])
	require.Equal(t, 2, g.InDegree[2])
	require.Equal(t, []LayerID{1, 2}, g.Successors(0))
	require.Equal(t, []LayerID{0, 1, 2}, g.Vertices())
	require.NoError(t, g.Validate())
}

func TestBuildGraphRejectsBadEdgeLists(t *testing.T) {
	for _, edges := range [][]LayerID{nil, {1}, {1, 2, 3}} {
		_, err := BuildGraph(1, edges)
		require.True(t, errors.Is(err, ErrInvalidGraph), "edges %v", edges)
	}
}

func TestValidate(t *testing.T) {
	t.Run("second root", func(t *testing.T) {
		g := NewLayerGraph(1, 0)
		g.AddEdge(0, 2)
		g.AddEdge(1, 2)
		require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
	})
	t.Run("cycle", func(t *testing.T) {
		g := NewLayerGraph(1, 0)
		g.AddEdge(0, 1)
		g.AddEdge(1, 2)
		g.AddEdge(2, 1)
		require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
	})
	t.Run("root with in-edge", func(t *testing.T) {
		g := NewLayerGraph(1, 1)
		g.AddEdge(0, 1)
		require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
	})
	t.Run("inconsistent in-degree", func(t *testing.T) {
		g := NewLayerGraph(1, 0)
		g.AddEdge(0, 1)
		g.InDegree[1] = 2
		require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
	})
	t.Run("single vertex", func(t *testing.T) {
		require.NoError(t, NewLayerGraph(1, 5).Validate())
	})
}

func TestComposition(t *testing.T) {
	comp, err := BuildComposition([]LayerID{0, 3, 2}, []ModelID{1, 2, 1}, []uint64{80, 512, 80})
	require.NoError(t, err)
	require.Equal(t, Placement{Owner: 2, Size: 512}, comp[3])
	require.Equal(t, map[ModelID][]LayerID{1: {0, 2}, 2: {3}}, comp.GroupByOwner())

	_, err = BuildComposition([]LayerID{0}, nil, []uint64{1})
	require.ErrorIs(t, err, ErrInvalidComposition)
}

func TestPrefixBetter(t *testing.T) {
	short := Prefix{Model: 1, Vertices: []LayerID{0}, Accuracy: 0.9}
	long := Prefix{Model: 2, Vertices: []LayerID{0, 1}, Accuracy: 0.1}
	require.True(t, long.Better(short))
	require.False(t, short.Better(long))

	tied := Prefix{Model: 3, Vertices: []LayerID{0, 1}, Accuracy: 0.5}
	require.True(t, tied.Better(long))
	require.False(t, long.Better(tied))
	require.False(t, tied.Better(tied), "equal candidates keep the incumbent")
}
