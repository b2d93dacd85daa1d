package bufpool

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	for _, tc := range []struct {
		size, class, block int
	}{
		{0, 0, 64},
		{1, 0, 64},
		{64, 0, 64},
		{65, 1, 128},
		{4096, 6, 4096},
		{MaxClassSize, numClasses - 1, MaxClassSize},
		{MaxClassSize + 1, -1, 0},
	} {
		class, block := classOf(tc.size)
		require.Equal(t, tc.class, class, "size %d", tc.size)
		require.Equal(t, tc.block, block, "size %d", tc.size)
	}
}

func TestAllocateAndRelease(t *testing.T) {
	p, err := New(1 << 12)
	require.NoError(t, err)

	s, err := p.Allocate(100)
	require.NoError(t, err)
	require.Len(t, s.Bytes(), 100)
	require.Equal(t, 100, cap(s.Bytes()))
	require.Zero(t, s.Offset()%Alignment)
	require.Equal(t, 128, p.Stats().InUse)

	copy(s.Bytes(), "payload")
	require.True(t, s.Release())
	require.False(t, s.Release(), "second release is a no-op")

	st := p.Stats()
	require.Zero(t, st.InUse)
	require.Equal(t, 128, st.Cached)
	require.Zero(t, st.Segments)

	// the cached block is reused for the same class
	s2, err := p.Allocate(120)
	require.NoError(t, err)
	require.Equal(t, s.Offset(), s2.Offset())
}

func TestSegmentsDoNotOverlap(t *testing.T) {
	p, err := New(1 << 16)
	require.NoError(t, err)

	segs, err := p.AllocateAll([]int{10, 700, 3000, 64, 5000})
	require.NoError(t, err)
	for i, a := range segs {
		for j, b := range segs {
			if i == j {
				continue
			}
			require.True(t, a.Offset()+a.Len() <= b.Offset() || b.Offset()+b.Len() <= a.Offset(),
				"segments %d and %d overlap", i, j)
		}
	}
}

func TestAllocateAllRollsBack(t *testing.T) {
	p, err := New(1 << 12)
	require.NoError(t, err)

	_, err = p.AllocateAll([]int{1024, 1024, 4096})
	require.True(t, errors.Is(err, ErrAllocationExhausted))

	st := p.Stats()
	require.Zero(t, st.InUse)
	require.Zero(t, st.Segments)

	// the whole arena is still usable for a single large request
	s, err := p.Allocate(1 << 12)
	require.NoError(t, err)
	require.Equal(t, 0, s.Offset())
}

func TestOversizedRequestLeavesPoolIntact(t *testing.T) {
	p, err := New(1 << 12)
	require.NoError(t, err)
	keep, err := p.Allocate(100)
	require.NoError(t, err)
	before := p.Stats()

	for _, size := range []int{math.MaxInt, math.MaxInt - Alignment + 2, 1<<12 + 1} {
		_, err = p.Allocate(size)
		require.True(t, errors.Is(err, ErrAllocationExhausted), "size %d", size)
		require.Equal(t, before, p.Stats(), "size %d", size)
	}
	_, err = p.AllocateAll([]int{16, math.MaxInt})
	require.True(t, errors.Is(err, ErrAllocationExhausted))
	require.Contains(t, err.Error(), "segment 2 of 2")
	require.Equal(t, before, p.Stats())

	// the arena still serves normal requests after the rejections
	s, err := p.Allocate(1 << 11)
	require.NoError(t, err)
	require.Len(t, s.Bytes(), 1<<11)
	require.True(t, keep.Release())
}

func TestLargeSegmentsCoalesce(t *testing.T) {
	size := 4 * MaxClassSize
	p, err := New(size)
	require.NoError(t, err)

	a, err := p.Allocate(MaxClassSize + 16)
	require.NoError(t, err)
	b, err := p.Allocate(MaxClassSize + 16)
	require.NoError(t, err)
	require.True(t, a.Release())
	require.True(t, b.Release())
	require.Equal(t, 1, p.Stats().FreeExtents)

	all, err := p.Allocate(size)
	require.NoError(t, err)
	require.Equal(t, size, all.Len())
}

func TestCachesDrainUnderPressure(t *testing.T) {
	p, err := New(1 << 12)
	require.NoError(t, err)

	var small []*Segment
	for i := 0; i < 16; i++ {
		s, err := p.Allocate(256)
		require.NoError(t, err)
		small = append(small, s)
	}
	_, err = p.Allocate(64)
	require.ErrorIs(t, err, ErrAllocationExhausted)

	for _, s := range small {
		require.True(t, s.Release())
	}
	require.Equal(t, 1<<12, p.Stats().Cached)

	// a 2 KiB class block needs the cached 256 B blocks merged back
	s, err := p.Allocate(2048)
	require.NoError(t, err)
	require.Equal(t, 2048, s.Len())
	require.Zero(t, p.Stats().Cached)
}

func TestConcurrentAllocate(t *testing.T) {
	p, err := New(1 << 20)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s, err := p.Allocate(64 + (w*i)%900)
				if err != nil {
					t.Error(err)
					return
				}
				s.Bytes()[0] = byte(w)
				s.Release()
			}
		}(w)
	}
	wg.Wait()
	require.Zero(t, p.Stats().InUse)
}

func TestNewRejectsTinyArena(t *testing.T) {
	_, err := New(8)
	require.Error(t, err)
}
