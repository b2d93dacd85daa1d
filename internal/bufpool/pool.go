// Package bufpool sub-allocates layer payload segments out of one arena that is
// sized at process start.
//
// Small requests are served from power-of-two size classes whose freed blocks
// are cached per class; larger requests are carved first-fit from an
// offset-ordered list of free extents that is coalesced on release. When the
// extent list cannot satisfy a request, the class caches are drained back into
// it and the request is retried once.
package bufpool

import (
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	// Alignment of every segment offset within the arena.
	Alignment = 16

	minClassShift = 6  // 64 B
	maxClassShift = 20 // 1 MiB
	numClasses    = maxClassShift - minClassShift + 1

	MaxClassSize = 1 << maxClassShift
)

var ErrAllocationExhausted = errors.New("dstore: buffer pool exhausted")

type extent struct {
	off, size int
}

type Stats struct {
	Capacity    int
	InUse       int // bytes held by live segments, rounded to block size
	Cached      int // bytes parked in class caches
	FreeExtents int
	Segments    int
}

// Pool owns the arena. All methods are safe for concurrent use; the mutex only
// guards allocator metadata and is never held while segment bytes are copied.
type Pool struct {
	mu      sync.Mutex
	arena   []byte
	free    []extent
	classes [numClasses][]int
	inUse   int
	cached  int
	live    int
}

func New(size int) (*Pool, error) {
	size &^= Alignment - 1
	if size <= 0 {
		return nil, errors.Errorf("bufpool: arena size must be at least %d bytes", Alignment)
	}
	return &Pool{
		arena: make([]byte, size),
		free:  []extent{{off: 0, size: size}},
	}, nil
}

func (p *Pool) Capacity() int { return len(p.arena) }

// Allocate returns a segment of exactly size bytes.
func (p *Pool) Allocate(size int) (*Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocLocked(size)
}

// AllocateAll allocates one segment per size. Either every allocation
// succeeds, or every segment obtained so far is returned to the pool and
// ErrAllocationExhausted is reported.
func (p *Pool) AllocateAll(sizes []int) ([]*Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	segs := make([]*Segment, 0, len(sizes))
	for i, size := range sizes {
		s, err := p.allocLocked(size)
		if err != nil {
			for _, done := range segs {
				done.released.Store(true)
				p.releaseLocked(done)
			}
			return nil, errors.Wrapf(err, "segment %d of %d (%d bytes)", i+1, len(sizes), size)
		}
		segs = append(segs, s)
	}
	return segs, nil
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:    len(p.arena),
		InUse:       p.inUse,
		Cached:      p.cached,
		FreeExtents: len(p.free),
		Segments:    p.live,
	}
}

func (p *Pool) allocLocked(size int) (*Segment, error) {
	if size < 0 {
		return nil, errors.Errorf("bufpool: negative size %d", size)
	}
	// also keeps alignUp from overflowing
	if size > len(p.arena) {
		return nil, errors.Wrapf(ErrAllocationExhausted, "%d bytes requested, arena is %d", size, len(p.arena))
	}
	class, block := classOf(size)
	if class < 0 {
		block = alignUp(size)
	}

	off := -1
	if class >= 0 {
		if n := len(p.classes[class]); n > 0 {
			off = p.classes[class][n-1]
			p.classes[class] = p.classes[class][:n-1]
			p.cached -= block
		}
	}
	if off < 0 {
		var ok bool
		if off, ok = p.carve(block); !ok {
			p.drainCaches()
			if off, ok = p.carve(block); !ok {
				return nil, ErrAllocationExhausted
			}
		}
	}
	p.inUse += block
	p.live++
	return &Segment{pool: p, off: off, size: size, block: block, class: class}, nil
}

func (p *Pool) releaseLocked(s *Segment) {
	p.inUse -= s.block
	p.live--
	if s.class >= 0 {
		p.classes[s.class] = append(p.classes[s.class], s.off)
		p.cached += s.block
		return
	}
	p.insertFree(extent{off: s.off, size: s.block})
}

// carve takes block bytes from the first free extent large enough.
func (p *Pool) carve(block int) (int, bool) {
	for i := range p.free {
		e := &p.free[i]
		if e.size < block {
			continue
		}
		off := e.off
		e.off += block
		e.size -= block
		if e.size == 0 {
			p.free = append(p.free[:i], p.free[i+1:]...)
		}
		return off, true
	}
	return 0, false
}

func (p *Pool) insertFree(e extent) {
	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].off > e.off })
	p.free = append(p.free, extent{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = e

	// merge with the right neighbour, then the left one
	if i+1 < len(p.free) && p.free[i].off+p.free[i].size == p.free[i+1].off {
		p.free[i].size += p.free[i+1].size
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	if i > 0 && p.free[i-1].off+p.free[i-1].size == p.free[i].off {
		p.free[i-1].size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}

func (p *Pool) drainCaches() {
	for c := range p.classes {
		block := 1 << (c + minClassShift)
		for _, off := range p.classes[c] {
			p.insertFree(extent{off: off, size: block})
		}
		p.classes[c] = p.classes[c][:0]
	}
	p.cached = 0
}

// classOf maps a request size to its size class and block size; class -1
// means the request is served directly from the extent list.
func classOf(size int) (class, block int) {
	if size > MaxClassSize {
		return -1, 0
	}
	shift := minClassShift
	if size > 1<<minClassShift {
		shift = bits.Len(uint(size - 1))
	}
	return shift - minClassShift, 1 << shift
}

func alignUp(n int) int { return (n + Alignment - 1) &^ (Alignment - 1) }

// Segment is an owned slice of the arena. Exactly one holder may call Release;
// the segment must not be touched afterwards.
type Segment struct {
	pool     *Pool
	off      int
	size     int
	block    int
	class    int
	released atomic.Bool
}

// Bytes returns the segment's memory. The slice is capped at the segment size.
func (s *Segment) Bytes() []byte {
	return s.pool.arena[s.off : s.off+s.size : s.off+s.size]
}

func (s *Segment) Len() int    { return s.size }
func (s *Segment) Offset() int { return s.off }

// Release returns the segment to its pool. It reports false if the segment had
// already been released, in which case the pool is left untouched.
func (s *Segment) Release() bool {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return false
	}
	s.pool.mu.Lock()
	s.pool.releaseLocked(s)
	s.pool.mu.Unlock()
	return true
}
