// Package layerstore keeps the stored copies of every layer, one per owning
// model, together with their reference counts.
//
// Locking: Store.mu guards only the layer id -> record map and is held just long
// enough to find, create or drop a record. Each record has its own mutex
// guarding its owner map. A record mutex is only ever taken after Store.mu,
// never the reverse, and when several record mutexes are needed they are taken
// in ascending layer id order. A record whose last copy was evicted is dropped
// from the map and marked dead; writers holding a dead record retry.
package layerstore

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"

	"github.com/mcules/dstore/internal/bufpool"
	"github.com/mcules/dstore/internal/model"
)

var ErrLayerNotFound = errors.New("dstore: layer not found")

type Outcome int

const (
	NotFound Outcome = iota
	Retained
	Evicted
)

func (o Outcome) String() string {
	switch o {
	case Retained:
		return "retained"
	case Evicted:
		return "evicted"
	default:
		return "not-found"
	}
}

// held wraps a segment with the number of open leases on it. A dropped segment
// goes back to the pool once the last lease is closed.
type held struct {
	seg     *bufpool.Segment
	pins    int
	dropped bool
}

type entry struct {
	cur      *held
	refCount int
}

type record struct {
	mu     sync.Mutex
	owners map[model.ModelID]*entry
	// dead is set, under both locks, once the record left Store.layers.
	dead bool
}

type Store struct {
	mu      sync.Mutex
	layers  map[model.LayerID]*record
	entries atomic.Int64
}

func New() *Store {
	return &Store{layers: map[model.LayerID]*record{}}
}

func (s *Store) findOrCreate(lid model.LayerID) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.layers[lid]
	if !ok {
		r = &record{owners: map[model.ModelID]*entry{}}
		s.layers[lid] = r
	}
	return r
}

// prune drops the record of lid once its last copy is gone. Locks follow the
// store -> layer order.
func (s *Store) prune(lid model.LayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.layers[lid]
	if r == nil {
		return
	}
	r.mu.Lock()
	if len(r.owners) == 0 {
		r.dead = true
		delete(s.layers, lid)
	}
	r.mu.Unlock()
}

// Records returns the number of layer ids with at least one stored copy.
func (s *Store) Records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.layers)
}

func (s *Store) find(lid model.LayerID) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layers[lid]
}

// Install records seg as the copy of layer lid owned by owner, taking
// ownership of seg. An existing copy is replaced and its segment released only
// after the new one is in place; the reference count carries over. A new
// entry starts with a reference count of one. It reports whether an existing
// copy was replaced.
func (s *Store) Install(lid model.LayerID, owner model.ModelID, seg *bufpool.Segment) bool {
	r := s.findOrCreate(lid)
	r.mu.Lock()
	for r.dead {
		r.mu.Unlock()
		r = s.findOrCreate(lid)
		r.mu.Lock()
	}

	e, ok := r.owners[owner]
	if !ok {
		r.owners[owner] = &entry{cur: &held{seg: seg}, refCount: 1}
		r.mu.Unlock()
		s.entries.Add(1)
		return false
	}
	old := e.cur
	e.cur = &held{seg: seg}
	old.dropped = true
	release := old.pins == 0
	r.mu.Unlock()

	if release {
		old.seg.Release()
	}
	return true
}

// Lease pins one layer copy so that its bytes stay valid until Close, even if
// the copy is evicted or replaced in the meantime.
type Lease struct {
	Layer model.LayerID
	rec   *record
	h     *held
	once  sync.Once
}

func (l *Lease) Bytes() []byte { return l.h.seg.Bytes() }
func (l *Lease) Len() int      { return l.h.seg.Len() }

func (l *Lease) Close() {
	l.once.Do(func() {
		l.rec.mu.Lock()
		l.h.pins--
		release := l.h.dropped && l.h.pins == 0
		l.rec.mu.Unlock()
		if release {
			l.h.seg.Release()
		}
	})
}

// Lookup leases the copy of lid owned by owner.
func (s *Store) Lookup(lid model.LayerID, owner model.ModelID) (*Lease, error) {
	r := s.find(lid)
	if r == nil {
		return nil, pkgerrors.Wrapf(ErrLayerNotFound, "layer %d owner %d", lid, owner)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.owners[owner]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrLayerNotFound, "layer %d owner %d", lid, owner)
	}
	e.cur.pins++
	return &Lease{Layer: lid, rec: r, h: e.cur}, nil
}

// LookupAll leases every layer in request order. If any layer is missing, the
// leases taken so far are closed and ErrLayerNotFound is returned.
func (s *Store) LookupAll(lids []model.LayerID, owner model.ModelID) ([]*Lease, error) {
	leases := make([]*Lease, 0, len(lids))
	for _, lid := range lids {
		l, err := s.Lookup(lid, owner)
		if err != nil {
			CloseAll(leases)
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, nil
}

func CloseAll(leases []*Lease) {
	for _, l := range leases {
		l.Close()
	}
}

// AdjustRef adds delta to the reference count of one layer copy; a count that
// drops to zero or below evicts the copy.
func (s *Store) AdjustRef(lid model.LayerID, owner model.ModelID, delta int) Outcome {
	r := s.find(lid)
	if r == nil {
		return NotFound
	}
	r.mu.Lock()
	e, ok := r.owners[owner]
	if !ok {
		r.mu.Unlock()
		return NotFound
	}
	e.refCount += delta
	if e.refCount > 0 {
		r.mu.Unlock()
		return Retained
	}
	release := s.evictLocked(r, owner, e)
	empty := len(r.owners) == 0
	r.mu.Unlock()
	if release != nil {
		release.Release()
	}
	if empty {
		s.prune(lid)
	}
	return Evicted
}

// AdjustRefs applies delta to every named layer copy of owner, all or nothing:
// every copy is checked to exist, under its record lock, before any count
// changes. A layer named k times receives k*delta. It returns the evicted
// layers in ascending order.
func (s *Store) AdjustRefs(owner model.ModelID, lids []model.LayerID, delta int) ([]model.LayerID, error) {
	times := map[model.LayerID]int{}
	for _, lid := range lids {
		times[lid]++
	}
	order := make([]model.LayerID, 0, len(times))
	for lid := range times {
		order = append(order, lid)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	recs := make([]*record, len(order))
	unlock := func() {
		for _, r := range recs {
			r.mu.Unlock()
		}
	}
	for {
		s.mu.Lock()
		for i, lid := range order {
			recs[i] = s.layers[lid]
		}
		s.mu.Unlock()

		for i, r := range recs {
			if r == nil {
				return nil, pkgerrors.Wrapf(ErrLayerNotFound, "layer %d owner %d", order[i], owner)
			}
		}
		for _, r := range recs {
			r.mu.Lock()
		}
		// a record pruned since the lookup may have a successor in the map
		stale := false
		for _, r := range recs {
			stale = stale || r.dead
		}
		if !stale {
			break
		}
		unlock()
	}

	for i, r := range recs {
		if _, ok := r.owners[owner]; !ok {
			unlock()
			return nil, pkgerrors.Wrapf(ErrLayerNotFound, "layer %d owner %d", order[i], owner)
		}
	}

	var (
		evicted  []model.LayerID
		emptied  []model.LayerID
		releases []*bufpool.Segment
	)
	for i, r := range recs {
		e := r.owners[owner]
		e.refCount += delta * times[order[i]]
		if e.refCount > 0 {
			continue
		}
		if seg := s.evictLocked(r, owner, e); seg != nil {
			releases = append(releases, seg)
		}
		evicted = append(evicted, order[i])
		if len(r.owners) == 0 {
			emptied = append(emptied, order[i])
		}
	}
	unlock()

	for _, seg := range releases {
		seg.Release()
	}
	for _, lid := range emptied {
		s.prune(lid)
	}
	return evicted, nil
}

// evictLocked removes owner's entry from r. It returns the segment to release
// once r.mu is dropped, or nil if open leases still pin it.
func (s *Store) evictLocked(r *record, owner model.ModelID, e *entry) *bufpool.Segment {
	delete(r.owners, owner)
	s.entries.Add(-1)
	e.cur.dropped = true
	if e.cur.pins > 0 {
		return nil
	}
	return e.cur.seg
}

// RefCount returns the reference count of a stored copy.
func (s *Store) RefCount(lid model.LayerID, owner model.ModelID) (int, bool) {
	r := s.find(lid)
	if r == nil {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.owners[owner]
	if !ok {
		return 0, false
	}
	return e.refCount, true
}

// Entries returns the number of stored (layer, owner) copies.
func (s *Store) Entries() int { return int(s.entries.Load()) }
