// Package graphstore holds, per live model, its layer graph, composition and
// validation accuracy.
//
// Records live in a slot map: a removed slot is recycled with a bumped
// generation, so a Handle held for one model can never resolve to another
// model's record and removal never moves other records.
package graphstore

import (
	"sync"

	"github.com/mcules/dstore/internal/model"
)

type Handle struct {
	index uint32
	gen   uint32
}

// Record is immutable once stored.
type Record struct {
	Graph       *model.LayerGraph
	Composition model.Composition
	Accuracy    float32
}

type slot struct {
	gen uint32
	rec *Record
}

type Store struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
	byID  map[model.ModelID]Handle
}

func New() *Store {
	return &Store{byID: map[model.ModelID]Handle{}}
}

// Put stores the record for g.ID. A previous record under the same id is
// replaced, so the last write is what later reads observe. It reports
// whether a record was replaced.
func (s *Store) Put(g *model.LayerGraph, comp model.Composition, accuracy float32) (Handle, bool) {
	rec := &Record{Graph: g, Composition: comp, Accuracy: accuracy}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, replaced := s.byID[g.ID]
	if replaced {
		s.removeLocked(g.ID)
	}

	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}
	s.slots[idx].rec = rec
	h := Handle{index: idx, gen: s.slots[idx].gen}
	s.byID[g.ID] = h
	return h, replaced
}

// Get resolves a handle. Handles of removed records resolve to nothing.
func (s *Store) Get(h Handle) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(h.index) >= len(s.slots) {
		return nil, false
	}
	sl := s.slots[h.index]
	if sl.gen != h.gen || sl.rec == nil {
		return nil, false
	}
	return sl.rec, true
}

// Composition returns a copy of the stored composition of id; an unknown id
// yields an empty composition.
func (s *Store) Composition(id model.ModelID) model.Composition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byID[id]
	if !ok {
		return model.Composition{}
	}
	return s.slots[h.index].rec.Composition.Clone()
}

// Handle returns the current handle of id.
func (s *Store) Handle(id model.ModelID) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byID[id]
	return h, ok
}

// Remove drops id's record, reporting whether one existed.
func (s *Store) Remove(id model.ModelID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Store) removeLocked(id model.ModelID) bool {
	h, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	s.slots[h.index].rec = nil
	s.slots[h.index].gen++
	s.free = append(s.free, h.index)
	return true
}

// Snapshot returns the live records in slot order. Records are immutable, so
// the result can be scanned without holding the store lock.
func (s *Store) Snapshot() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.byID))
	for _, sl := range s.slots {
		if sl.rec != nil {
			out = append(out, sl.rec)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
