// Package stage holds the mutation staging containers: writes accepted
// by the core are applied to the in-memory index immediately but are
// only reflected on disk once the reconciler next runs. Each container
// is independently mutex-protected to decouple request-handling
// goroutines from the reconciler goroutine; the lock order throughout
// the package is a staging mutex first, the spatial index lock second,
// never the reverse, and the reconciler itself never touches the index
// lock at all.
package stage

import (
	"sync"

	"github.com/grailbio/geoserver/internal/geo"
)

// Inserts buffers objects accepted by InsertBatch/generator writes that
// have not yet been appended to the CSV snapshot. Order is preserved so
// the appended rows come out in acceptance order.
type Inserts struct {
	mu  sync.Mutex
	buf []geo.Object
}

// Add appends objs to the pending insert buffer.
func (s *Inserts) Add(objs ...geo.Object) {
	if len(objs) == 0 {
		return
	}
	s.mu.Lock()
	s.buf = append(s.buf, objs...)
	s.mu.Unlock()
}

// Drain returns everything buffered and empties the buffer. Intended
// for the reconciler's tick: whatever it returns is what gets appended
// to the CSV this cycle.
func (s *Inserts) Drain() []geo.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	out := s.buf
	s.buf = nil
	return out
}

// Len reports the number of objects currently buffered.
func (s *Inserts) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Restore prepends objs back onto the buffer, ahead of anything staged
// since the failed Drain. Used to undo a Drain when the reconciler's
// write attempt fails, so staging stays intact for the next tick.
func (s *Inserts) Restore(objs []geo.Object) {
	if len(objs) == 0 {
		return
	}
	s.mu.Lock()
	s.buf = append(objs, s.buf...)
	s.mu.Unlock()
}

// IDSet buffers ids for deletion, deduplicated by the nature of a Go
// map. The index lookup (by id embedded in payload) is resolved and
// removed from the tree synchronously by the deleting operation; an
// IDSet instead records which ids must not reappear in the CSV
// snapshot and only drains on the reconciler's tick.
type IDSet struct {
	mu  sync.Mutex
	set map[uint64]bool
}

// Add marks id as pending deletion.
func (s *IDSet) Add(id uint64) {
	s.mu.Lock()
	if s.set == nil {
		s.set = make(map[uint64]bool)
	}
	s.set[id] = true
	s.mu.Unlock()
}

// AddAll marks every id in ids as pending deletion.
func (s *IDSet) AddAll(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	if s.set == nil {
		s.set = make(map[uint64]bool, len(ids))
	}
	for _, id := range ids {
		s.set[id] = true
	}
	s.mu.Unlock()
}

// Contains reports whether id is currently staged for deletion.
func (s *IDSet) Contains(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set[id]
}

// Drain returns the staged set itself (not a copy) and leaves the IDSet
// empty.
func (s *IDSet) Drain() map[uint64]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.set) == 0 {
		return nil
	}
	out := s.set
	s.set = nil
	return out
}

// Len reports how many ids are currently staged.
func (s *IDSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

// Restore re-adds every id in ids. Used to undo a Drain when the
// reconciler's write attempt fails.
func (s *IDSet) Restore(ids map[uint64]bool) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	if s.set == nil {
		s.set = make(map[uint64]bool, len(ids))
	}
	for id := range ids {
		s.set[id] = true
	}
	s.mu.Unlock()
}
