package entity

import (
	"sync"

	"github.com/zeusync/hotswap/internal/core/models"
)

// Allocator issues and recycles entity identifiers.
//
// Each slot records the generation of its current (or last) occupant. Freeing
// a slot leaves the generation untouched; the next allocation of that slot bumps
// it, so every stale copy of the old identifier stops validating.
//
// Generations are 32-bit and wrap. After 2^32 reuses of one slot a stale handle
// can validate again. This is accepted: guarding it would cost a branch on every
// validation.
type Allocator struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
	live  int
}

type slot struct {
	generation uint32
	alive      bool
}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate returns a fresh identifier, reusing a freed slot when one exists.
func (a *Allocator) Allocate() models.EntityID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked()
}

// AllocateN allocates n identifiers under a single lock acquisition.
func (a *Allocator) AllocateN(n int) []models.EntityID {
	if n <= 0 {
		return nil
	}
	ids := make([]models.EntityID, n)

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range ids {
		ids[i] = a.allocateLocked()
	}
	return ids
}

// Free releases id. A stale or already freed id yields models.ErrNotFound and
// leaves the allocator unchanged. Concurrent frees of the same id are a caller bug.
func (a *Allocator) Free(id models.EntityID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isLiveLocked(id) {
		return models.ErrNotFound
	}
	a.slots[id.Index].alive = false
	a.free = append(a.free, id.Index)
	a.live--
	return nil
}

// IsLive reports whether id names the current occupant of its slot.
func (a *Allocator) IsLive(id models.EntityID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isLiveLocked(id)
}

// Generation returns the generation recorded for index.
func (a *Allocator) Generation(index uint32) (uint32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(index) >= len(a.slots) {
		return 0, false
	}
	return a.slots[index].generation, true
}

// Live returns the number of allocated entities.
func (a *Allocator) Live() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

// Capacity returns the number of slots ever created.
func (a *Allocator) Capacity() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}

func (a *Allocator) allocateLocked() models.EntityID {
	a.live++
	if n := len(a.free); n > 0 {
		index := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[index]
		s.generation++
		s.alive = true
		return models.EntityID{Index: index, Generation: s.generation}
	}

	index := uint32(len(a.slots))
	a.slots = append(a.slots, slot{alive: true})
	return models.EntityID{Index: index, Generation: 0}
}

func (a *Allocator) isLiveLocked(id models.EntityID) bool {
	if int(id.Index) >= len(a.slots) {
		return false
	}
	s := a.slots[id.Index]
	return s.alive && s.generation == id.Generation
}
