package world

import (
	"github.com/zeusync/hotswap/internal/core/component"
	"github.com/zeusync/hotswap/internal/core/models"
	"github.com/zeusync/hotswap/pkg/sequence"
	"github.com/zeusync/hotswap/pkg/swap"
)

// System is the exclusive owner and only writer of its component pools. The
// world routes every mutation through the owning System.
type System struct {
	id    models.SystemID
	pools *swap.Map[models.ComponentID, component.Store]
}

func newSystem(id models.SystemID) *System {
	return &System{
		id:    id,
		pools: swap.NewMap[models.ComponentID, component.Store](),
	}
}

func (s *System) ID() models.SystemID {
	return s.id
}

// Components lists the component types this system owns, sorted.
func (s *System) Components() []models.ComponentID {
	return sequence.Sorted(sequence.Keys(s.pools.Snapshot()))
}

func (s *System) Store(id models.ComponentID) (component.Store, bool) {
	return s.pools.Load(id)
}

// PoolOf returns the typed pool for T when s owns it. Systems use it to run
// their per-frame updates directly against native values.
func PoolOf[T any](s *System) (*component.Pool[T], bool) {
	store, ok := s.pools.Load(models.ComponentIDOf[T]())
	if !ok {
		return nil, false
	}
	pool, ok := store.(*component.Pool[T])
	return pool, ok
}

func (s *System) insert(id models.ComponentID, entries []component.AnyEntry) error {
	store, ok := s.pools.Load(id)
	if !ok {
		return ErrNotOwner
	}
	return store.InsertAny(entries)
}

func (s *System) remove(id models.ComponentID, ids []models.EntityID) ([]models.EntityID, error) {
	store, ok := s.pools.Load(id)
	if !ok {
		return nil, ErrNotOwner
	}
	return store.RemoveIDs(ids), nil
}
