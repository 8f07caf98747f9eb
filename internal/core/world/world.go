package world

import (
	"errors"
	"fmt"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/zeusync/hotswap/internal/core/component"
	"github.com/zeusync/hotswap/internal/core/entity"
	"github.com/zeusync/hotswap/internal/core/models"
	"github.com/zeusync/hotswap/internal/core/observability/log"
	"github.com/zeusync/hotswap/pkg/generic"
	"github.com/zeusync/hotswap/pkg/sequence"
	"github.com/zeusync/hotswap/pkg/swap"
)

// ComponentSet is the set of component types an entity currently has.
type ComponentSet map[models.ComponentID]struct{}

func (s ComponentSet) Has(id models.ComponentID) bool {
	_, ok := s[id]
	return ok
}

type grouping = map[models.ComponentID][]component.AnyEntry

// World catalogs which system owns each component type and which component
// types each entity has. It never stores component values.
//
// Spawn, despawn and ownership changes serialize on mu so the entity map and
// the owner directory move together. Component reads go straight to the
// owning pool and only see per-type consistency: a reader racing a spawn may
// see Position for an entity whose Velocity is not inserted yet.
type World struct {
	logger log.Log
	alloc  *entity.Allocator

	systems *swap.Map[models.SystemID, *System]
	owners  *swap.Map[models.ComponentID, *System]

	mu       sync.RWMutex
	entities map[models.EntityID]ComponentSet

	scratch *generic.Pool[grouping]
}

type Option func(*World)

func WithLogger(l log.Log) Option {
	return func(w *World) {
		w.logger = l
	}
}

func New(opts ...Option) *World {
	w := &World{
		logger:   log.NewNop(),
		alloc:    entity.NewAllocator(),
		systems:  swap.NewMap[models.SystemID, *System](),
		owners:   swap.NewMap[models.ComponentID, *System](),
		entities: make(map[models.EntityID]ComponentSet),
		scratch: generic.NewResetPool(
			func() grouping { return make(grouping) },
			func(g grouping) grouping { clear(g); return g },
		),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("world")
	return w
}

// AddSystem declares a new pool owner.
func (w *World) AddSystem(id models.SystemID) (*System, error) {
	sys, loaded := w.systems.LoadOrStore(id, func() *System { return newSystem(id) })
	if loaded {
		return nil, pkgerrors.Wrapf(models.ErrAlreadyRegistered, "system %q", id)
	}
	w.logger.Debug("system added", log.String("system", string(id)))
	return sys, nil
}

func (w *World) System(id models.SystemID) (*System, bool) {
	return w.systems.Load(id)
}

// Register creates the pool for T inside owner. A component type has at most
// one owner; registering it twice fails with models.ErrAlreadyRegistered.
func Register[T any](w *World, owner models.SystemID) (*component.Pool[T], error) {
	pool := component.NewPool[T]()
	if err := w.RegisterStore(owner, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// RegisterStore is Register for a pool built elsewhere.
func (w *World) RegisterStore(owner models.SystemID, store component.Store) error {
	info := store.Info()

	w.mu.Lock()
	defer w.mu.Unlock()

	sys, ok := w.systems.Load(owner)
	if !ok {
		return pkgerrors.Wrapf(models.ErrNotFound, "system %q", owner)
	}
	if prev, exists := w.owners.Load(info.ID); exists {
		return pkgerrors.Wrapf(models.ErrAlreadyRegistered, "%s owned by %q", info.Name, prev.id)
	}
	sys.pools.Store(info.ID, store)
	w.owners.Store(info.ID, sys)

	w.logger.Debug("component registered",
		log.Component(info.ID),
		log.String("name", info.Name),
		log.String("system", string(owner)),
	)
	return nil
}

// OwningSystem reports which system owns the pool for a component type.
func (w *World) OwningSystem(id models.ComponentID) (models.SystemID, bool) {
	sys, ok := w.owners.Load(id)
	if !ok {
		return "", false
	}
	return sys.id, true
}

// SpawnBatch allocates one entity per set and inserts the values with one
// batched call per component type across the whole input. Every value is
// checked before anything is allocated, so a rejected batch changes nothing.
func (w *World) SpawnBatch(sets [][]component.Value) ([]models.EntityID, error) {
	if len(sets) == 0 {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i, set := range sets {
		for _, v := range set {
			sys, ok := w.owners.Load(v.ID)
			if !ok {
				return nil, pkgerrors.Wrapf(ErrNoOwner, "set %d: %s", i, v.ID)
			}
			store, ok := sys.Store(v.ID)
			if !ok {
				return nil, pkgerrors.Wrapf(models.ErrInvariant, "owner %q has no pool for %s", sys.id, v.ID)
			}
			if !store.Accepts(v.Data) {
				return nil, pkgerrors.Wrapf(models.ErrTypeMismatch, "set %d: %T is not %s", i, v.Data, store.Info().Name)
			}
		}
	}

	ids := w.alloc.AllocateN(len(sets))

	groups := w.scratch.Get()
	defer w.scratch.Put(groups)

	for i, set := range sets {
		types := make(ComponentSet, len(set))
		for _, v := range set {
			groups[v.ID] = append(groups[v.ID], component.AnyEntry{ID: ids[i], Value: v.Data})
			types[v.ID] = struct{}{}
		}
		w.entities[ids[i]] = types
	}

	for cid, entries := range groups {
		sys, _ := w.owners.Load(cid)
		if err := sys.insert(cid, entries); err != nil {
			// Values were checked above while holding mu; reaching this means
			// the owner directory and the pools disagree.
			w.logger.Error("spawn insert failed", log.Component(cid), log.Error(err))
			return ids, pkgerrors.Wrapf(models.ErrInvariant, "insert %s: %v", cid, err)
		}
	}

	return ids, nil
}

// Spawn is SpawnBatch for a single entity.
func (w *World) Spawn(values ...component.Value) (models.EntityID, error) {
	ids, err := w.SpawnBatch([][]component.Value{values})
	if err != nil {
		return models.EntityID{}, err
	}
	return ids[0], nil
}

// DespawnBatch removes every value of every id, one batched remove per
// component type, then frees the ids. It is forward-only: ids that fail
// validation stay intact, everything else is applied, and the failures come
// back as a *PartialFailure.
func (w *World) DespawnBatch(ids []models.EntityID) error {
	if len(ids) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var failures []Failure
	valid := make([]models.EntityID, 0, len(ids))
	seen := make(map[models.EntityID]struct{}, len(ids))

	removals := make(map[models.ComponentID][]models.EntityID)
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			failures = append(failures, Failure{ID: id, Stage: StageValidate, Err: models.ErrStaleEntity})
			continue
		}
		seen[id] = struct{}{}

		if !w.alloc.IsLive(id) {
			failures = append(failures, Failure{ID: id, Stage: StageValidate, Err: models.ErrStaleEntity})
			continue
		}
		types, ok := w.entities[id]
		if !ok {
			failures = append(failures, Failure{ID: id, Stage: StageValidate, Err: models.ErrNotFound})
			continue
		}
		for cid := range types {
			removals[cid] = append(removals[cid], id)
		}
		valid = append(valid, id)
	}

	for cid, batch := range removals {
		sys, ok := w.owners.Load(cid)
		if !ok {
			for _, id := range batch {
				failures = append(failures, Failure{ID: id, Stage: StageRemove, Component: cid, Err: models.ErrInvariant})
			}
			continue
		}
		missing, err := sys.remove(cid, batch)
		if err != nil {
			missing = batch
		}
		for _, id := range missing {
			w.logger.Error("pool lost a value the world recorded", log.Entity(id), log.Component(cid))
			failures = append(failures, Failure{ID: id, Stage: StageRemove, Component: cid, Err: models.ErrInvariant})
		}
	}

	for _, id := range valid {
		delete(w.entities, id)
		if err := w.alloc.Free(id); err != nil {
			failures = append(failures, Failure{ID: id, Stage: StageFree, Err: err})
		}
	}

	if len(failures) == 0 {
		return nil
	}
	w.logger.Warn("despawn partially failed",
		log.Int("requested", len(ids)),
		log.Int("failed", len(failures)),
	)
	return &PartialFailure{Failures: failures}
}

// IsLive reports whether id names a spawned, not yet despawned entity.
func (w *World) IsLive(id models.EntityID) bool {
	return w.alloc.IsLive(id)
}

// Count returns the number of live entities.
func (w *World) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entities)
}

// ComponentsOf lists the component types id currently has, sorted.
func (w *World) ComponentsOf(id models.EntityID) ([]models.ComponentID, error) {
	if !w.alloc.IsLive(id) {
		return nil, models.ErrStaleEntity
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	types, ok := w.entities[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return sequence.Sorted(sequence.Keys(types)), nil
}

// Query returns the entities that have every listed component type, ordered by index.
func (w *World) Query(types ...models.ComponentID) []models.EntityID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return sequence.Keys(w.entities).
		Filter(func(id models.EntityID) bool {
			set := w.entities[id]
			for _, t := range types {
				if !set.Has(t) {
					return false
				}
			}
			return true
		}).
		Sort(func(a, b models.EntityID) bool { return a.Index < b.Index }).
		Collect()
}

// ownerRetries bounds how often storeFor chases an owner that moved between
// loading it and reading its pool.
const ownerRetries = 8

func (w *World) storeFor(id models.EntityID, cid models.ComponentID) (*System, component.Store, error) {
	if !w.alloc.IsLive(id) {
		return nil, nil, models.ErrStaleEntity
	}
	// An owner holds the pool for as long as it is published: TransferOwnership
	// stores into the new owner before publishing it and deletes from the old
	// one after. A miss therefore means the owner changed, so load it again.
	for range ownerRetries {
		sys, ok := w.owners.Load(cid)
		if !ok {
			break
		}
		if store, ok := sys.Store(cid); ok {
			return sys, store, nil
		}
	}
	return nil, nil, pkgerrors.Wrap(ErrNoOwner, cid.String())
}

func typedPool[T any](store component.Store) (*component.Pool[T], error) {
	pool, ok := store.(*component.Pool[T])
	if !ok {
		return nil, pkgerrors.Wrapf(models.ErrTypeMismatch, "pool holds %s", store.Info().Name)
	}
	return pool, nil
}

// Get reads the T value of id. Stale ids yield models.ErrStaleEntity; an entity
// without T yields models.ErrNotFound.
func Get[T any](w *World, id models.EntityID) (T, error) {
	var zero T
	_, store, err := w.storeFor(id, models.ComponentIDOf[T]())
	if err != nil {
		return zero, err
	}
	pool, err := typedPool[T](store)
	if err != nil {
		return zero, err
	}
	v, ok := pool.Get(id)
	if !ok {
		return zero, models.ErrNotFound
	}
	return v, nil
}

// Update mutates the T value of id in place.
func Update[T any](w *World, id models.EntityID, fn func(*T)) error {
	_, store, err := w.storeFor(id, models.ComponentIDOf[T]())
	if err != nil {
		return err
	}
	pool, err := typedPool[T](store)
	if err != nil {
		return err
	}
	if !pool.Update(id, fn) {
		return models.ErrNotFound
	}
	return nil
}

// Set attaches or replaces the T value of id.
func Set[T any](w *World, id models.EntityID, v T) error {
	cid := models.ComponentIDOf[T]()

	w.mu.Lock()
	defer w.mu.Unlock()

	sys, store, err := w.storeFor(id, cid)
	if err != nil {
		return err
	}
	if _, err = typedPool[T](store); err != nil {
		return err
	}
	types, ok := w.entities[id]
	if !ok {
		return pkgerrors.Wrapf(models.ErrInvariant, "live %s has no entity record", id)
	}
	if err = sys.insert(cid, []component.AnyEntry{{ID: id, Value: v}}); err != nil {
		return err
	}
	types[cid] = struct{}{}
	return nil
}

// Remove detaches the T value of id and returns it.
func Remove[T any](w *World, id models.EntityID) (T, error) {
	var zero T
	cid := models.ComponentIDOf[T]()

	w.mu.Lock()
	defer w.mu.Unlock()

	_, store, err := w.storeFor(id, cid)
	if err != nil {
		return zero, err
	}
	pool, err := typedPool[T](store)
	if err != nil {
		return zero, err
	}
	v, ok := pool.Remove(id)
	if !ok {
		return zero, models.ErrNotFound
	}
	if types, ok := w.entities[id]; ok {
		delete(types, cid)
	}
	return v, nil
}

// TransferOwnership moves the pool of a component type from one system to
// another. Values stay in place; only the owner changes, in one step.
func (w *World) TransferOwnership(cid models.ComponentID, from, to models.SystemID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, ok := w.owners.Load(cid)
	if !ok {
		return pkgerrors.Wrap(ErrNoOwner, cid.String())
	}
	if current.id != from {
		return pkgerrors.Wrapf(ErrNotOwner, "%s is owned by %q, not %q", cid, current.id, from)
	}
	target, ok := w.systems.Load(to)
	if !ok {
		return pkgerrors.Wrapf(models.ErrNotFound, "system %q", to)
	}
	store, ok := current.pools.Load(cid)
	if !ok {
		return pkgerrors.Wrapf(models.ErrInvariant, "owner %q has no pool for %s", from, cid)
	}
	target.pools.Store(cid, store)
	w.owners.Store(cid, target)
	current.pools.Delete(cid)

	w.logger.Info("ownership transferred",
		log.Component(cid),
		log.String("from", string(from)),
		log.String("to", string(to)),
	)
	return nil
}

// UnregisterComponent destroys the pool of cid. Its values are evicted and the
// type is dropped from every entity's set; the entities themselves stay alive.
func (w *World) UnregisterComponent(owner models.SystemID, cid models.ComponentID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unregisterLocked(owner, cid)
}

func (w *World) unregisterLocked(owner models.SystemID, cid models.ComponentID) error {
	sys, ok := w.owners.Load(cid)
	if !ok {
		return pkgerrors.Wrap(ErrNoOwner, cid.String())
	}
	if sys.id != owner {
		return pkgerrors.Wrapf(ErrNotOwner, "%s is owned by %q", cid, sys.id)
	}

	evicted := 0
	if store, ok := sys.pools.Delete(cid); ok {
		evicted = store.Clear()
	}
	w.owners.Delete(cid)
	for _, types := range w.entities {
		delete(types, cid)
	}

	w.logger.Info("component unregistered",
		log.Component(cid),
		log.String("system", string(owner)),
		log.Int("evicted", evicted),
	)
	return nil
}

// UnregisterSystem unregisters every component the system owns, then the system.
func (w *World) UnregisterSystem(id models.SystemID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sys, ok := w.systems.Load(id)
	if !ok {
		return pkgerrors.Wrapf(models.ErrNotFound, "system %q", id)
	}
	for _, cid := range sys.Components() {
		if err := w.unregisterLocked(id, cid); err != nil {
			return err
		}
	}
	w.systems.Delete(id)
	return nil
}

// Verify scans for broken invariants: entity records without a live id,
// component types without an owner, and pool values the world has no record
// of. Every finding wraps models.ErrInvariant.
func (w *World) Verify() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var all error
	for id, types := range w.entities {
		if !w.alloc.IsLive(id) {
			all = errors.Join(all, fmt.Errorf("%w: %s recorded but not live", models.ErrInvariant, id))
		}
		for cid := range types {
			sys, ok := w.owners.Load(cid)
			if !ok {
				all = errors.Join(all, fmt.Errorf("%w: %s references unowned %s", models.ErrInvariant, id, cid))
				continue
			}
			if store, ok := sys.Store(cid); !ok || !store.Has(id) {
				all = errors.Join(all, fmt.Errorf("%w: %s missing value for %s", models.ErrInvariant, id, cid))
			}
		}
	}

	for cid, sys := range w.owners.Snapshot() {
		store, ok := sys.Store(cid)
		if !ok {
			all = errors.Join(all, fmt.Errorf("%w: owner %q lost pool %s", models.ErrInvariant, sys.id, cid))
			continue
		}
		for _, id := range store.IDs() {
			if types, ok := w.entities[id]; !ok || !types.Has(cid) {
				all = errors.Join(all, fmt.Errorf("%w: %s holds value for unknown %s", models.ErrInvariant, cid, id))
			}
		}
	}

	if all != nil {
		w.logger.Error("world invariant violated", log.Error(all))
	}
	return all
}
