package binding

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zeusync/hotswap/internal/core/events/bus"
	"github.com/zeusync/hotswap/internal/core/models"
	"github.com/zeusync/hotswap/internal/core/observability/log"
	"github.com/zeusync/hotswap/pkg/sequence"
	"github.com/zeusync/hotswap/pkg/swap"
)

// DefaultRecycleCapacity bounds each model pool's free list unless configured.
const DefaultRecycleCapacity = 256

// Implementation is the handle a consumer fetches once and then calls directly.
// Installing a new implementation never mutates an existing handle, so a cached
// handle keeps resolving to the code it was fetched for.
type Implementation struct {
	View    models.ViewID
	Value   any
	Origin  string
	Version models.APIVersion
}

// RefTracker counts live references to the module a value came from. Retain
// reports false when origin is already released and can no longer be referenced.
type RefTracker interface {
	Retain(origin string) bool
	Release(origin string)
}

type nopTracker struct{}

func (nopTracker) Retain(string) bool { return true }
func (nopTracker) Release(string)     {}

// retainAttempts bounds how often GetOrCreateModel re-reads an implementation
// whose origin was released before it could be retained.
const retainAttempts = 8

type directory struct {
	view   models.ViewID
	impl   atomic.Pointer[Implementation]
	models *swap.Map[models.ModelType, *ModelPool]
}

// Registry maps a view to its current implementation and to the model pools of
// the data types exchanged through it. The first two levels are copy-on-write
// directories and never block; only a ModelPool takes a lock.
type Registry struct {
	logger     log.Log
	bus        bus.EventBus
	refs       RefTracker
	recycleCap int

	views *swap.Map[models.ViewID, *directory]
}

type Option func(*Registry)

func WithLogger(l log.Log) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithBus sets where install notifications are queued. Defaults to bus.Default().
func WithBus(b bus.EventBus) Option {
	return func(r *Registry) {
		r.bus = b
	}
}

func WithRefTracker(t RefTracker) Option {
	return func(r *Registry) {
		r.refs = t
	}
}

// WithRecycleCapacity bounds each pool's free list. Zero disables recycling.
func WithRecycleCapacity(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.recycleCap = n
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		logger:     log.NewNop(),
		refs:       nopTracker{},
		recycleCap: DefaultRecycleCapacity,
		views:      swap.NewMap[models.ViewID, *directory](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = bus.Default()
	}
	r.logger = r.logger.Named("binding")
	return r
}

// SetRefTracker replaces the tracker. It must be called before any model is created.
func (r *Registry) SetRefTracker(t RefTracker) {
	r.refs = t
}

func (r *Registry) directory(view models.ViewID) *directory {
	dir, _ := r.views.LoadOrStore(view, func() *directory {
		return &directory{
			view:   view,
			models: swap.NewMap[models.ModelType, *ModelPool](),
		}
	})
	return dir
}

// Install swaps the implementation of view in one atomic step and queues a
// bus.TypeBindingInstalled event. Calls already running against the previous
// handle finish on it; later fetches see impl. The previous handle is returned.
func (r *Registry) Install(view models.ViewID, impl Implementation) (*Implementation, error) {
	if impl.Value == nil {
		return nil, ErrNilImplementation
	}
	impl.View = view

	dir := r.directory(view)
	prev := dir.impl.Swap(&impl)

	event := bus.BindingInstalled{View: view, Origin: impl.Origin}
	if prev != nil {
		event.Previous = prev.Origin
	}
	r.bus.Enqueue(bus.NewEvent(bus.TypeBindingInstalled, "binding", event))

	r.logger.Info("implementation installed",
		log.View(view),
		log.String("origin", impl.Origin),
		log.String("previous", event.Previous),
		log.Hex("api_version", uint64(impl.Version)),
	)
	return prev, nil
}

// Uninstall clears view only while it still holds an implementation from origin.
func (r *Registry) Uninstall(view models.ViewID, origin string) bool {
	dir, ok := r.views.Load(view)
	if !ok {
		return false
	}
	for {
		cur := dir.impl.Load()
		if cur == nil || cur.Origin != origin {
			return false
		}
		if dir.impl.CompareAndSwap(cur, nil) {
			break
		}
	}

	r.bus.Enqueue(bus.NewEvent(bus.TypeBindingUninstalled, "binding", bus.BindingUninstalled{View: view, Origin: origin}))
	r.logger.Info("implementation uninstalled", log.View(view), log.String("origin", origin))
	return true
}

// Implementation returns the current handle for view without taking any lock.
func (r *Registry) Implementation(view models.ViewID) (*Implementation, bool) {
	dir, ok := r.views.Load(view)
	if !ok {
		return nil, false
	}
	impl := dir.impl.Load()
	return impl, impl != nil
}

// RegisterModelTypes creates the pools for types under view ahead of first use.
func (r *Registry) RegisterModelTypes(view models.ViewID, types ...models.ModelType) {
	dir := r.directory(view)
	for _, t := range types {
		r.pool(dir, t)
	}
	r.logger.Debug("model types registered", log.View(view), log.Int("count", len(types)))
}

func (r *Registry) pool(dir *directory, typ models.ModelType) *ModelPool {
	p, _ := dir.models.LoadOrStore(typ, func() *ModelPool {
		return newModelPool(typ, r.recycleCap)
	})
	return p
}

// Pool returns the pool for (view, typ) if it exists.
func (r *Registry) Pool(view models.ViewID, typ models.ModelType) (*ModelPool, bool) {
	dir, ok := r.views.Load(view)
	if !ok {
		return nil, false
	}
	return dir.models.Load(typ)
}

// GetOrCreateModel returns the live instance (typ, id) under view, creating it
// with factory when absent. A recycled instance of the same type is offered to
// the factory before anything new is allocated.
func (r *Registry) GetOrCreateModel(view models.ViewID, typ models.ModelType, id models.ModelID, factory Factory) (*Model, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	dir := r.directory(view)
	pool := r.pool(dir, typ)
	if m, ok := pool.Get(id); ok {
		return m, nil
	}

	origin, err := r.retainCurrent(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s/%d", view, typ, id)
	}

	m, created, drop, err := pool.acquire(id, origin, factory)
	for _, o := range drop {
		if o != "" {
			r.refs.Release(o)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s/%d", view, typ, id)
	}
	if created {
		r.logger.Debug("model created", log.View(view), log.ModelType(typ), log.Uint64("id", uint64(id)))
	}
	return m, nil
}

// retainCurrent takes a reference on the origin of the installed implementation.
// A failed retain means the implementation was replaced and its module already
// released, so the directory is read again.
func (r *Registry) retainCurrent(dir *directory) (string, error) {
	for range retainAttempts {
		impl := dir.impl.Load()
		if impl == nil || impl.Origin == "" {
			return "", nil
		}
		if r.refs.Retain(impl.Origin) {
			return impl.Origin, nil
		}
	}
	return "", ErrOriginReleased
}

// GetModel looks up a live instance without creating it.
func (r *Registry) GetModel(view models.ViewID, typ models.ModelType, id models.ModelID) (*Model, bool) {
	pool, ok := r.Pool(view, typ)
	if !ok {
		return nil, false
	}
	return pool.Get(id)
}

// ReleaseModel moves the instance to its pool's free list instead of freeing it.
func (r *Registry) ReleaseModel(view models.ViewID, typ models.ModelType, id models.ModelID) error {
	pool, ok := r.Pool(view, typ)
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "%s %s", view, typ)
	}
	dropped, err := pool.release(id)
	if err != nil {
		return errors.Wrapf(err, "%s %s/%d", view, typ, id)
	}
	if dropped != "" {
		r.refs.Release(dropped)
	}
	return nil
}

// ClearRecycled drops every free list under view and returns how many instances went.
func (r *Registry) ClearRecycled(view models.ViewID) int {
	dir, ok := r.views.Load(view)
	if !ok {
		return 0
	}
	n := 0
	for _, pool := range dir.models.Snapshot() {
		for _, origin := range pool.clearRecycled() {
			n++
			if origin != "" {
				r.refs.Release(origin)
			}
		}
	}
	return n
}

// Views lists every view that has a directory, sorted.
func (r *Registry) Views() []models.ViewID {
	return sequence.Sorted(sequence.Keys(r.views.Snapshot()))
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Views           int
	Implementations int
	Pools           int
	Active          int
	Recycled        int
}

func (r *Registry) Stats() Stats {
	var s Stats
	for _, dir := range r.views.Snapshot() {
		s.Views++
		if dir.impl.Load() != nil {
			s.Implementations++
		}
		for _, pool := range dir.models.Snapshot() {
			s.Pools++
			s.Active += pool.Active()
			s.Recycled += pool.Recycled()
		}
	}
	return s
}
