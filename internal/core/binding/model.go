package binding

import (
	"sync"

	"github.com/zeusync/hotswap/internal/core/models"
)

// Model is a handle to one live data instance created through an API. The
// registry owns it; implementations only produce and re-initialize Value.
type Model struct {
	Type  models.ModelType
	ID    models.ModelID
	Value any

	// origin is the module whose implementation produced Value.
	origin string
}

// Origin names the module whose code produced the current value.
func (m *Model) Origin() string {
	return m.origin
}

// Factory builds a model value. reuse is the value of a recycled instance, or
// nil when nothing could be recycled; the factory may re-initialize and return it.
// It runs without any registry lock held, so it may call back into the registry.
// When two callers race to create the same id, one factory result is discarded.
type Factory func(reuse any) any

// ModelPool holds the instances of one ModelType under one view. It is the
// only lock in the registry, so contention is limited to callers working on
// the same API and the same concrete data type.
type ModelPool struct {
	typ      models.ModelType
	capacity int

	mu       sync.RWMutex
	active   map[models.ModelID]*Model
	recycled []*Model
}

func newModelPool(typ models.ModelType, capacity int) *ModelPool {
	return &ModelPool{
		typ:      typ,
		capacity: capacity,
		active:   make(map[models.ModelID]*Model),
	}
}

func (p *ModelPool) Type() models.ModelType {
	return p.typ
}

func (p *ModelPool) Get(id models.ModelID) (*Model, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.active[id]
	return m, ok
}

// Active and Recycled report the pool's current sizes.
func (p *ModelPool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

func (p *ModelPool) Recycled() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.recycled)
}

// acquire returns the active instance for id or creates one, recycling the most
// recently released instance first. The caller has already retained origin for
// the new instance; every origin reference that ends up unused is returned in
// drop for the caller to release.
func (p *ModelPool) acquire(id models.ModelID, origin string, factory Factory) (m *Model, created bool, drop []string, err error) {
	p.mu.Lock()
	if existing, ok := p.active[id]; ok {
		p.mu.Unlock()
		return existing, false, []string{origin}, nil
	}
	var reuse any
	if n := len(p.recycled); n > 0 {
		m = p.recycled[n-1]
		p.recycled[n-1] = nil
		p.recycled = p.recycled[:n-1]
		reuse = m.Value
	}
	p.mu.Unlock()

	value := factory(reuse)

	p.mu.Lock()
	defer p.mu.Unlock()

	if value == nil {
		return nil, false, []string{origin, p.recycleLocked(m)}, ErrFactoryResult
	}
	if existing, ok := p.active[id]; ok {
		return existing, false, []string{origin, p.recycleLocked(m)}, nil
	}

	if m == nil {
		m = &Model{Type: p.typ}
	}
	previous := m.origin
	m.ID = id
	m.Value = value
	m.origin = origin
	p.active[id] = m
	return m, true, []string{previous}, nil
}

// recycleLocked puts a popped instance back on the free list, or reports its
// origin when the list is full and the instance is dropped.
func (p *ModelPool) recycleLocked(m *Model) string {
	if m == nil {
		return ""
	}
	if len(p.recycled) < p.capacity {
		p.recycled = append(p.recycled, m)
		return ""
	}
	return m.origin
}

// release moves the instance for id to the free list. When the free list is
// full the instance is dropped and its origin reference released.
func (p *ModelPool) release(id models.ModelID) (dropped string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.active[id]
	if !ok {
		return "", models.ErrNotFound
	}
	delete(p.active, id)

	return p.recycleLocked(m), nil
}

// clearRecycled drops the free list and returns the origins it referenced.
func (p *ModelPool) clearRecycled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	origins := make([]string, 0, len(p.recycled))
	for _, m := range p.recycled {
		origins = append(origins, m.origin)
	}
	clear(p.recycled)
	p.recycled = p.recycled[:0]
	return origins
}
