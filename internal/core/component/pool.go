package component

import (
	"sync"

	"github.com/zeusync/hotswap/internal/core/models"
)

var _ Store = (*Pool[struct{}])(nil)

// Pool stores values of one component type in a sparse set: sparse maps an
// entity index to a position in the packed dense/values arrays.
//
// A Pool does not validate generations against the allocator; the world does
// that once per call. Each method, batch variants included, runs as a single
// critical section, so readers observe a batch entirely or not at all.
type Pool[T any] struct {
	mu     sync.RWMutex
	info   Info
	sparse []uint32 // position+1, 0 means empty
	dense  []models.EntityID
	values []T
}

func NewPool[T any]() *Pool[T] {
	return &Pool[T]{info: Describe[T]()}
}

func (p *Pool[T]) Info() Info {
	return p.info
}

func (p *Pool[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.dense)
}

func (p *Pool[T]) Has(id models.EntityID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.positionLocked(id)
	return ok
}

// Insert stores v for id and returns the previous value when id already had one.
func (p *Pool[T]) Insert(id models.EntityID, v T) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(id, v)
}

// InsertBatch applies all entries as one unit and returns the values replaced.
func (p *Pool[T]) InsertBatch(entries []Entry[T]) []Entry[T] {
	if len(entries) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.growLocked(entries)
	var replaced []Entry[T]
	for _, e := range entries {
		if prev, ok := p.insertLocked(e.ID, e.Value); ok {
			replaced = append(replaced, Entry[T]{ID: e.ID, Value: prev})
		}
	}
	return replaced
}

// Remove deletes the value of id and returns it.
func (p *Pool[T]) Remove(id models.EntityID) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(id)
}

// RemoveBatch removes ids as one unit. It returns the removed values and the
// ids that had no value.
func (p *Pool[T]) RemoveBatch(ids []models.EntityID) (removed []Entry[T], missing []models.EntityID) {
	if len(ids) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	removed = make([]Entry[T], 0, len(ids))
	for _, id := range ids {
		v, ok := p.removeLocked(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		removed = append(removed, Entry[T]{ID: id, Value: v})
	}
	return removed, missing
}

// Get returns a copy of the value stored for id.
func (p *Pool[T]) Get(id models.EntityID) (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positionLocked(id)
	if !ok {
		var zero T
		return zero, false
	}
	return p.values[pos], true
}

// Update runs fn on the stored value in place under the write lock.
func (p *Pool[T]) Update(id models.EntityID, fn func(*T)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positionLocked(id)
	if !ok {
		return false
	}
	fn(&p.values[pos])
	return true
}

// Each calls fn for every stored value until fn returns false. fn must not
// call back into the pool.
func (p *Pool[T]) Each(fn func(id models.EntityID, v T) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i, id := range p.dense {
		if !fn(id, p.values[i]) {
			return
		}
	}
}

// UpdateEach runs fn over every stored value in place as one batch.
func (p *Pool[T]) UpdateEach(fn func(id models.EntityID, v *T)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, id := range p.dense {
		fn(id, &p.values[i])
	}
}

func (p *Pool[T]) IDs() []models.EntityID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.EntityID, len(p.dense))
	copy(out, p.dense)
	return out
}

// Clear evicts every value and returns how many were stored.
func (p *Pool[T]) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.dense)
	p.sparse = nil
	p.dense = nil
	p.values = nil
	return n
}

func (p *Pool[T]) Accepts(v any) bool {
	_, ok := v.(T)
	return ok
}

func (p *Pool[T]) GetAny(id models.EntityID) (any, bool) {
	v, ok := p.Get(id)
	if !ok {
		return nil, false
	}
	return v, true
}

// InsertAny is InsertBatch for untyped entries. Types are checked before
// anything is applied.
func (p *Pool[T]) InsertAny(entries []AnyEntry) error {
	typed := make([]Entry[T], len(entries))
	for i, e := range entries {
		v, ok := e.Value.(T)
		if !ok {
			return models.ErrTypeMismatch
		}
		typed[i] = Entry[T]{ID: e.ID, Value: v}
	}
	p.InsertBatch(typed)
	return nil
}

func (p *Pool[T]) RemoveIDs(ids []models.EntityID) []models.EntityID {
	_, missing := p.RemoveBatch(ids)
	return missing
}

func (p *Pool[T]) positionLocked(id models.EntityID) (int, bool) {
	if int(id.Index) >= len(p.sparse) {
		return 0, false
	}
	slot := p.sparse[id.Index]
	if slot == 0 {
		return 0, false
	}
	pos := int(slot - 1)
	if p.dense[pos] != id {
		return 0, false
	}
	return pos, true
}

func (p *Pool[T]) insertLocked(id models.EntityID, v T) (T, bool) {
	var zero T
	p.ensureSparseLocked(id.Index)

	if slot := p.sparse[id.Index]; slot != 0 {
		pos := int(slot - 1)
		if p.dense[pos] == id {
			prev := p.values[pos]
			p.values[pos] = v
			return prev, true
		}
		// a previous occupant of the slot was never removed
		p.dense[pos] = id
		p.values[pos] = v
		return zero, false
	}

	p.dense = append(p.dense, id)
	p.values = append(p.values, v)
	p.sparse[id.Index] = uint32(len(p.dense))
	return zero, false
}

func (p *Pool[T]) removeLocked(id models.EntityID) (T, bool) {
	pos, ok := p.positionLocked(id)
	if !ok {
		var zero T
		return zero, false
	}
	v := p.values[pos]

	last := len(p.dense) - 1
	if pos != last {
		moved := p.dense[last]
		p.dense[pos] = moved
		p.values[pos] = p.values[last]
		p.sparse[moved.Index] = uint32(pos + 1)
	}
	var zero T
	p.values[last] = zero
	p.dense = p.dense[:last]
	p.values = p.values[:last]
	p.sparse[id.Index] = 0
	return v, true
}

func (p *Pool[T]) ensureSparseLocked(index uint32) {
	if int(index) < len(p.sparse) {
		return
	}
	size := int(index) + 1
	if size < 2*len(p.sparse) {
		size = 2 * len(p.sparse)
	}
	grown := make([]uint32, size)
	copy(grown, p.sparse)
	p.sparse = grown
}

func (p *Pool[T]) growLocked(entries []Entry[T]) {
	var maxIndex uint32
	for _, e := range entries {
		if e.ID.Index > maxIndex {
			maxIndex = e.ID.Index
		}
	}
	p.ensureSparseLocked(maxIndex)
	if free := cap(p.dense) - len(p.dense); free < len(entries) {
		dense := make([]models.EntityID, len(p.dense), len(p.dense)+len(entries))
		copy(dense, p.dense)
		p.dense = dense
		values := make([]T, len(p.values), len(p.values)+len(entries))
		copy(values, p.values)
		p.values = values
	}
}
