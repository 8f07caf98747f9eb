package binding

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/zeusync/hotswap/internal/core/models"
)

// Install registers impl under the view of contract C. modelTypes are the
// model types the implementation creates; they are part of its API version,
// which must match what a loaded unit with the same types would carry.
func Install[C any](r *Registry, impl C, origin string, modelTypes ...reflect.Type) error {
	_, err := r.Install(models.ViewIDOf[C](), Implementation{
		Value:   impl,
		Origin:  origin,
		Version: models.APIVersionFor[C](modelTypes...),
	})
	return err
}

// Get fetches the current implementation of contract C. Consumers call it
// once and again after a bus.TypeBindingInstalled event for that view.
func Get[C any](r *Registry) (C, bool) {
	var zero C
	impl, ok := r.Implementation(models.ViewIDOf[C]())
	if !ok {
		return zero, false
	}
	c, ok := impl.Value.(C)
	return c, ok
}

// Acquire is GetOrCreateModel for a model of type *M under contract C. init
// receives the recycled instance, or nil, and returns the instance to use.
func Acquire[C any, M any](r *Registry, id models.ModelID, init func(reuse *M) *M) (*M, error) {
	typ := models.ModelTypeOf[M]()
	m, err := r.GetOrCreateModel(models.ViewIDOf[C](), typ, id, func(reuse any) any {
		prev, _ := reuse.(*M)
		next := init(prev)
		if next == nil {
			return nil
		}
		return next
	})
	if err != nil {
		return nil, err
	}
	v, ok := m.Value.(*M)
	if !ok {
		return nil, errors.Wrapf(ErrFactoryResult, "%s holds %T", typ, m.Value)
	}
	return v, nil
}

// Release is ReleaseModel for a model of type M under contract C.
func Release[C any, M any](r *Registry, id models.ModelID) error {
	return r.ReleaseModel(models.ViewIDOf[C](), models.ModelTypeOf[M](), id)
}
