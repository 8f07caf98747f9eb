package component

import (
	"reflect"

	"github.com/zeusync/hotswap/internal/core/models"
)

// Info is component metadata. It never carries a value; values live in a Pool.
type Info struct {
	ID   models.ComponentID
	Name string
	Size uintptr
	Type reflect.Type
}

// Describe builds the Info of T.
func Describe[T any]() Info {
	t := reflect.TypeFor[T]()
	return Info{
		ID:   models.ComponentIDOf[T](),
		Name: t.String(),
		Size: t.Size(),
		Type: t,
	}
}

// Value is a component value tagged with its component id, used where values of
// different types travel together (spawn bundles).
type Value struct {
	ID   models.ComponentID
	Data any
}

// With tags v with the component id of T.
func With[T any](v T) Value {
	return Value{ID: models.ComponentIDOf[T](), Data: v}
}

// Entry pairs an entity with a typed value for batch inserts.
type Entry[T any] struct {
	ID    models.EntityID
	Value T
}

// AnyEntry is the untyped form of Entry used by Store.
type AnyEntry struct {
	ID    models.EntityID
	Value any
}

// Store is the type-erased view of a Pool. The world routes spawn/despawn
// batches through it without knowing T.
type Store interface {
	Info() Info
	Len() int
	Has(id models.EntityID) bool
	// Accepts reports whether v can be stored in this pool.
	Accepts(v any) bool
	GetAny(id models.EntityID) (any, bool)
	InsertAny(entries []AnyEntry) error
	// RemoveIDs removes ids as one batch and returns the ones that were absent.
	RemoveIDs(ids []models.EntityID) []models.EntityID
	IDs() []models.EntityID
	Clear() int
}
