package models

import (
	"fmt"
)

// EntityID is a generational handle: Index names a slot in the allocator and
// Generation distinguishes successive occupants of that slot.
type EntityID struct {
	Index      uint32
	Generation uint32
}

// NewEntityID builds an identifier from raw parts.
func NewEntityID(index, generation uint32) EntityID {
	return EntityID{Index: index, Generation: generation}
}

// Pack folds the identifier into one word, generation in the high half.
func (id EntityID) Pack() uint64 {
	return uint64(id.Generation)<<32 | uint64(id.Index)
}

// UnpackEntityID reverses Pack.
func UnpackEntityID(v uint64) EntityID {
	return EntityID{Index: uint32(v), Generation: uint32(v >> 32)}
}

func (id EntityID) String() string {
	return fmt.Sprintf("EntityID(%d:%d)", id.Index, id.Generation)
}

// ComponentID identifies a concrete component data type. It is a hash of the
// type's identity, never an assigned sequence number.
type ComponentID uint64

func (id ComponentID) String() string {
	return fmt.Sprintf("component:%#016x", uint64(id))
}

// SystemID names the owner of one or more component pools.
type SystemID string

// ViewID identifies an API contract (a Go interface type).
type ViewID uint64

func (id ViewID) String() string {
	return fmt.Sprintf("view:%#016x", uint64(id))
}

// ModelType identifies a concrete data type exchanged through an API.
type ModelType uint64

func (t ModelType) String() string {
	return fmt.Sprintf("model:%#016x", uint64(t))
}

// ModelID identifies one model instance within its ModelType.
type ModelID uint64

// APIVersion is derived from the shape of a contract and the data types it exchanges.
type APIVersion uint64

// StateVersion is derived from the shape of a unit's persisted state.
type StateVersion uint64
