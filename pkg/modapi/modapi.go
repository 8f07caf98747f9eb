// Package modapi is the surface a loadable unit compiles against. A unit is a
// Go plugin whose main package declares
//
//	var Unit = modapi.Unit{...}
//
// The host looks the variable up by SymbolName and never reads any other symbol.
package modapi

import (
	"context"
	"reflect"

	"github.com/zeusync/hotswap/internal/core/models"
)

// SymbolName is the exported variable every unit must declare.
const SymbolName = "Unit"

// ModelDescriptor names a data type the unit exchanges through its contract.
type ModelDescriptor struct {
	Type reflect.Type
	Name string
}

// Model describes M.
func Model[M any]() ModelDescriptor {
	t := reflect.TypeFor[M]()
	return ModelDescriptor{Type: t, Name: t.String()}
}

// ModelType is the identifier of the descriptor's type.
func (d ModelDescriptor) ModelType() models.ModelType {
	return models.ModelTypeFor(d.Type)
}

// Unit is everything a loadable unit exports.
type Unit struct {
	Name string
	// Contract is the interface type the implementation satisfies.
	Contract reflect.Type
	Models   []ModelDescriptor
	// Implementation must implement Contract.
	Implementation any
	// APIVersion and StateVersion are filled by Describe from the types above.
	APIVersion   models.APIVersion
	StateVersion models.StateVersion
	// Dependencies lists the names of units that must be loaded first.
	Dependencies []string
}

// Stateful is implemented by implementations that carry state across reloads.
// SaveState runs on the outgoing implementation, RestoreState on the incoming
// one, only when both units declare the same StateVersion.
type Stateful interface {
	SaveState(ctx context.Context) ([]byte, error)
	RestoreState(ctx context.Context, data []byte) error
}

// Describe builds a Unit for contract C with versions derived from the types,
// so two units built from the same sources agree on them.
func Describe[C any](name string, impl C, modelTypes ...ModelDescriptor) Unit {
	types := make([]reflect.Type, len(modelTypes))
	for i, m := range modelTypes {
		types[i] = m.Type
	}
	return Unit{
		Name:           name,
		Contract:       reflect.TypeFor[C](),
		Models:         modelTypes,
		Implementation: impl,
		APIVersion:     models.APIVersionOf(reflect.TypeFor[C](), types...),
	}
}

// WithState records the state layout S on u.
func WithState[S any](u Unit) Unit {
	u.StateVersion = models.StateVersionOf[S]()
	return u
}

// DependsOn appends unit names that must be loaded first.
func (u Unit) DependsOn(names ...string) Unit {
	u.Dependencies = append(append([]string(nil), u.Dependencies...), names...)
	return u
}

// View is the identifier of the unit's contract.
func (u *Unit) View() models.ViewID {
	return models.ViewIDFor(u.Contract)
}
