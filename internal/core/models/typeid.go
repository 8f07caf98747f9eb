package models

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TypeKey returns the identity string of t: "<pkgpath>.<name>" for named types
// and the type literal otherwise. Two separately built binaries agree on it.
func TypeKey(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// TypeHash is the 64-bit identity hash of t.
func TypeHash(t reflect.Type) uint64 {
	return xxhash.Sum64String(TypeKey(t))
}

// Shape renders the structural description of t. Named types contribute their
// key plus their underlying structure once; recursive references stop at the key.
func Shape(t reflect.Type) string {
	var b strings.Builder
	writeShape(&b, t, make(map[reflect.Type]struct{}))
	return b.String()
}

// ShapeHash hashes Shape(t).
func ShapeHash(t reflect.Type) uint64 {
	return xxhash.Sum64String(Shape(t))
}

func ComponentIDOf[T any]() ComponentID {
	return ComponentID(TypeHash(reflect.TypeFor[T]()))
}

// ViewIDOf derives the API identifier of the contract interface C.
func ViewIDOf[C any]() ViewID {
	return ViewIDFor(reflect.TypeFor[C]())
}

func ViewIDFor(contract reflect.Type) ViewID {
	return ViewID(TypeHash(contract))
}

func ModelTypeOf[M any]() ModelType {
	return ModelTypeFor(reflect.TypeFor[M]())
}

func ModelTypeFor(t reflect.Type) ModelType {
	return ModelType(TypeHash(t))
}

// APIVersionOf hashes the shape of the contract together with the shapes of the
// model types it exchanges. Model order does not matter.
func APIVersionOf(contract reflect.Type, modelTypes ...reflect.Type) APIVersion {
	shapes := make([]string, 0, len(modelTypes))
	for _, m := range modelTypes {
		shapes = append(shapes, Shape(m))
	}
	sort.Strings(shapes)

	var b strings.Builder
	b.WriteString(Shape(contract))
	for _, s := range shapes {
		b.WriteByte('|')
		b.WriteString(s)
	}
	return APIVersion(xxhash.Sum64String(b.String()))
}

// APIVersionFor is APIVersionOf for a contract known at compile time.
func APIVersionFor[C any](modelTypes ...reflect.Type) APIVersion {
	return APIVersionOf(reflect.TypeFor[C](), modelTypes...)
}

// StateVersionOf hashes the shape of a persisted state type.
func StateVersionOf[S any]() StateVersion {
	return StateVersion(ShapeHash(reflect.TypeFor[S]()))
}

func writeShape(b *strings.Builder, t reflect.Type, seen map[reflect.Type]struct{}) {
	if t == nil {
		b.WriteString("<nil>")
		return
	}
	if t.Name() != "" {
		b.WriteString(TypeKey(t))
		if t.PkgPath() == "" {
			// predeclared
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		b.WriteByte('=')
	}

	switch t.Kind() {
	case reflect.Struct:
		b.WriteString("struct{")
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			b.WriteString(f.Name)
			b.WriteByte(' ')
			writeShape(b, f.Type, seen)
			if f.Tag != "" {
				b.WriteString(" " + strconv.Quote(string(f.Tag)))
			}
			b.WriteByte(';')
		}
		b.WriteByte('}')
	case reflect.Pointer:
		b.WriteByte('*')
		writeShape(b, t.Elem(), seen)
	case reflect.Slice:
		b.WriteString("[]")
		writeShape(b, t.Elem(), seen)
	case reflect.Array:
		b.WriteString("[" + strconv.Itoa(t.Len()) + "]")
		writeShape(b, t.Elem(), seen)
	case reflect.Map:
		b.WriteString("map[")
		writeShape(b, t.Key(), seen)
		b.WriteByte(']')
		writeShape(b, t.Elem(), seen)
	case reflect.Chan:
		b.WriteString(t.ChanDir().String() + " ")
		writeShape(b, t.Elem(), seen)
	case reflect.Interface:
		b.WriteString("interface{")
		for i := 0; i < t.NumMethod(); i++ {
			m := t.Method(i)
			b.WriteString(m.Name)
			writeFunc(b, m.Type, seen)
			b.WriteByte(';')
		}
		b.WriteByte('}')
	case reflect.Func:
		b.WriteString("func")
		writeFunc(b, t, seen)
	default:
		b.WriteString(t.Kind().String())
	}
}

func writeFunc(b *strings.Builder, t reflect.Type, seen map[reflect.Type]struct{}) {
	b.WriteByte('(')
	for i := 0; i < t.NumIn(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		if t.IsVariadic() && i == t.NumIn()-1 {
			b.WriteString("...")
			writeShape(b, t.In(i).Elem(), seen)
			continue
		}
		writeShape(b, t.In(i), seen)
	}
	b.WriteString(")(")
	for i := 0; i < t.NumOut(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		writeShape(b, t.Out(i), seen)
	}
	b.WriteByte(')')
}
