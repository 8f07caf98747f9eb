package loader

import (
	"errors"
	"fmt"

	"github.com/zeusync/hotswap/internal/core/models"
)

var (
	ErrModuleNotFound    = errors.New("loader: module file not found")
	ErrSymbolMissing     = errors.New("loader: required symbol missing")
	ErrSymbolShape       = errors.New("loader: exported symbol has the wrong shape")
	ErrContractMismatch  = errors.New("loader: implementation does not satisfy its contract")
	ErrAPIVersion        = errors.New("loader: incompatible api version")
	ErrStateIncompatible = errors.New("loader: incompatible state version")
	ErrStateTransfer     = errors.New("loader: state transfer failed")
	ErrAlreadyLoaded     = errors.New("loader: module already loaded")
	ErrNotLoaded         = errors.New("loader: module not loaded")
	ErrDependencyMissing = errors.New("loader: dependency not loaded")
	ErrDependencyCycle   = errors.New("loader: dependency cycle")
	ErrHasDependents     = errors.New("loader: module has loaded dependents")
)

type Op uint8

const (
	OpLoad Op = iota
	OpReload
	OpUnload
)

func (o Op) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpReload:
		return "reload"
	case OpUnload:
		return "unload"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Error is a failed loader operation. The process keeps running whatever was
// installed before the operation started.
type Error struct {
	Op     Op
	Module string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Module != "" && e.Path != "":
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Module, e.Path, e.Err)
	case e.Module != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Module, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// VersionError is an API version refusal.
type VersionError struct {
	View     models.ViewID
	Expected models.APIVersion
	Found    models.APIVersion
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%v for %s: expected %#016x, found %#016x", ErrAPIVersion, e.View, uint64(e.Expected), uint64(e.Found))
}

func (e *VersionError) Is(target error) bool {
	return target == ErrAPIVersion
}

// StateVersionError explains a StateIncompatible reload outcome.
type StateVersionError struct {
	Old models.StateVersion
	New models.StateVersion
}

func (e *StateVersionError) Error() string {
	return fmt.Sprintf("%v: %#016x -> %#016x", ErrStateIncompatible, uint64(e.Old), uint64(e.New))
}

func (e *StateVersionError) Is(target error) bool {
	return target == ErrStateIncompatible
}
