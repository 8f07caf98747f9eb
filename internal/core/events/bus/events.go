package bus

import "github.com/zeusync/hotswap/internal/core/models"

// Event types produced by the binding registry and the module loader.
const (
	TypeBindingInstalled   = "binding.installed"
	TypeBindingUninstalled = "binding.uninstalled"

	TypeModuleLoaded            = "module.loaded"
	TypeModuleUnloaded          = "module.unloaded"
	TypeModuleReloaded          = "module.reloaded"
	TypeModuleStateIncompatible = "module.state_incompatible"
	TypeModuleReleased          = "module.released"
)

// BindingInstalled carries the view whose implementation changed. Previous is
// empty on first install.
type BindingInstalled struct {
	View     models.ViewID
	Origin   string
	Previous string
}

type BindingUninstalled struct {
	View   models.ViewID
	Origin string
}

type ModuleLoaded struct {
	Module string
	Path   string
	API    models.APIVersion
}

// ModuleUnloaded is published when a module is detached. Its code may stay
// resident until ModuleReleased.
type ModuleUnloaded struct {
	Module string
	Refs   int64
}

type ModuleReloaded struct {
	Module        string
	Path          string
	StateRestored bool
}

type ModuleStateIncompatible struct {
	Module string
	Old    models.StateVersion
	New    models.StateVersion
}

// ModuleReleased is published once the last reference to a module is gone.
type ModuleReleased struct {
	Module string
}
