package loader

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zeusync/hotswap/internal/core/binding"
	"github.com/zeusync/hotswap/internal/core/events/bus"
	"github.com/zeusync/hotswap/internal/core/models"
	"github.com/zeusync/hotswap/internal/core/observability/log"
	"github.com/zeusync/hotswap/pkg/concurrent"
	"github.com/zeusync/hotswap/pkg/encoding"
	"github.com/zeusync/hotswap/pkg/modapi"
	"github.com/zeusync/hotswap/pkg/sequence"
	"github.com/zeusync/hotswap/pkg/swap"
)

// Handle names one loaded instance of a module. A reload issues a new Handle;
// the old one stops resolving.
type Handle struct {
	ID   string
	Name string
}

func (h Handle) String() string {
	return h.Name + "@" + h.ID
}

// Info describes a loaded module.
type Info struct {
	Handle       Handle
	Path         string
	Source       string
	View         models.ViewID
	APIVersion   models.APIVersion
	StateVersion models.StateVersion
	Dependencies []string
	Refs         int64
}

// module is one opened unit. refs counts one for being attached plus one per
// registry instance produced by its implementation; the library is closed
// when it reaches zero.
type module struct {
	id     string
	name   string
	path   string
	source string
	lib    Library
	unit   *modapi.Unit

	refs     atomic.Int64
	released atomic.Bool
}

func (m *module) handle() Handle {
	return Handle{ID: m.id, Name: m.name}
}

func (m *module) info() Info {
	return Info{
		Handle:       m.handle(),
		Path:         m.path,
		Source:       m.source,
		View:         m.unit.View(),
		APIVersion:   m.unit.APIVersion,
		StateVersion: m.unit.StateVersion,
		Dependencies: append([]string(nil), m.unit.Dependencies...),
		Refs:         m.refs.Load(),
	}
}

// StateOutcome reports what happened to implementation state during a reload.
type StateOutcome uint8

const (
	// StateNone means neither side carries state.
	StateNone StateOutcome = iota
	// StateRestored means the old state was saved and restored into the new implementation.
	StateRestored
	// StateIncompatible means the state versions differ; the new implementation starts empty.
	StateIncompatible
)

func (s StateOutcome) String() string {
	switch s {
	case StateRestored:
		return "restored"
	case StateIncompatible:
		return "incompatible"
	default:
		return "none"
	}
}

// ReloadResult is a successful reload. StateErr is set, as a
// *StateVersionError, when State is StateIncompatible.
type ReloadResult struct {
	Handle   Handle
	State    StateOutcome
	StateErr error
}

// Loader is the only component that maps foreign code into the process. It
// validates each unit's exported symbol, negotiates versions, installs the
// implementation into the binding registry and counts references so a
// detached unit is released only when nothing it produced is still alive.
type Loader struct {
	logger      log.Log
	bus         bus.EventBus
	registry    *binding.Registry
	opener      Opener
	searchPaths []string
	expect      map[models.ViewID]models.APIVersion
	parallelism int

	// mu serializes load, reload and unload. It is never held while calling
	// into a model pool.
	mu     sync.Mutex
	byName map[string]*module
	graph  *Graph

	records *swap.Map[string, *module]
}

type Option func(*Loader)

func WithLogger(l log.Log) Option {
	return func(ld *Loader) {
		ld.logger = l
	}
}

func WithBus(b bus.EventBus) Option {
	return func(ld *Loader) {
		ld.bus = b
	}
}

// WithOpener replaces the plugin opener, mostly for tests.
func WithOpener(o Opener) Option {
	return func(ld *Loader) {
		ld.opener = o
	}
}

// WithSearchPaths sets the directories bare module names resolve against.
func WithSearchPaths(paths ...string) Option {
	return func(ld *Loader) {
		ld.searchPaths = append(ld.searchPaths, paths...)
	}
}

// Expect declares the API version the host was built against for view. A unit
// for that view with any other version is refused.
func Expect(view models.ViewID, version models.APIVersion) Option {
	return func(ld *Loader) {
		ld.expect[view] = version
	}
}

// ExpectContract is Expect for a contract known at compile time.
func ExpectContract[C any](modelTypes ...reflect.Type) Option {
	return Expect(models.ViewIDOf[C](), models.APIVersionFor[C](modelTypes...))
}

// WithParallelism bounds how many units LoadAll opens at once.
func WithParallelism(n int) Option {
	return func(ld *Loader) {
		ld.parallelism = n
	}
}

// New builds a loader that installs into registry and registers itself as the
// registry's reference tracker.
func New(registry *binding.Registry, opts ...Option) *Loader {
	l := &Loader{
		logger:      log.NewNop(),
		registry:    registry,
		opener:      PluginOpener{},
		expect:      make(map[models.ViewID]models.APIVersion),
		parallelism: 4,
		byName:      make(map[string]*module),
		graph:       NewGraph(),
		records:     swap.NewMap[string, *module](),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.bus == nil {
		l.bus = bus.Default()
	}
	l.logger = l.logger.Named("loader")
	registry.SetRefTracker(l)
	return l
}

// Resolve maps a bare module name to a file in the search paths, trying
// lib<name>.so then <name>.so. Anything that looks like a path is checked as is.
func (l *Loader) Resolve(nameOrPath string) (string, error) {
	if strings.ContainsRune(nameOrPath, os.PathSeparator) || filepath.Ext(nameOrPath) == ".so" {
		if _, err := os.Stat(nameOrPath); err != nil {
			return "", errors.Wrap(ErrModuleNotFound, nameOrPath)
		}
		return filepath.Abs(nameOrPath)
	}
	for _, dir := range l.searchPaths {
		for _, file := range []string{"lib" + nameOrPath + ".so", nameOrPath + ".so"} {
			candidate := filepath.Join(dir, file)
			if _, err := os.Stat(candidate); err == nil {
				return filepath.Abs(candidate)
			}
		}
	}
	return "", errors.Wrapf(ErrModuleNotFound, "%s in %v", nameOrPath, l.searchPaths)
}

// open maps the unit at path and validates its exported symbol. The library
// is closed again when validation fails.
func (l *Loader) open(path string) (Library, *modapi.Unit, error) {
	lib, err := l.opener.Open(path)
	if err != nil {
		return nil, nil, err
	}
	unit, err := validate(lib)
	if err != nil {
		_ = lib.Close()
		return nil, nil, err
	}
	return lib, unit, nil
}

func validate(lib Library) (*modapi.Unit, error) {
	sym, err := lib.Lookup(modapi.SymbolName)
	if err != nil {
		return nil, errors.Wrapf(ErrSymbolMissing, "%s: %v", modapi.SymbolName, err)
	}
	unit, ok := sym.(*modapi.Unit)
	if !ok || unit == nil {
		return nil, errors.Wrapf(ErrSymbolShape, "%s is %T, want *modapi.Unit", modapi.SymbolName, sym)
	}
	if unit.Name == "" {
		return nil, errors.Wrap(ErrSymbolShape, "unit has no name")
	}
	if unit.Contract == nil || unit.Contract.Kind() != reflect.Interface {
		return nil, errors.Wrapf(ErrSymbolShape, "%s: contract must be an interface type", unit.Name)
	}
	if unit.Implementation == nil {
		return nil, errors.Wrapf(ErrSymbolShape, "%s: no implementation", unit.Name)
	}
	if impl := reflect.TypeOf(unit.Implementation); !impl.Implements(unit.Contract) {
		return nil, errors.Wrapf(ErrContractMismatch, "%s: %s does not implement %s", unit.Name, impl, unit.Contract)
	}

	types := make([]reflect.Type, 0, len(unit.Models))
	for _, m := range unit.Models {
		if m.Type == nil {
			return nil, errors.Wrapf(ErrSymbolShape, "%s: model descriptor without type", unit.Name)
		}
		types = append(types, m.Type)
	}
	if derived := models.APIVersionOf(unit.Contract, types...); unit.APIVersion != derived {
		return nil, errors.Wrapf(ErrSymbolShape, "%s: declared api version %#016x, shapes give %#016x",
			unit.Name, uint64(unit.APIVersion), uint64(derived))
	}
	return unit, nil
}

func (l *Loader) checkAPI(unit *modapi.Unit, fallback models.APIVersion) error {
	view := unit.View()
	expected, ok := l.expect[view]
	if !ok {
		expected = fallback
	}
	if expected != 0 && expected != unit.APIVersion {
		return &VersionError{View: view, Expected: expected, Found: unit.APIVersion}
	}
	return nil
}

// Load opens the unit named or located by nameOrPath and installs its
// implementation.
func (l *Loader) Load(ctx context.Context, nameOrPath string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, &Error{Op: OpLoad, Path: nameOrPath, Err: err}
	}
	path, err := l.Resolve(nameOrPath)
	if err != nil {
		return Handle{}, &Error{Op: OpLoad, Path: nameOrPath, Err: err}
	}
	lib, unit, err := l.open(path)
	if err != nil {
		return Handle{}, &Error{Op: OpLoad, Path: path, Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	m, err := l.attachLocked(lib, unit, path, path)
	if err != nil {
		_ = lib.Close()
		return Handle{}, &Error{Op: OpLoad, Module: unit.Name, Path: path, Err: err}
	}
	return m.handle(), nil
}

type candidate struct {
	path string
	lib  Library
	unit *modapi.Unit
}

// LoadAll opens every unit concurrently, then attaches them in dependency
// order. Units that fail to open are reported and skipped; a missing
// dependency or cycle among the rest aborts before anything is attached.
func (l *Loader) LoadAll(ctx context.Context, namesOrPaths ...string) ([]Handle, error) {
	opened := make([]*candidate, len(namesOrPaths))
	errs := concurrent.Collect(sequence.From(indexes(len(namesOrPaths))), l.parallelism, func(i int) error {
		path, err := l.Resolve(namesOrPaths[i])
		if err != nil {
			return &Error{Op: OpLoad, Path: namesOrPaths[i], Err: err}
		}
		lib, unit, err := l.open(path)
		if err != nil {
			return &Error{Op: OpLoad, Path: path, Err: err}
		}
		opened[i] = &candidate{path: path, lib: lib, unit: unit}
		return nil
	})

	var failed error
	for _, err := range errs {
		if err != nil {
			l.logger.Error("module open failed", log.Error(err))
			failed = err
		}
	}

	present := sequence.From(opened).Filter(func(c *candidate) bool { return c != nil }).Collect()
	byName := make(map[string]*candidate, len(present))
	nodes := make(map[string][]string, len(present))
	for _, c := range present {
		if _, dup := byName[c.unit.Name]; dup {
			_ = c.lib.Close()
			failed = &Error{Op: OpLoad, Module: c.unit.Name, Path: c.path, Err: ErrAlreadyLoaded}
			continue
		}
		byName[c.unit.Name] = c
		nodes[c.unit.Name] = c.unit.Dependencies
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	levels, err := Order(nodes, l.graph.Has)
	if err != nil {
		for _, c := range byName {
			_ = c.lib.Close()
		}
		return nil, &Error{Op: OpLoad, Err: err}
	}

	var handles []Handle
	for depth, level := range levels {
		for _, name := range level {
			c := byName[name]
			m, err := l.attachLocked(c.lib, c.unit, c.path, c.path)
			if err != nil {
				_ = c.lib.Close()
				failed = &Error{Op: OpLoad, Module: name, Path: c.path, Err: err}
				l.logger.Error("module attach failed", log.Module(name), log.Int("level", depth), log.Error(err))
				continue
			}
			handles = append(handles, m.handle())
		}
	}
	return handles, failed
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (l *Loader) attachLocked(lib Library, unit *modapi.Unit, path, source string) (*module, error) {
	if _, ok := l.byName[unit.Name]; ok {
		return nil, ErrAlreadyLoaded
	}
	if err := l.checkAPI(unit, 0); err != nil {
		return nil, err
	}
	if err := l.graph.Add(unit.Name, unit.Dependencies); err != nil {
		return nil, err
	}

	m := l.newModule(lib, unit, path, source)
	if err := l.install(m); err != nil {
		_ = l.graph.Remove(unit.Name)
		l.records.Delete(m.id)
		return nil, err
	}
	l.byName[unit.Name] = m

	l.bus.Enqueue(bus.NewEvent(bus.TypeModuleLoaded, "loader", bus.ModuleLoaded{
		Module: unit.Name,
		Path:   path,
		API:    unit.APIVersion,
	}))
	l.logger.Info("module loaded",
		log.Module(unit.Name),
		log.String("id", m.id),
		log.String("path", path),
		log.View(unit.View()),
		log.Hex("api_version", uint64(unit.APIVersion)),
	)
	return m, nil
}

func (l *Loader) newModule(lib Library, unit *modapi.Unit, path, source string) *module {
	m := &module{
		id:     uuid.NewString(),
		name:   unit.Name,
		path:   path,
		source: source,
		lib:    lib,
		unit:   unit,
	}
	m.refs.Store(1)
	l.records.Store(m.id, m)
	return m
}

func (l *Loader) install(m *module) error {
	view := m.unit.View()
	types := make([]models.ModelType, len(m.unit.Models))
	for i, d := range m.unit.Models {
		types[i] = d.ModelType()
	}
	l.registry.RegisterModelTypes(view, types...)
	_, err := l.registry.Install(view, binding.Implementation{
		Value:   m.unit.Implementation,
		Origin:  m.id,
		Version: m.unit.APIVersion,
	})
	return err
}

func (l *Loader) lookupLocked(h Handle) (*module, error) {
	m, ok := l.byName[h.Name]
	if !ok || m.id != h.ID {
		return nil, errors.Wrap(ErrNotLoaded, h.String())
	}
	return m, nil
}

// Unload detaches the module: its binding is removed and it no longer counts
// as loaded. The library itself is released once every model instance its
// implementation produced is gone.
func (l *Loader) Unload(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: OpUnload, Module: h.Name, Err: err}
	}

	l.mu.Lock()
	m, err := l.lookupLocked(h)
	if err != nil {
		l.mu.Unlock()
		return &Error{Op: OpUnload, Module: h.Name, Err: err}
	}
	if err = l.graph.Remove(m.name); err != nil {
		l.mu.Unlock()
		return &Error{Op: OpUnload, Module: h.Name, Path: m.path, Err: err}
	}
	delete(l.byName, m.name)
	l.registry.Uninstall(m.unit.View(), m.id)
	refs := m.refs.Load() - 1
	l.mu.Unlock()

	l.bus.Enqueue(bus.NewEvent(bus.TypeModuleUnloaded, "loader", bus.ModuleUnloaded{Module: m.name, Refs: refs}))
	l.logger.Info("module unloaded", log.Module(m.name), log.String("id", m.id), log.Int64("remaining_refs", refs))

	l.Release(m.id)
	return nil
}

// Reload replaces the module behind h with the unit at path (empty means the
// path it was loaded from). Nothing changes unless the new unit opens,
// validates and passes the API check; on success the old module is detached
// and the new handle returned.
func (l *Loader) Reload(ctx context.Context, h Handle, path string) (ReloadResult, error) {
	source := path
	if path != "" {
		resolved, err := l.Resolve(path)
		if err != nil {
			return ReloadResult{}, &Error{Op: OpReload, Module: h.Name, Path: path, Err: err}
		}
		path, source = resolved, resolved
	}
	return l.reload(ctx, h, path, source)
}

// reload opens path but records source as the module's origin file, so a
// staged copy keeps tracking the file the watcher observes.
func (l *Loader) reload(ctx context.Context, h Handle, path, source string) (ReloadResult, error) {
	if err := ctx.Err(); err != nil {
		return ReloadResult{}, &Error{Op: OpReload, Module: h.Name, Path: path, Err: err}
	}
	fail := func(p string, err error) (ReloadResult, error) {
		l.logger.Error("module reload failed", log.Module(h.Name), log.String("path", p), log.Error(err))
		return ReloadResult{}, &Error{Op: OpReload, Module: h.Name, Path: p, Err: err}
	}

	if path == "" {
		l.mu.Lock()
		old, err := l.lookupLocked(h)
		l.mu.Unlock()
		if err != nil {
			return fail(path, err)
		}
		path, source = old.source, old.source
	}

	lib, unit, err := l.open(path)
	if err != nil {
		return fail(path, err)
	}

	l.mu.Lock()
	result, old, err := l.swapLocked(ctx, h, lib, unit, path, source)
	l.mu.Unlock()
	if err != nil {
		_ = lib.Close()
		return fail(path, err)
	}

	l.bus.Enqueue(bus.NewEvent(bus.TypeModuleReloaded, "loader", bus.ModuleReloaded{
		Module:        unit.Name,
		Path:          path,
		StateRestored: result.State == StateRestored,
	}))
	l.logger.Info("module reloaded",
		log.Module(unit.Name),
		log.String("old_id", old.id),
		log.String("new_id", result.Handle.ID),
		log.String("path", path),
		log.Stringer("state", result.State),
	)

	l.Release(old.id)
	return result, nil
}

func (l *Loader) swapLocked(ctx context.Context, h Handle, lib Library, unit *modapi.Unit, path, source string) (ReloadResult, *module, error) {
	old, err := l.lookupLocked(h)
	if err != nil {
		return ReloadResult{}, nil, err
	}
	if unit.Name != old.name {
		return ReloadResult{}, nil, errors.Wrapf(ErrSymbolShape, "unit %q cannot replace %q", unit.Name, old.name)
	}
	if unit.View() != old.unit.View() {
		return ReloadResult{}, nil, &VersionError{View: old.unit.View(), Expected: old.unit.APIVersion, Found: unit.APIVersion}
	}
	if err = l.checkAPI(unit, old.unit.APIVersion); err != nil {
		return ReloadResult{}, nil, err
	}

	prevDeps := l.graph.Deps(old.name)
	if err = l.graph.Replace(old.name, unit.Dependencies); err != nil {
		return ReloadResult{}, nil, err
	}

	result, err := l.transferState(ctx, old, unit)
	if err != nil {
		l.graph.Restore(old.name, prevDeps)
		return ReloadResult{}, nil, err
	}

	m := l.newModule(lib, unit, path, source)
	if err = l.install(m); err != nil {
		l.graph.Restore(old.name, prevDeps)
		l.records.Delete(m.id)
		return ReloadResult{}, nil, err
	}
	l.byName[old.name] = m
	result.Handle = m.handle()
	return result, old, nil
}

// transferState moves state from the old implementation to the new one before
// the new one becomes visible. The saved state travels as an envelope tagged
// with the old state version; a tag the new unit does not match is not an
// error: the new implementation starts empty and the outcome says so.
func (l *Loader) transferState(ctx context.Context, old *module, unit *modapi.Unit) (ReloadResult, error) {
	from, oldStateful := old.unit.Implementation.(modapi.Stateful)
	to, newStateful := unit.Implementation.(modapi.Stateful)
	if !oldStateful || !newStateful {
		return ReloadResult{State: StateNone}, nil
	}

	data, err := saveState(ctx, from, old.unit.StateVersion)
	if err != nil {
		return ReloadResult{}, err
	}
	return l.restoreState(ctx, to, unit, data)
}

// saveState seals the implementation's state into an encoded envelope.
func saveState(ctx context.Context, from modapi.Stateful, version models.StateVersion) ([]byte, error) {
	payload, err := from.SaveState(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrStateTransfer, "save: %v", err)
	}
	envelope := encoding.Envelope{Version: uint64(version), Payload: payload}
	data, err := envelope.Serialize()
	if err != nil {
		return nil, errors.Wrapf(ErrStateTransfer, "encode: %v", err)
	}
	return data, nil
}

// restoreState opens an envelope produced by saveState and hands its payload
// to the new implementation when the tag matches unit's state version.
func (l *Loader) restoreState(ctx context.Context, to modapi.Stateful, unit *modapi.Unit, data []byte) (ReloadResult, error) {
	var envelope encoding.Envelope
	if err := envelope.Deserialize(data); err != nil {
		return ReloadResult{}, errors.Wrapf(ErrStateTransfer, "decode: %v", err)
	}

	if saved := models.StateVersion(envelope.Version); saved != unit.StateVersion {
		stateErr := &StateVersionError{Old: saved, New: unit.StateVersion}
		l.bus.Enqueue(bus.NewEvent(bus.TypeModuleStateIncompatible, "loader", bus.ModuleStateIncompatible{
			Module: unit.Name,
			Old:    saved,
			New:    unit.StateVersion,
		}))
		l.logger.Warn("state incompatible, starting fresh",
			log.Module(unit.Name),
			log.Hex("old_state_version", uint64(saved)),
			log.Hex("new_state_version", uint64(unit.StateVersion)),
		)
		return ReloadResult{State: StateIncompatible, StateErr: stateErr}, nil
	}

	if err := to.RestoreState(ctx, envelope.Payload); err != nil {
		return ReloadResult{}, errors.Wrapf(ErrStateTransfer, "restore: %v", err)
	}

	l.logger.Debug("state transferred", log.Module(unit.Name), log.Int("bytes", len(envelope.Payload)))
	return ReloadResult{State: StateRestored}, nil
}

// Retain counts a registry instance produced by module id. It refuses once the
// count has reached zero, since the module is then released or being released.
func (l *Loader) Retain(id string) bool {
	m, ok := l.records.Load(id)
	if !ok {
		return false
	}
	for {
		n := m.refs.Load()
		if n <= 0 {
			return false
		}
		if m.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference to module id and finalizes it at zero.
func (l *Loader) Release(id string) {
	m, ok := l.records.Load(id)
	if !ok {
		return
	}
	if m.refs.Add(-1) > 0 {
		return
	}
	if !m.released.CompareAndSwap(false, true) {
		return
	}
	l.records.Delete(id)
	if err := m.lib.Close(); err != nil {
		l.logger.Warn("library close failed", log.Module(m.name), log.Error(err))
	}
	l.bus.Enqueue(bus.NewEvent(bus.TypeModuleReleased, "loader", bus.ModuleReleased{Module: m.name}))
	l.logger.Info("module released", log.Module(m.name), log.String("id", id))
}

// Get returns the handle of the loaded module name.
func (l *Loader) Get(name string) (Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byName[name]
	if !ok {
		return Handle{}, false
	}
	return m.handle(), true
}

// Info describes the module behind h, including detached modules that are
// still referenced.
func (l *Loader) Info(h Handle) (Info, bool) {
	m, ok := l.records.Load(h.ID)
	if !ok {
		return Info{}, false
	}
	return m.info(), true
}

// Modules lists the loaded modules sorted by name.
func (l *Loader) Modules() []Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	infos := sequence.Map(sequence.Keys(l.byName), func(name string) Info { return l.byName[name].info() })
	return infos.Sort(func(a, b Info) bool { return a.Handle.Name < b.Handle.Name }).Collect()
}

// Resident counts modules whose library is still open, detached ones included.
func (l *Loader) Resident() int {
	return l.records.Len()
}

// bySource finds the loaded module whose source file is path.
func (l *Loader) bySource(path string) (Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.byName {
		if m.source == path {
			return m.handle(), true
		}
	}
	return Handle{}, false
}

// Close unloads every module, dependents before their dependencies.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	nodes := make(map[string][]string, len(l.byName))
	for name := range l.byName {
		nodes[name] = l.graph.Deps(name)
	}
	l.mu.Unlock()

	levels, err := Order(nodes, func(string) bool { return false })
	if err != nil {
		return errors.Wrap(err, "close")
	}
	var failed error
	for i := len(levels) - 1; i >= 0; i-- {
		for _, name := range levels[i] {
			h, ok := l.Get(name)
			if !ok {
				continue
			}
			if err := l.Unload(ctx, h); err != nil {
				failed = err
			}
		}
	}
	return failed
}
