package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/hotswap/internal/core/binding"
	"github.com/zeusync/hotswap/internal/core/events/bus"
	"github.com/zeusync/hotswap/internal/core/models"
	"github.com/zeusync/hotswap/pkg/encoding"
	"github.com/zeusync/hotswap/pkg/modapi"
)

type counter interface {
	Next() int
	Version() string
}

type renderer interface {
	Render() string
}

type tick struct{ N int }

type counterState struct{ N int }

type counterStateV2 struct {
	N    int
	Step int
}

type statefulCounter struct {
	mu      sync.Mutex
	n       int
	version string
	saveErr error
}

func (c *statefulCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *statefulCounter) Version() string { return c.version }

func (c *statefulCounter) SaveState(context.Context) ([]byte, error) {
	if c.saveErr != nil {
		return nil, c.saveErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return []byte(strconv.Itoa(c.n)), nil
}

func (c *statefulCounter) RestoreState(_ context.Context, data []byte) error {
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.n = n
	c.mu.Unlock()
	return nil
}

type textRenderer struct{}

func (textRenderer) Render() string { return "text" }

type fakeLibrary struct {
	symbols map[string]any
	closed  atomic.Bool
}

func (l *fakeLibrary) Lookup(symbol string) (any, error) {
	sym, ok := l.symbols[symbol]
	if !ok {
		return nil, errors.New("symbol not found")
	}
	return sym, nil
}

func (l *fakeLibrary) Close() error {
	l.closed.Store(true)
	return nil
}

// fakeOpener picks the exported symbols by the file's content, so a staged
// copy of a file opens as the same unit.
type fakeOpener struct {
	mu     sync.Mutex
	units  map[string]func() map[string]any
	opened []*fakeLibrary
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{units: make(map[string]func() map[string]any)}
}

func (o *fakeOpener) add(content string, unit func() modapi.Unit) {
	o.units[content] = func() map[string]any {
		u := unit()
		return map[string]any{modapi.SymbolName: &u}
	}
}

func (o *fakeOpener) Open(path string) (Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	build, ok := o.units[string(data)]
	if !ok {
		return nil, errors.New("not a unit")
	}
	lib := &fakeLibrary{symbols: build()}
	o.opened = append(o.opened, lib)
	return lib, nil
}

func (o *fakeOpener) last() *fakeLibrary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[len(o.opened)-1]
}

func counterUnit(version string) func() modapi.Unit {
	return func() modapi.Unit {
		return modapi.WithState[counterState](
			modapi.Describe[counter]("counter", &statefulCounter{version: version}, modapi.Model[tick]()),
		)
	}
}

type fixture struct {
	dir      string
	opener   *fakeOpener
	bus      bus.EventBus
	registry *binding.Registry
	loader   *Loader
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		dir:    t.TempDir(),
		opener: newFakeOpener(),
		bus:    bus.New(),
	}
	f.opener.add("counter-v1", counterUnit("v1"))
	f.opener.add("counter-v2", counterUnit("v2"))
	f.opener.add("counter-newstate", func() modapi.Unit {
		return modapi.WithState[counterStateV2](
			modapi.Describe[counter]("counter", &statefulCounter{version: "v3"}, modapi.Model[tick]()),
		)
	})
	f.opener.add("counter-newapi", func() modapi.Unit {
		return modapi.Describe[counter]("counter", &statefulCounter{version: "api"})
	})
	f.opener.add("counter-badsave", func() modapi.Unit {
		return modapi.WithState[counterState](
			modapi.Describe[counter]("counter", &statefulCounter{version: "bad", saveErr: errors.New("disk full")}, modapi.Model[tick]()),
		)
	})
	f.opener.add("renderer", func() modapi.Unit {
		return modapi.Describe[renderer]("renderer", textRenderer{}).DependsOn("counter")
	})
	f.opener.units["no-symbol"] = func() map[string]any { return map[string]any{} }
	f.opener.units["wrong-shape"] = func() map[string]any { return map[string]any{modapi.SymbolName: "unit"} }
	f.opener.add("wrong-contract", func() modapi.Unit {
		return modapi.Unit{
			Name:           "liar",
			Contract:       reflect.TypeFor[counter](),
			Implementation: textRenderer{},
			APIVersion:     models.APIVersionFor[counter](),
		}
	})

	f.registry = binding.New(binding.WithBus(f.bus), binding.WithRecycleCapacity(0))
	opts = append([]Option{WithOpener(f.opener), WithBus(f.bus), WithSearchPaths(f.dir)}, opts...)
	f.loader = New(f.registry, opts...)
	return f
}

// file writes a unit file whose content selects the fake unit.
func (f *fixture) file(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) current(t *testing.T) counter {
	t.Helper()
	c, ok := binding.Get[counter](f.registry)
	require.True(t, ok)
	return c
}

func (f *fixture) events(t *testing.T, types ...string) map[string][]bus.Event {
	t.Helper()
	out := make(map[string][]bus.Event)
	for _, typ := range types {
		_, err := f.bus.Subscribe(typ, func(e bus.Event) error {
			out[e.Type()] = append(out[e.Type()], e)
			return nil
		})
		require.NoError(t, err)
	}
	return out
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("ByName", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "libcounter.so", "counter-v1")

		h, err := f.loader.Load(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, "counter", h.Name)
		assert.Equal(t, "v1", f.current(t).Version())

		_, ok := f.registry.Pool(models.ViewIDOf[counter](), models.ModelTypeOf[tick]())
		assert.True(t, ok, "model pools are created on load")

		got, ok := f.loader.Get("counter")
		require.True(t, ok)
		assert.Equal(t, h, got)
		mods := f.loader.Modules()
		require.Len(t, mods, 1)
		assert.Equal(t, int64(1), mods[0].Refs)
	})

	t.Run("PlainSoName", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "counter.so", "counter-v1")
		_, err := f.loader.Load(ctx, "counter")
		require.NoError(t, err)
	})

	t.Run("NotFound", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.loader.Load(ctx, "missing")
		var lerr *Error
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, OpLoad, lerr.Op)
		assert.ErrorIs(t, err, ErrModuleNotFound)
	})

	t.Run("Twice", func(t *testing.T) {
		f := newFixture(t)
		path := f.file(t, "libcounter.so", "counter-v1")
		_, err := f.loader.Load(ctx, path)
		require.NoError(t, err)
		_, err = f.loader.Load(ctx, path)
		assert.ErrorIs(t, err, ErrAlreadyLoaded)
		assert.True(t, f.opener.last().closed.Load())
	})

	t.Run("ExpectedVersion", func(t *testing.T) {
		f := newFixture(t, ExpectContract[counter](reflect.TypeFor[tick]()))
		f.file(t, "libcounter.so", "counter-newapi")
		_, err := f.loader.Load(ctx, "counter")

		var verr *VersionError
		require.ErrorAs(t, err, &verr)
		assert.ErrorIs(t, err, ErrAPIVersion)
		assert.Equal(t, models.ViewIDOf[counter](), verr.View)
		_, ok := f.registry.Implementation(models.ViewIDOf[counter]())
		assert.False(t, ok)
	})
}

func TestLoadRejectsMalformedUnits(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		content string
		want    error
	}{
		{"no-symbol", ErrSymbolMissing},
		{"wrong-shape", ErrSymbolShape},
		{"wrong-contract", ErrContractMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.content, func(t *testing.T) {
			f := newFixture(t)
			path := f.file(t, tc.content+".so", tc.content)
			_, err := f.loader.Load(ctx, path)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, f.opener.last().closed.Load())
			assert.Zero(t, f.loader.Resident())
		})
	}

	t.Run("VersionNotDerived", func(t *testing.T) {
		f := newFixture(t)
		f.opener.add("forged", func() modapi.Unit {
			u := counterUnit("forged")()
			u.APIVersion++
			return u
		})
		_, err := f.loader.Load(ctx, f.file(t, "forged.so", "forged"))
		assert.ErrorIs(t, err, ErrSymbolShape)
	})
}

func TestReload(t *testing.T) {
	ctx := context.Background()

	t.Run("TransfersState", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "libcounter.so", "counter-v1")
		h, err := f.loader.Load(ctx, "counter")
		require.NoError(t, err)
		seen := f.events(t, bus.TypeModuleReloaded, bus.TypeBindingInstalled, bus.TypeModuleReleased)

		old := f.current(t)
		old.Next()
		old.Next()

		res, err := f.loader.Reload(ctx, h, f.file(t, "counter-v2.so", "counter-v2"))
		require.NoError(t, err)
		assert.Equal(t, StateRestored, res.State)
		assert.NoError(t, res.StateErr)
		assert.NotEqual(t, h.ID, res.Handle.ID)

		fresh := f.current(t)
		assert.Equal(t, "v2", fresh.Version())
		assert.Equal(t, 3, fresh.Next())
		assert.Equal(t, "v1", old.Version(), "cached handle still resolves to the old implementation")

		_, err = f.loader.Reload(ctx, h, "")
		assert.ErrorIs(t, err, ErrNotLoaded, "old handle no longer resolves")

		require.NoError(t, f.bus.Dispatch())
		assert.Len(t, seen[bus.TypeModuleReloaded], 1)
		assert.Len(t, seen[bus.TypeBindingInstalled], 2)
		assert.Len(t, seen[bus.TypeModuleReleased], 1)
		assert.Equal(t, 1, f.loader.Resident())
	})

	t.Run("StateIncompatible", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "libcounter.so", "counter-v1")
		h, err := f.loader.Load(ctx, "counter")
		require.NoError(t, err)
		seen := f.events(t, bus.TypeModuleStateIncompatible)
		f.current(t).Next()

		res, err := f.loader.Reload(ctx, h, f.file(t, "counter-v3.so", "counter-newstate"))
		require.NoError(t, err)
		assert.Equal(t, StateIncompatible, res.State)
		assert.ErrorIs(t, res.StateErr, ErrStateIncompatible)
		assert.Equal(t, "v3", f.current(t).Version())
		assert.Equal(t, 1, f.current(t).Next(), "new implementation starts from empty state")

		require.NoError(t, f.bus.Dispatch())
		require.Len(t, seen[bus.TypeModuleStateIncompatible], 1)
		payload := seen[bus.TypeModuleStateIncompatible][0].Data().(bus.ModuleStateIncompatible)
		assert.Equal(t, models.StateVersionOf[counterState](), payload.Old)
		assert.Equal(t, models.StateVersionOf[counterStateV2](), payload.New)
	})

	t.Run("IncompatibleAPIKeepsPrior", func(t *testing.T) {
		f := newFixture(t, ExpectContract[counter](reflect.TypeFor[tick]()))
		f.file(t, "libcounter.so", "counter-v1")
		h, err := f.loader.Load(ctx, "counter")
		require.NoError(t, err)
		before, _ := f.registry.Implementation(models.ViewIDOf[counter]())

		_, err = f.loader.Reload(ctx, h, f.file(t, "counter-api.so", "counter-newapi"))
		var lerr *Error
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, OpReload, lerr.Op)
		assert.ErrorIs(t, err, ErrAPIVersion)

		after, ok := f.registry.Implementation(models.ViewIDOf[counter]())
		require.True(t, ok)
		assert.Same(t, before, after)
		assert.Equal(t, "v1", f.current(t).Version())
		assert.True(t, f.opener.last().closed.Load())

		got, _ := f.loader.Get("counter")
		assert.Equal(t, h, got)
	})

	t.Run("IncompatibleAPIWithoutExpectation", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "libcounter.so", "counter-v1")
		h, err := f.loader.Load(ctx, "counter")
		require.NoError(t, err)

		_, err = f.loader.Reload(ctx, h, f.file(t, "counter-api.so", "counter-newapi"))
		assert.ErrorIs(t, err, ErrAPIVersion)
		assert.Equal(t, "v1", f.current(t).Version())
	})

	t.Run("SaveFailureAborts", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "libcounter.so", "counter-badsave")
		h, err := f.loader.Load(ctx, "counter")
		require.NoError(t, err)

		_, err = f.loader.Reload(ctx, h, f.file(t, "counter-v2.so", "counter-v2"))
		assert.ErrorIs(t, err, ErrStateTransfer)
		assert.Equal(t, "bad", f.current(t).Version())
		assert.Equal(t, 1, f.loader.Resident())
	})

	t.Run("SamePath", func(t *testing.T) {
		f := newFixture(t)
		path := f.file(t, "libcounter.so", "counter-v1")
		h, err := f.loader.Load(ctx, "counter")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("counter-v2"), 0o644))

		res, err := f.loader.Reload(ctx, h, "")
		require.NoError(t, err)
		assert.Equal(t, "v2", f.current(t).Version())
		info, ok := f.loader.Info(res.Handle)
		require.True(t, ok)
		assert.Equal(t, path, info.Source)
	})
}

func TestStateEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	version := models.StateVersionOf[counterState]()

	t.Run("Restored", func(t *testing.T) {
		data, err := saveState(ctx, &statefulCounter{n: 5}, version)
		require.NoError(t, err)

		unit := counterUnit("v2")()
		res, err := f.loader.restoreState(ctx, unit.Implementation.(modapi.Stateful), &unit, data)
		require.NoError(t, err)
		assert.Equal(t, StateRestored, res.State)
		assert.Equal(t, 6, unit.Implementation.(counter).Next())
	})

	t.Run("TagDecidesCompatibility", func(t *testing.T) {
		data, err := saveState(ctx, &statefulCounter{n: 5}, models.StateVersionOf[counterStateV2]())
		require.NoError(t, err)

		unit := counterUnit("v2")()
		res, err := f.loader.restoreState(ctx, unit.Implementation.(modapi.Stateful), &unit, data)
		require.NoError(t, err)
		assert.Equal(t, StateIncompatible, res.State)
		var verr *StateVersionError
		require.ErrorAs(t, res.StateErr, &verr)
		assert.Equal(t, models.StateVersionOf[counterStateV2](), verr.Old)
		assert.Equal(t, version, verr.New)
		assert.Equal(t, 1, unit.Implementation.(counter).Next(), "payload is not handed over")
	})

	t.Run("Malformed", func(t *testing.T) {
		unit := counterUnit("v2")()
		to := unit.Implementation.(modapi.Stateful)

		_, err := f.loader.restoreState(ctx, to, &unit, []byte{0x01, 0x02})
		assert.ErrorIs(t, err, ErrStateTransfer)

		data, err := (&encoding.Envelope{Version: uint64(version), Payload: []byte("not a number")}).Serialize()
		require.NoError(t, err)
		_, err = f.loader.restoreState(ctx, to, &unit, data)
		assert.ErrorIs(t, err, ErrStateTransfer)
	})
}

func TestUnloadDefersRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.file(t, "libcounter.so", "counter-v1")
	h, err := f.loader.Load(ctx, "counter")
	require.NoError(t, err)
	lib := f.opener.last()
	seen := f.events(t, bus.TypeModuleUnloaded, bus.TypeModuleReleased)

	_, err = binding.Acquire[counter](f.registry, 1, func(reuse *tick) *tick { return &tick{} })
	require.NoError(t, err)
	info, _ := f.loader.Info(h)
	assert.Equal(t, int64(2), info.Refs)

	require.NoError(t, f.loader.Unload(ctx, h))
	_, ok := f.registry.Implementation(models.ViewIDOf[counter]())
	assert.False(t, ok)
	_, ok = f.loader.Get("counter")
	assert.False(t, ok)
	assert.False(t, lib.closed.Load(), "a live model keeps the module resident")
	assert.Equal(t, 1, f.loader.Resident())

	require.NoError(t, binding.Release[counter, tick](f.registry, 1))
	assert.True(t, lib.closed.Load())
	assert.Zero(t, f.loader.Resident())

	require.NoError(t, f.bus.Dispatch())
	assert.Len(t, seen[bus.TypeModuleUnloaded], 1)
	assert.Len(t, seen[bus.TypeModuleReleased], 1)

	err = f.loader.Unload(ctx, h)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, OpUnload, lerr.Op)
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestReloadDuringModelCreation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.file(t, "libcounter.so", "counter-v1")
	next := f.file(t, "counter-v2.so", "counter-v2")
	h, err := f.loader.Load(ctx, "counter")
	require.NoError(t, err)
	oldLib := f.opener.last()

	var reloaded ReloadResult
	_, err = binding.Acquire[counter](f.registry, 1, func(reuse *tick) *tick {
		reloaded, err = f.loader.Reload(ctx, h, next)
		require.NoError(t, err)
		return &tick{}
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", f.current(t).Version())

	m, ok := f.registry.GetModel(models.ViewIDOf[counter](), models.ModelTypeOf[tick](), 1)
	require.True(t, ok)
	assert.Equal(t, h.ID, m.Origin())
	assert.False(t, oldLib.closed.Load(), "a model credited to the old module keeps it resident")
	assert.Equal(t, 2, f.loader.Resident())

	require.NoError(t, binding.Release[counter, tick](f.registry, 1))
	assert.True(t, oldLib.closed.Load())
	assert.Equal(t, 1, f.loader.Resident())
	_, ok = f.loader.Info(reloaded.Handle)
	assert.True(t, ok)
}

func TestRetainRefusesReleasedModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.file(t, "libcounter.so", "counter-v1")
	h, err := f.loader.Load(ctx, "counter")
	require.NoError(t, err)

	assert.True(t, f.loader.Retain(h.ID))
	f.loader.Release(h.ID)
	require.NoError(t, f.loader.Unload(ctx, h))

	assert.False(t, f.loader.Retain(h.ID))
	assert.False(t, f.loader.Retain("unknown"))
	assert.Zero(t, f.loader.Resident())
}

func TestDependencies(t *testing.T) {
	ctx := context.Background()

	t.Run("Missing", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "librenderer.so", "renderer")
		_, err := f.loader.Load(ctx, "renderer")
		assert.ErrorIs(t, err, ErrDependencyMissing)
		assert.True(t, f.opener.last().closed.Load())
	})

	t.Run("UnloadWithDependents", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "libcounter.so", "counter-v1")
		f.file(t, "librenderer.so", "renderer")
		hc, err := f.loader.Load(ctx, "counter")
		require.NoError(t, err)
		hr, err := f.loader.Load(ctx, "renderer")
		require.NoError(t, err)

		assert.ErrorIs(t, f.loader.Unload(ctx, hc), ErrHasDependents)
		require.NoError(t, f.loader.Unload(ctx, hr))
		require.NoError(t, f.loader.Unload(ctx, hc))
	})

	t.Run("LoadAllOrders", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "libcounter.so", "counter-v1")
		f.file(t, "librenderer.so", "renderer")

		handles, err := f.loader.LoadAll(ctx, "renderer", "counter")
		require.NoError(t, err)
		require.Len(t, handles, 2)
		assert.Equal(t, "counter", handles[0].Name)
		assert.Equal(t, "renderer", handles[1].Name)

		r, ok := binding.Get[renderer](f.registry)
		require.True(t, ok)
		assert.Equal(t, "text", r.Render())

		require.NoError(t, f.loader.Close(ctx))
		assert.Empty(t, f.loader.Modules())
	})

	t.Run("LoadAllMissing", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "librenderer.so", "renderer")
		_, err := f.loader.LoadAll(ctx, "renderer")
		assert.ErrorIs(t, err, ErrDependencyMissing)
		assert.Empty(t, f.loader.Modules())
	})
}

func TestGraph(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("a", nil))
	require.NoError(t, g.Add("b", []string{"a"}))
	require.NoError(t, g.Add("c", []string{"b"}))

	assert.ErrorIs(t, g.Add("d", []string{"x"}), ErrDependencyMissing)
	assert.ErrorIs(t, g.Replace("a", []string{"c"}), ErrDependencyCycle)
	assert.ErrorIs(t, g.Replace("a", []string{"a"}), ErrDependencyCycle)
	assert.ErrorIs(t, g.Remove("a"), ErrHasDependents)
	assert.Equal(t, []string{"b"}, g.Dependents("a"))

	prev := g.Deps("c")
	prev[0] = "mutated"
	assert.Equal(t, []string{"b"}, g.Deps("c"), "Deps returns a copy")
	prev = g.Deps("c")
	require.NoError(t, g.Replace("c", []string{"a"}))
	assert.Empty(t, g.Dependents("b"))
	g.Restore("c", prev)
	assert.Equal(t, []string{"b"}, g.Deps("c"))
	assert.Equal(t, []string{"c"}, g.Dependents("b"))
	g.Restore("gone", []string{"a"})
	assert.False(t, g.Has("gone"))

	levels, err := Order(map[string][]string{
		"net":    nil,
		"ui":     {"render", "net"},
		"render": {"core"},
	}, func(name string) bool { return name == "core" })
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"net", "render"}, {"ui"}}, levels)

	_, err = Order(map[string][]string{"x": {"y"}, "y": {"x"}}, func(string) bool { return false })
	assert.ErrorIs(t, err, ErrDependencyCycle)
}
