package binding

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/hotswap/internal/core/events/bus"
	"github.com/zeusync/hotswap/internal/core/models"
	"github.com/zeusync/hotswap/pkg/modapi"
)

type greeter interface {
	Greet() string
}

type english struct{}

func (english) Greet() string { return "hello" }

type french struct{}

func (french) Greet() string { return "bonjour" }

type particle struct {
	X, Y float64
	Age  int
}

type countingTracker struct {
	mu   sync.Mutex
	refs map[string]int
}

func newCountingTracker() *countingTracker {
	return &countingTracker{refs: make(map[string]int)}
}

func (c *countingTracker) Retain(origin string) bool {
	c.mu.Lock()
	c.refs[origin]++
	c.mu.Unlock()
	return true
}

// swappingTracker refuses origins in dead, replacing the installed
// implementation first as a reload landing at that moment would.
type swappingTracker struct {
	*countingTracker
	dead    map[string]bool
	onRetry func()
}

func (s *swappingTracker) Retain(origin string) bool {
	if s.dead[origin] {
		s.onRetry()
		return false
	}
	return s.countingTracker.Retain(origin)
}

func (c *countingTracker) Release(origin string) {
	c.mu.Lock()
	c.refs[origin]--
	c.mu.Unlock()
}

func (c *countingTracker) count(origin string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[origin]
}

func newParticle(reuse *particle) *particle {
	if reuse == nil {
		return &particle{}
	}
	*reuse = particle{}
	return reuse
}

func TestInstallSwap(t *testing.T) {
	b := bus.New()
	r := New(WithBus(b))
	view := models.ViewIDOf[greeter]()

	_, ok := r.Implementation(view)
	assert.False(t, ok)

	require.NoError(t, Install[greeter](r, english{}, "en"))
	cached, ok := r.Implementation(view)
	require.True(t, ok)
	assert.Equal(t, "hello", cached.Value.(greeter).Greet())

	prev, err := r.Install(view, Implementation{Value: french{}, Origin: "fr"})
	require.NoError(t, err)
	assert.Same(t, cached, prev)

	fresh, ok := Get[greeter](r)
	require.True(t, ok)
	assert.Equal(t, "bonjour", fresh.Greet())
	assert.Equal(t, "hello", cached.Value.(greeter).Greet(), "cached handle keeps the old implementation")

	var installed []bus.BindingInstalled
	_, _ = b.Subscribe(bus.TypeBindingInstalled, func(e bus.Event) error {
		installed = append(installed, e.Data().(bus.BindingInstalled))
		return nil
	})
	assert.Equal(t, 2, b.Pending())
	require.NoError(t, b.Dispatch())
	require.Len(t, installed, 2)
	assert.Equal(t, view, installed[1].View)
	assert.Equal(t, "fr", installed[1].Origin)
	assert.Equal(t, "en", installed[1].Previous)

	_, err = r.Install(view, Implementation{})
	assert.ErrorIs(t, err, ErrNilImplementation)
}

func TestInstallVersionIncludesModelTypes(t *testing.T) {
	r := New()
	require.NoError(t, Install[greeter](r, english{}, "en", reflect.TypeFor[particle]()))

	impl, ok := r.Implementation(models.ViewIDOf[greeter]())
	require.True(t, ok)
	unit := modapi.Describe[greeter]("greeter", english{}, modapi.Model[particle]())
	assert.Equal(t, unit.APIVersion, impl.Version)
	assert.NotEqual(t, models.APIVersionFor[greeter](), impl.Version)
}

func TestUninstallOnlyOwnOrigin(t *testing.T) {
	r := New(WithBus(bus.New()))
	view := models.ViewIDOf[greeter]()
	require.NoError(t, Install[greeter](r, english{}, "en"))

	assert.False(t, r.Uninstall(view, "fr"))
	_, ok := r.Implementation(view)
	assert.True(t, ok)

	assert.True(t, r.Uninstall(view, "en"))
	_, ok = r.Implementation(view)
	assert.False(t, ok)
	assert.False(t, r.Uninstall(view, "en"))
}

func TestModelRecycling(t *testing.T) {
	r := New(WithBus(bus.New()))

	first, err := Acquire[greeter](r, 1, newParticle)
	require.NoError(t, err)
	first.Age = 9

	again, err := Acquire[greeter](r, 1, newParticle)
	require.NoError(t, err)
	assert.Same(t, first, again, "live id returns the same instance")

	handle, ok := r.GetModel(models.ViewIDOf[greeter](), models.ModelTypeOf[particle](), 1)
	require.True(t, ok)

	require.NoError(t, Release[greeter, particle](r, 1))
	_, ok = r.GetModel(models.ViewIDOf[greeter](), models.ModelTypeOf[particle](), 1)
	assert.False(t, ok)

	recycled, err := Acquire[greeter](r, 2, newParticle)
	require.NoError(t, err)
	assert.Same(t, first, recycled, "released instance is reused")
	assert.Zero(t, recycled.Age)

	handle2, ok := r.GetModel(models.ViewIDOf[greeter](), models.ModelTypeOf[particle](), 2)
	require.True(t, ok)
	assert.Same(t, handle, handle2)
	assert.Equal(t, models.ModelID(2), handle2.ID)

	err = Release[greeter, particle](r, 7)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecycleCapacity(t *testing.T) {
	tracker := newCountingTracker()
	r := New(WithBus(bus.New()), WithRefTracker(tracker), WithRecycleCapacity(1))
	require.NoError(t, Install[greeter](r, english{}, "en"))

	for id := models.ModelID(1); id <= 3; id++ {
		_, err := Acquire[greeter](r, id, newParticle)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, tracker.count("en"))

	for id := models.ModelID(1); id <= 3; id++ {
		require.NoError(t, Release[greeter, particle](r, id))
	}
	stats := r.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Recycled)
	assert.Equal(t, 1, tracker.count("en"), "recycled instance still references its origin")

	assert.Equal(t, 1, r.ClearRecycled(models.ViewIDOf[greeter]()))
	assert.Zero(t, tracker.count("en"))
}

func TestRefsFollowOrigin(t *testing.T) {
	tracker := newCountingTracker()
	r := New(WithBus(bus.New()), WithRefTracker(tracker))
	view := models.ViewIDOf[greeter]()
	require.NoError(t, Install[greeter](r, english{}, "en"))

	m, err := Acquire[greeter](r, 1, newParticle)
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.count("en"))

	_, err = r.Install(view, Implementation{Value: french{}, Origin: "fr"})
	require.NoError(t, err)
	require.NoError(t, Release[greeter, particle](r, 1))

	again, err := Acquire[greeter](r, 5, newParticle)
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Zero(t, tracker.count("en"))
	assert.Equal(t, 1, tracker.count("fr"))

	handle, ok := r.GetModel(view, models.ModelTypeOf[particle](), 5)
	require.True(t, ok)
	assert.Equal(t, "fr", handle.Origin())
}

func TestCreateRetriesReleasedOrigin(t *testing.T) {
	tracker := &swappingTracker{countingTracker: newCountingTracker(), dead: map[string]bool{"en": true}}
	r := New(WithBus(bus.New()), WithRefTracker(tracker))
	require.NoError(t, Install[greeter](r, english{}, "en"))
	tracker.onRetry = func() {
		require.NoError(t, Install[greeter](r, french{}, "fr"))
	}

	_, err := Acquire[greeter](r, 1, newParticle)
	require.NoError(t, err)

	m, ok := r.GetModel(models.ViewIDOf[greeter](), models.ModelTypeOf[particle](), 1)
	require.True(t, ok)
	assert.Equal(t, "fr", m.Origin(), "model is credited to the implementation that could be retained")
	assert.Equal(t, 1, tracker.count("fr"))
	assert.Zero(t, tracker.count("en"))

	tracker.dead["fr"] = true
	tracker.onRetry = func() {}
	_, err = Acquire[greeter](r, 2, newParticle)
	assert.ErrorIs(t, err, ErrOriginReleased)
	_, ok = r.GetModel(models.ViewIDOf[greeter](), models.ModelTypeOf[particle](), 2)
	assert.False(t, ok)
}

func TestFactoryMayUseSamePool(t *testing.T) {
	tracker := newCountingTracker()
	r := New(WithBus(bus.New()), WithRefTracker(tracker))
	require.NoError(t, Install[greeter](r, english{}, "en"))

	var inner *particle
	outer, err := Acquire[greeter](r, 1, func(reuse *particle) *particle {
		var err error
		inner, err = Acquire[greeter](r, 2, newParticle)
		require.NoError(t, err)
		again, err := Acquire[greeter](r, 1, newParticle)
		require.NoError(t, err)
		return again
	})
	require.NoError(t, err)
	assert.NotSame(t, inner, outer)
	assert.Equal(t, 2, r.Stats().Active)
	assert.Equal(t, 2, tracker.count("en"), "the losing factory result does not keep a reference")
}

func TestRegisterModelTypesAndStats(t *testing.T) {
	r := New(WithBus(bus.New()))
	view := models.ViewIDOf[greeter]()
	r.RegisterModelTypes(view, models.ModelTypeOf[particle](), models.ModelTypeOf[int]())

	_, ok := r.Pool(view, models.ModelTypeOf[particle]())
	assert.True(t, ok)
	assert.Equal(t, []models.ViewID{view}, r.Views())

	stats := r.Stats()
	assert.Equal(t, Stats{Views: 1, Pools: 2}, stats)

	_, err := r.GetOrCreateModel(view, models.ModelTypeOf[int](), 1, nil)
	assert.ErrorIs(t, err, ErrNilFactory)
	_, err = r.GetOrCreateModel(view, models.ModelTypeOf[int](), 1, func(any) any { return nil })
	assert.ErrorIs(t, err, ErrFactoryResult)
}

func TestConcurrentReadsDuringInstall(t *testing.T) {
	r := New(WithBus(bus.New()))
	require.NoError(t, Install[greeter](r, english{}, "en"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g, ok := Get[greeter](r)
				if assert.True(t, ok) {
					s := g.Greet()
					assert.Contains(t, []string{"hello", "bonjour"}, s)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for id := models.ModelID(0); id < 200; id++ {
			_, err := Acquire[greeter](r, id, newParticle)
			assert.NoError(t, err)
			assert.NoError(t, Release[greeter, particle](r, id))
		}
	}()

	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			require.NoError(t, Install[greeter](r, french{}, "fr"))
		} else {
			require.NoError(t, Install[greeter](r, english{}, "en"))
		}
	}
	close(stop)
	wg.Wait()
}
