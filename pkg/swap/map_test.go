package swap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Run("Basic Operations", func(t *testing.T) {
		m := NewMap[string, int]()
		_, ok := m.Load("a")
		require.False(t, ok)

		_, had := m.Store("a", 1)
		require.False(t, had)
		prev, had := m.Store("a", 2)
		require.True(t, had)
		assert.Equal(t, 1, prev)

		v, ok := m.Load("a")
		require.True(t, ok)
		assert.Equal(t, 2, v)
		assert.Equal(t, uint64(2), m.Version())

		prev, had = m.Delete("a")
		assert.True(t, had)
		assert.Equal(t, 2, prev)
		assert.Equal(t, 0, m.Len())
	})

	t.Run("SnapshotIsStable", func(t *testing.T) {
		m := NewMap[string, int]()
		m.Store("a", 1)
		snap := m.Snapshot()
		m.Store("b", 2)
		assert.Len(t, snap, 1)
		assert.Equal(t, 2, m.Len())
	})

	t.Run("LoadOrStore", func(t *testing.T) {
		m := NewMap[string, *int]()
		calls := 0
		create := func() *int { calls++; v := 7; return &v }

		first, loaded := m.LoadOrStore("k", create)
		require.False(t, loaded)
		second, loaded := m.LoadOrStore("k", create)
		require.True(t, loaded)
		assert.Same(t, first, second)
		assert.Equal(t, 1, calls)
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		m := NewMap[string, int]()
		m.Store("k", 1)
		assert.False(t, m.CompareAndDelete("k", func(v int) bool { return v == 2 }))
		assert.True(t, m.CompareAndDelete("k", func(v int) bool { return v == 1 }))
		assert.False(t, m.CompareAndDelete("k", func(int) bool { return true }))
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		m := NewMap[int, int]()
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					m.Store(w*1000+i, i)
					_, _ = m.Load(i)
				}
			}(w)
		}
		wg.Wait()
		assert.Equal(t, 800, m.Len())
	})
}
