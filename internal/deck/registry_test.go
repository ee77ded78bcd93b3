package deck

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEntry(name string) *Entry {
	return &Entry{Manifest: &Manifest{Name: name, Version: "1.0.0"}}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	require.NoError(t, registry.Register(testEntry("sandwich")))

	entry, ok := registry.Get("sandwich")
	require.True(t, ok)
	assert.Equal(t, "sandwich", entry.Name())
	assert.Equal(t, "1.0.0", entry.Version())

	_, ok = registry.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_Duplicate(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	require.NoError(t, registry.Register(testEntry("sandwich")))
	err := registry.Register(testEntry("sandwich"))

	var target *CassetteAlreadyRegisteredError
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, 1, registry.Count())
}

func TestRegistry_ListSorted(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, registry.Register(testEntry(name)))
	}

	var names []string
	for _, entry := range registry.List() {
		names = append(names, entry.Name())
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, names)
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register(testEntry("sandwich")))

	entry, ok := registry.Unregister("sandwich")
	require.True(t, ok)
	assert.Equal(t, "sandwich", entry.Name())
	assert.Equal(t, 0, registry.Count())

	_, ok = registry.Unregister("sandwich")
	assert.False(t, ok)
}

func TestRegistry_Concurrent(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = registry.Register(testEntry(fmt.Sprintf("cassette-%d", i)))
			_ = registry.List()
			_, _ = registry.Get("cassette-0")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, registry.Count())
}
