package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, models ...ModelDescriptor) *Registry {
	t.Helper()
	r, err := NewRegistry(context.Background(), StaticSource(models), RegistryOptions{Logger: zap.NewNop()})
	require.NoError(t, err)
	return r
}

// failingSource fails until flipped, then serves models.
type failingSource struct {
	fail   bool
	models []ModelDescriptor
}

func (s *failingSource) LoadModels(context.Context) ([]ModelDescriptor, error) {
	if s.fail {
		return nil, errors.New("store down")
	}
	return s.models, nil
}

func TestNewRegistryInitialLoadFailure(t *testing.T) {
	_, err := NewRegistry(context.Background(), &failingSource{fail: true}, RegistryOptions{})
	require.Error(t, err)
	assert.Equal(t, ErrProviderUnavailable, CodeOf(err))
}

func TestRegistryLookupAndOrder(t *testing.T) {
	r := newTestRegistry(t,
		ModelDescriptor{ID: "b", Provider: "p", Priority: 20},
		ModelDescriptor{ID: "a", Provider: "p", Priority: 10},
		ModelDescriptor{ID: "c", Provider: "p", Priority: 10},
	)

	assert.Equal(t, 3, r.Len())

	m, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, m.Priority)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	// Priority ascending, then id ascending within a tier.
	var ids []string
	for _, m := range r.Models() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids)
}

func TestRegistryDeduplicatesKeepingFirst(t *testing.T) {
	r := newTestRegistry(t,
		ModelDescriptor{ID: "dup", Provider: "first", Priority: 10},
		ModelDescriptor{ID: "dup", Provider: "second", Priority: 20},
	)

	assert.Equal(t, 1, r.Len())
	m, _ := r.Get("dup")
	assert.Equal(t, "first", m.Provider)
}

func TestRegistryRefreshSwapsSnapshot(t *testing.T) {
	src := &failingSource{models: []ModelDescriptor{{ID: "old", Provider: "p"}}}
	r, err := NewRegistry(context.Background(), src, RegistryOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	src.models = []ModelDescriptor{
		{ID: "new-1", Provider: "p"},
		{ID: "new-2", Provider: "p"},
	}
	require.NoError(t, r.Refresh(context.Background()))

	assert.Equal(t, 2, r.Len())
	_, ok := r.Get("old")
	assert.False(t, ok)
}

func TestRegistryRefreshFailureKeepsSnapshot(t *testing.T) {
	src := &failingSource{models: []ModelDescriptor{{ID: "m", Provider: "p"}}}
	r, err := NewRegistry(context.Background(), src, RegistryOptions{})
	require.NoError(t, err)

	src.fail = true
	require.Error(t, r.Refresh(context.Background()))

	// Readers still see the last good catalog.
	_, ok := r.Get("m")
	assert.True(t, ok)
}

func TestRegistryToleratesBadFallbackEdges(t *testing.T) {
	// Dangling and cyclic edges are authored data; the registry loads them
	// and leaves enforcement to the resolver.
	r := newTestRegistry(t,
		ModelDescriptor{ID: "a", Provider: "p", FallbackModelID: "b"},
		ModelDescriptor{ID: "b", Provider: "p", FallbackModelID: "a"},
		ModelDescriptor{ID: "c", Provider: "p", FallbackModelID: "ghost"},
	)
	assert.Equal(t, 3, r.Len())
}

func TestRegistryConcurrentReadsDuringRefresh(t *testing.T) {
	src := &failingSource{models: []ModelDescriptor{{ID: "m", Provider: "p"}}}
	r, err := NewRegistry(context.Background(), src, RegistryOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(50 * time.Millisecond)
		for time.Now().Before(deadline) {
			_, _ = r.Get("m")
			_ = r.Models()
		}
	}()
	for i := 0; i < 20; i++ {
		require.NoError(t, r.Refresh(context.Background()))
	}
	<-done
}
