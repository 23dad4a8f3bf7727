package llm

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CatalogSource supplies model descriptors from a backing store. The
// registry treats it as read-only input.
type CatalogSource interface {
	LoadModels(ctx context.Context) ([]ModelDescriptor, error)
}

// StaticSource serves a fixed descriptor list; used in tests and for
// deployments without a catalog database.
type StaticSource []ModelDescriptor

func (s StaticSource) LoadModels(context.Context) ([]ModelDescriptor, error) {
	return []ModelDescriptor(s), nil
}

// ProviderSource aggregates the static catalogs of registered adapters.
type ProviderSource []Provider

func (s ProviderSource) LoadModels(context.Context) ([]ModelDescriptor, error) {
	var out []ModelDescriptor
	for _, p := range s {
		out = append(out, p.ListModels()...)
	}
	return out, nil
}

// snapshot is the immutable registry state. Readers hold a snapshot
// pointer and never observe partial updates; refresh builds a new one
// and swaps it in.
type snapshot struct {
	byID    map[string]ModelDescriptor
	ordered []ModelDescriptor // priority ascending, id ascending
}

// Registry holds the process-wide model catalog. Read-heavy: lookups are
// lock-free against an atomically swapped snapshot.
type Registry struct {
	source   CatalogSource
	snap     atomic.Pointer[snapshot]
	group    singleflight.Group
	interval time.Duration
	cancel   context.CancelFunc
	logger   *zap.Logger
}

// RegistryOptions configures refresh behaviour.
type RegistryOptions struct {
	RefreshInterval time.Duration // default 5 minutes
	Logger          *zap.Logger
}

// NewRegistry creates a registry and performs the initial load.
func NewRegistry(ctx context.Context, source CatalogSource, opts RegistryOptions) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	r := &Registry{
		source:   source,
		interval: opts.RefreshInterval,
		logger:   opts.Logger,
	}
	r.snap.Store(&snapshot{byID: map[string]ModelDescriptor{}})
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh reloads the catalog and swaps in a new snapshot. Concurrent
// callers share one load via singleflight.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		models, err := r.source.LoadModels(ctx)
		if err != nil {
			return nil, NewError(ErrProviderUnavailable, "catalog load failed").WithCause(err)
		}
		r.snap.Store(r.buildSnapshot(models))
		r.logger.Info("model registry refreshed", zap.Int("models", len(models)))
		return nil, nil
	})
	return err
}

func (r *Registry) buildSnapshot(models []ModelDescriptor) *snapshot {
	byID := make(map[string]ModelDescriptor, len(models))
	for _, m := range models {
		if _, dup := byID[m.ID]; dup {
			r.logger.Warn("duplicate model id in catalog, keeping first", zap.String("model", m.ID))
			continue
		}
		byID[m.ID] = m
	}
	ordered := make([]ModelDescriptor, 0, len(byID))
	for _, m := range byID {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	r.validateFallbacks(byID)
	return &snapshot{byID: byID, ordered: ordered}
}

// validateFallbacks flags dangling and cyclic fallback edges at load
// time. Bad edges are authored data, not runtime faults: they are logged
// for operators and tolerated defensively at resolution time.
func (r *Registry) validateFallbacks(byID map[string]ModelDescriptor) {
	for id, m := range byID {
		if m.FallbackModelID == "" {
			continue
		}
		if _, ok := byID[m.FallbackModelID]; !ok {
			r.logger.Warn("fallback model not registered",
				zap.String("model", id),
				zap.String("fallback", m.FallbackModelID))
			continue
		}
		// Walk the chain; revisiting a node means a cycle.
		seen := map[string]bool{id: true}
		cur := m.FallbackModelID
		for cur != "" {
			if seen[cur] {
				r.logger.Warn("fallback chain contains a cycle",
					zap.String("model", id),
					zap.String("revisits", cur))
				break
			}
			seen[cur] = true
			next, ok := byID[cur]
			if !ok {
				break
			}
			cur = next.FallbackModelID
		}
	}
}

// Start launches the periodic refresh loop.
func (r *Registry) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.logger.Warn("registry refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the refresh loop.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Get returns the descriptor for a model id.
func (r *Registry) Get(id string) (ModelDescriptor, bool) {
	m, ok := r.snap.Load().byID[id]
	return m, ok
}

// Models returns all descriptors in priority order. The slice is shared
// with the snapshot; callers must not mutate it.
func (r *Registry) Models() []ModelDescriptor {
	return r.snap.Load().ordered
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	return len(r.snap.Load().byID)
}
