package llm

// FallbackResolver follows the static per-model fallback edges. The
// chain data is authored by operators and may be wrong, so resolution
// guards against dangling targets and cycles regardless of what the
// registry accepted at load time.
type FallbackResolver struct {
	registry *Registry
}

// NewFallbackResolver creates a resolver over the given registry.
func NewFallbackResolver(registry *Registry) *FallbackResolver {
	return &FallbackResolver{registry: registry}
}

// NextCandidate returns the substitute for a failed model. It reports
// false when the failed model is unknown, has no fallback, the fallback
// is not registered, or the fallback was already attempted in this
// request (cycle guard). Deterministic for one registry snapshot.
func (f *FallbackResolver) NextCandidate(failedID string, visited map[string]bool) (string, bool) {
	m, ok := f.registry.Get(failedID)
	if !ok || m.FallbackModelID == "" {
		return "", false
	}
	next := m.FallbackModelID
	if _, ok := f.registry.Get(next); !ok {
		return "", false
	}
	if visited[next] {
		return "", false
	}
	return next, true
}

// HasFallback reports whether the model declares any fallback edge,
// registered or not. The retry loop uses this to distinguish "no
// substitute configured" (retry the same model) from "chain exhausted"
// (stop).
func (f *FallbackResolver) HasFallback(modelID string) bool {
	m, ok := f.registry.Get(modelID)
	return ok && m.FallbackModelID != ""
}
