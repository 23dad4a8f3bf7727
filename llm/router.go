package llm

import (
	"fmt"

	"go.uber.org/zap"
)

// Router selects a model for a requested capability. Selection is
// deterministic for a given registry snapshot: preference first when it
// qualifies, otherwise the lowest-priority-rank capable model.
type Router struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRouter creates a Router over the given registry.
func NewRouter(registry *Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{registry: registry, logger: logger}
}

// SelectModel picks the best registered model for capability. A
// preference that is missing or lacks the capability is an explicit,
// logged degradation to the priority scan, not a silent default.
func (r *Router) SelectModel(capability, preference string) (ModelDescriptor, error) {
	if preference != "" {
		if m, ok := r.registry.Get(preference); ok && m.HasCapability(capability) {
			return m, nil
		}
		r.logger.Warn("preferred model unusable, falling back to priority scan",
			zap.String("preference", preference),
			zap.String("capability", capability))
	}

	for _, m := range r.registry.Models() {
		if m.HasCapability(capability) {
			return m, nil
		}
	}
	return ModelDescriptor{}, NewError(ErrCapabilityNotFound,
		fmt.Sprintf("no registered model supports capability %q", capability))
}
