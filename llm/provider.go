package llm

import (
	"context"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the provider-agnostic conversation unit. Order is
// semantically meaningful; adapters may relocate the system message to
// wherever their wire format wants it, but never reorder the rest.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// GenerationRequest is the logical request handed to the orchestrator.
// ModelID pins a concrete model; when empty the capability router picks
// one, honouring Preference if it is registered and capable.
type GenerationRequest struct {
	ModelID    string    `json:"model_id,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Preference string    `json:"preference,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Messages   []Message `json:"messages"`
	// Temperature nil means "use the orchestrator default". A pointer so
	// an explicit 0 is distinguishable from unset.
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Validate checks the request invariants before any model is selected.
func (r *GenerationRequest) Validate() error {
	if r == nil || len(r.Messages) == 0 {
		return NewError(ErrInvalidRequest, "messages must not be empty")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 1) {
		return NewError(ErrInvalidRequest, fmt.Sprintf("temperature %v out of range [0,1]", *r.Temperature))
	}
	if r.MaxTokens < 0 {
		return NewError(ErrInvalidRequest, "max_tokens must be positive")
	}
	for _, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return NewError(ErrInvalidRequest, fmt.Sprintf("unknown role %q", m.Role))
		}
	}
	return nil
}

// Usage holds token accounting for one completed attempt.
// TotalTokens == PromptTokens + CompletionTokens always; the normalizer
// enforces this even when a provider omits usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResult is the canonical success shape returned to callers.
type GenerationResult struct {
	Content   string `json:"content"`
	ModelID   string `json:"model_id"`
	Provider  string `json:"provider"`
	LatencyMS int64  `json:"latency_ms"`
	Usage     Usage  `json:"usage"`
}

// RateLimitEnvelope is a provider's default local-limiter seed.
type RateLimitEnvelope struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute"`
}

// ModelDescriptor is the static metadata for one model on one provider.
// Descriptors are immutable once a registry snapshot is published.
type ModelDescriptor struct {
	ID                  string            `json:"id"`
	Provider            string            `json:"provider"`
	MaxTokens           int               `json:"max_tokens"`
	ContextWindow       int               `json:"context_window"`
	Capabilities        []string          `json:"capabilities"`
	SupportsTemperature bool              `json:"supports_temperature"`
	Priority            int               `json:"priority"`
	FallbackModelID     string            `json:"fallback_model_id,omitempty"`
	RateLimit           RateLimitEnvelope `json:"rate_limit"`
}

// HasCapability reports whether the descriptor declares the capability.
func (d ModelDescriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Provider adapts one backend to the canonical contract. Adapters issue
// exactly one outbound call per Generate invocation and never retry;
// retries belong to the orchestrator.
type Provider interface {
	// Generate issues a single completion call and returns the raw,
	// provider-shaped reply for the normalizer. Errors are always *Error.
	Generate(ctx context.Context, req *GenerationRequest) (*RawReply, error)

	// ListModels returns the static catalog this adapter serves.
	ListModels() []ModelDescriptor

	// Supports reports whether any served model declares the capability.
	Supports(capability string) bool

	// Name is the provider identifier used in descriptors and telemetry.
	Name() string

	// DefaultRateLimit seeds the local limiter when no override exists.
	DefaultRateLimit() RateLimitEnvelope
}

// RateLimiter gates an attempt before the network call. Non-blocking:
// a rejection is reported to the retry loop, which decides what to do.
type RateLimiter interface {
	TryAcquire(ctx context.Context, subject, modelID string) bool
}

// AttemptRecord is the telemetry row emitted for every attempt,
// successful or not. Writes are best-effort and must never fail the
// caller's request.
type AttemptRecord struct {
	RequestID        string    `json:"request_id"`
	ModelID          string    `json:"model_id"`
	Provider         string    `json:"provider"`
	SubjectID        string    `json:"subject_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	Success          bool      `json:"success"`
	ErrorCode        ErrorCode `json:"error_code,omitempty"`
	At               time.Time `json:"at"`
}

// UsageRecorder receives one record per attempt. Implementations must
// tolerate concurrent writers.
type UsageRecorder interface {
	Record(ctx context.Context, rec *AttemptRecord) error
}

// NopRecorder discards records; useful default and test double.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *AttemptRecord) error { return nil }
