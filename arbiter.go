// Package arbiter provides a top-level convenience entry point for
// creating a generation service with minimal boilerplate.
//
// Usage:
//
//	import "github.com/arbiterhq/arbiter"
//
//	svc, err := arbiter.New(arbiter.WithOpenAI("sk-..."))
//	svc, err := arbiter.New(arbiter.WithAnthropic(""), arbiter.WithGoogle(""))
//
// An empty key falls back to the provider's conventional environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY,
// PERPLEXITY_API_KEY). For full control over the registry source, rate
// limiter and usage sink, wire llm.NewService directly; this package
// only covers the in-memory single-process case.
package arbiter

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/llm"
	"github.com/arbiterhq/arbiter/llm/ratelimit"
	"github.com/arbiterhq/arbiter/llm/tokenizer"
	"github.com/arbiterhq/arbiter/providers"
	"github.com/arbiterhq/arbiter/providers/anthropic"
	"github.com/arbiterhq/arbiter/providers/google"
	"github.com/arbiterhq/arbiter/providers/openai"
	"github.com/arbiterhq/arbiter/providers/perplexity"
)

// Option configures the service created by [New].
type Option func(*builder)

type builder struct {
	providers []llm.Provider
	cfg       llm.ServiceConfig
	recorder  llm.UsageRecorder
	limiter   llm.RateLimiter
	logger    *zap.Logger
}

// WithOpenAI adds the OpenAI adapter. Empty key reads OPENAI_API_KEY.
func WithOpenAI(apiKey string) Option {
	return func(b *builder) {
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		b.providers = append(b.providers, openai.New(providers.OpenAIConfig{APIKey: apiKey}, b.logger))
	}
}

// WithAnthropic adds the Anthropic adapter. Empty key reads ANTHROPIC_API_KEY.
func WithAnthropic(apiKey string) Option {
	return func(b *builder) {
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		b.providers = append(b.providers, anthropic.New(providers.AnthropicConfig{APIKey: apiKey}, b.logger))
	}
}

// WithGoogle adds the Google adapter. Empty key reads GOOGLE_API_KEY.
func WithGoogle(apiKey string) Option {
	return func(b *builder) {
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		b.providers = append(b.providers, google.New(providers.GoogleConfig{APIKey: apiKey}, b.logger))
	}
}

// WithPerplexity adds the Perplexity adapter. Empty key reads PERPLEXITY_API_KEY.
func WithPerplexity(apiKey string) Option {
	return func(b *builder) {
		if apiKey == "" {
			apiKey = os.Getenv("PERPLEXITY_API_KEY")
		}
		b.providers = append(b.providers, perplexity.New(providers.PerplexityConfig{APIKey: apiKey}, b.logger))
	}
}

// WithProvider adds a pre-built adapter.
func WithProvider(p llm.Provider) Option {
	return func(b *builder) { b.providers = append(b.providers, p) }
}

// WithServiceConfig overrides the orchestrator tuning.
func WithServiceConfig(cfg llm.ServiceConfig) Option {
	return func(b *builder) { b.cfg = cfg }
}

// WithRecorder sets the usage sink. Default discards records.
func WithRecorder(r llm.UsageRecorder) Option {
	return func(b *builder) { b.recorder = r }
}

// WithRateLimiter sets the local limiter. Default is an in-memory
// fixed-window limiter seeded from each provider's default envelope.
func WithRateLimiter(l llm.RateLimiter) Option {
	return func(b *builder) { b.limiter = l }
}

// WithLogger sets a custom zap logger. Must come before provider
// options for the adapters to pick it up.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// New creates a ready-to-use generation service whose catalog is the
// union of the configured adapters' static catalogs.
func New(opts ...Option) (*llm.Service, error) {
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.providers) == 0 {
		return nil, errors.New("arbiter: at least one provider is required")
	}

	registry, err := llm.NewRegistry(context.Background(), llm.ProviderSource(b.providers),
		llm.RegistryOptions{Logger: b.logger})
	if err != nil {
		return nil, err
	}

	limiter := b.limiter
	if limiter == nil {
		mem := ratelimit.NewMemoryLimiter(ratelimit.DefaultLimit, b.logger)
		for _, m := range registry.Models() {
			if m.RateLimit.RequestsPerMinute > 0 {
				mem.SetLimit(m.ID, ratelimit.Limit{
					Requests: m.RateLimit.RequestsPerMinute,
					Window:   ratelimit.DefaultLimit.Window,
				})
			}
		}
		limiter = mem
	}

	return llm.NewService(b.cfg, registry, b.providers, tokenizer.NewEstimator(),
		limiter, b.recorder, b.logger), nil
}
