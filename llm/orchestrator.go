package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/arbiterhq/arbiter/llm"

// ServiceConfig tunes the orchestrator. Zero values are replaced with
// the documented defaults by normalize.
type ServiceConfig struct {
	// DefaultCapability is used when a request names neither a model nor
	// a capability.
	DefaultCapability string `json:"default_capability" yaml:"default_capability"`

	// DefaultMaxTokens caps completions when the request does not.
	DefaultMaxTokens int `json:"default_max_tokens" yaml:"default_max_tokens"`

	// DefaultTemperature applies when the request leaves it unset.
	DefaultTemperature float32 `json:"default_temperature" yaml:"default_temperature"`

	// MaxAttempts bounds the retry/fallback sequence. Default 3.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// RetryBaseDelay is the linear backoff base: sleep = base × attempt.
	// Default 1s.
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`

	// CallTimeout bounds each network attempt. Default 30s.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`

	// OverallTimeout bounds the whole multi-attempt sequence. Default
	// MaxAttempts × (CallTimeout + MaxAttempts × RetryBaseDelay), the
	// documented worst case.
	OverallTimeout time.Duration `json:"overall_timeout" yaml:"overall_timeout"`
}

func (c *ServiceConfig) normalize() {
	if c.DefaultCapability == "" {
		c.DefaultCapability = "chat"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = time.Duration(c.MaxAttempts) *
			(c.CallTimeout + time.Duration(c.MaxAttempts)*c.RetryBaseDelay)
	}
}

// Service is the public entry point: it composes router → rate limiter →
// provider adapter → normalizer, with retry and fallback between
// attempts, and emits one usage record per attempt.
type Service struct {
	cfg        ServiceConfig
	registry   *Registry
	router     *Router
	fallback   *FallbackResolver
	providers  map[string]Provider
	limiter    RateLimiter
	normalizer *Normalizer
	recorder   UsageRecorder
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewService wires the orchestrator. limiter may be nil (no local
// gating); recorder may be nil (NopRecorder).
func NewService(cfg ServiceConfig, registry *Registry, providers []Provider, est TokenEstimator,
	limiter RateLimiter, recorder UsageRecorder, logger *zap.Logger) *Service {

	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Service{
		cfg:        cfg,
		registry:   registry,
		router:     NewRouter(registry, logger),
		fallback:   NewFallbackResolver(registry),
		providers:  byName,
		limiter:    limiter,
		normalizer: NewNormalizer(est),
		recorder:   recorder,
		tracer:     otel.Tracer(instrumentationName),
		logger:     logger,
	}
}

// Generate resolves a model, then runs the attempt loop:
//
//	Selecting → Attempting → {Success, Retrying, Exhausted}
//
// Terminal errors (auth, invalid request, safety) return immediately.
// Retryable errors sleep RetryBaseDelay × attempt, consult the fallback
// resolver, and go around again while budget remains. Attempts within
// one request are strictly sequential; there is no speculative fan-out.
func (s *Service) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OverallTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "llm.generate",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("request.capability", req.Capability),
		))
	defer span.End()

	candidateID, err := s.initialCandidate(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	visited := make(map[string]bool)
	var tried []string
	var lastErr error
	attempts := 0

loop:
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		desc, ok := s.registry.Get(candidateID)
		if !ok {
			// Registry swapped mid-request and dropped the candidate.
			lastErr = NewError(ErrUnsupportedModel,
				fmt.Sprintf("model %q no longer registered", candidateID))
			break
		}
		if !visited[candidateID] {
			visited[candidateID] = true
			tried = append(tried, candidateID)
		}

		attempts++
		res, attemptErr := s.attempt(ctx, requestID, req, desc, attempt)
		if attemptErr == nil {
			span.SetAttributes(
				attribute.String("model.id", res.ModelID),
				attribute.Int("attempts", attempts),
			)
			return res, nil
		}
		lastErr = attemptErr
		s.logger.Warn("generation attempt failed",
			zap.String("request_id", requestID),
			zap.String("model", desc.ID),
			zap.Int("attempt", attempt),
			zap.String("code", string(CodeOf(attemptErr))),
			zap.Error(attemptErr))

		if !IsRetryable(attemptErr) || attempt == s.cfg.MaxAttempts {
			break
		}

		// Retrying: linear backoff, cancellable by the overall deadline.
		select {
		case <-ctx.Done():
			lastErr = NewError(ErrTimeout, "request deadline exceeded during backoff").
				WithCause(ctx.Err()).WithModel(candidateID)
			break loop
		case <-time.After(s.cfg.RetryBaseDelay * time.Duration(attempt)):
		}

		if next, ok := s.fallback.NextCandidate(candidateID, visited); ok {
			s.logger.Info("falling back to substitute model",
				zap.String("request_id", requestID),
				zap.String("from", candidateID),
				zap.String("to", next))
			candidateID = next
		} else if s.fallback.HasFallback(candidateID) {
			// A fallback is configured but leads nowhere new (cycle or
			// dangling edge): the chain is exhausted, stop rather than
			// loop. A model with no fallback at all is simply retried.
			break
		}
	}

	final := s.exhausted(lastErr, attempts, tried)
	span.RecordError(final)
	return nil, final
}

func (s *Service) initialCandidate(req *GenerationRequest) (string, error) {
	if req.ModelID != "" {
		if _, ok := s.registry.Get(req.ModelID); !ok {
			return "", NewError(ErrUnsupportedModel,
				fmt.Sprintf("model %q is not registered", req.ModelID))
		}
		return req.ModelID, nil
	}
	capability := req.Capability
	if capability == "" {
		capability = s.cfg.DefaultCapability
	}
	desc, err := s.router.SelectModel(capability, req.Preference)
	if err != nil {
		return "", err
	}
	return desc.ID, nil
}

// attempt runs one pass of the Attempting state: rate-limit gate, the
// provider call under the per-call timeout, then normalization. Exactly
// one usage record is emitted whatever the outcome.
func (s *Service) attempt(ctx context.Context, requestID string, req *GenerationRequest,
	desc ModelDescriptor, attemptNo int) (*GenerationResult, error) {

	rec := &AttemptRecord{
		RequestID: requestID,
		ModelID:   desc.ID,
		Provider:  desc.Provider,
		SubjectID: req.Subject,
		At:        time.Now(),
	}

	if s.limiter != nil && !s.limiter.TryAcquire(ctx, req.Subject, desc.ID) {
		err := NewError(ErrLocalRateLimit, "local rate limit exceeded").
			WithModel(desc.ID).WithProvider(desc.Provider)
		rec.ErrorCode = err.Code
		s.record(ctx, rec)
		return nil, err
	}

	provider, ok := s.providers[desc.Provider]
	if !ok {
		err := NewError(ErrUnsupportedModel,
			fmt.Sprintf("no adapter registered for provider %q", desc.Provider)).WithModel(desc.ID)
		rec.ErrorCode = err.Code
		s.record(ctx, rec)
		return nil, err
	}

	eff := s.effectiveRequest(req, desc)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	raw, err := provider.Generate(callCtx, eff)
	elapsed := time.Since(start)
	rec.LatencyMS = elapsed.Milliseconds()

	if err != nil {
		err = classifyAttemptError(err, desc)
		rec.ErrorCode = CodeOf(err)
		s.record(ctx, rec)
		return nil, err
	}

	res, err := s.normalizer.Normalize(eff, raw, desc.ID, elapsed)
	if err != nil {
		rec.ErrorCode = CodeOf(err)
		s.record(ctx, rec)
		return nil, err
	}

	rec.Success = true
	rec.PromptTokens = res.Usage.PromptTokens
	rec.CompletionTokens = res.Usage.CompletionTokens
	rec.TotalTokens = res.Usage.TotalTokens
	s.record(ctx, rec)
	return res, nil
}

// effectiveRequest pins the model and fills orchestrator defaults.
// Temperature is dropped for models that do not support it; MaxTokens is
// clamped to the descriptor cap.
func (s *Service) effectiveRequest(req *GenerationRequest, desc ModelDescriptor) *GenerationRequest {
	eff := *req
	eff.ModelID = desc.ID
	if eff.MaxTokens == 0 {
		eff.MaxTokens = s.cfg.DefaultMaxTokens
	}
	if desc.MaxTokens > 0 && (eff.MaxTokens == 0 || eff.MaxTokens > desc.MaxTokens) {
		eff.MaxTokens = desc.MaxTokens
	}
	if eff.Temperature == nil && s.cfg.DefaultTemperature > 0 {
		temp := s.cfg.DefaultTemperature
		eff.Temperature = &temp
	}
	if !desc.SupportsTemperature {
		eff.Temperature = nil
	}
	return &eff
}

// record writes telemetry best-effort: a sink failure is logged and
// never fails the caller's request. WithoutCancel so records still land
// when the request deadline has already expired.
func (s *Service) record(ctx context.Context, rec *AttemptRecord) {
	if err := s.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("usage record write failed",
			zap.String("request_id", rec.RequestID),
			zap.Error(err))
	}
}

func (s *Service) exhausted(lastErr error, attempts int, tried []string) error {
	e, ok := lastErr.(*Error)
	if !ok {
		e = NewError(ErrProviderUnavailable, "generation failed").WithCause(lastErr)
	}
	e.Attempts = attempts
	e.ModelsTried = tried
	return e
}

// classifyAttemptError converts context expiry into the timeout code so
// the retry policy treats a slow provider like any other transient
// failure. Adapter-typed errors pass through unchanged.
func classifyAttemptError(err error, desc ModelDescriptor) error {
	if errors.Is(err, context.DeadlineExceeded) {
		if e, ok := err.(*Error); ok && e.Code == ErrTimeout {
			return err
		}
		return NewError(ErrTimeout, "provider call exceeded per-call timeout").
			WithCause(err).WithProvider(desc.Provider).WithModel(desc.ID)
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return NewError(ErrProviderUnavailable, "provider call failed").
		WithCause(err).WithProvider(desc.Provider).WithModel(desc.ID)
}
