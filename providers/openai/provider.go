// Package openai adapts the OpenAI chat-completions API to the
// canonical provider contract.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/llm"
	"github.com/arbiterhq/arbiter/providers"
)

const providerName = "openai"

// Provider holds one long-lived HTTP client, constructed once and
// reused across calls.
type Provider struct {
	cfg     providers.OpenAIConfig
	client  *http.Client
	catalog []llm.ModelDescriptor
	logger  *zap.Logger
}

// New creates the adapter.
func New(cfg providers.OpenAIConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		// Backstop only; the orchestrator applies the real per-call
		// deadline through the context.
		cfg.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		catalog: defaultCatalog(),
		logger:  logger,
	}
}

func defaultCatalog() []llm.ModelDescriptor {
	return []llm.ModelDescriptor{
		{
			ID: "gpt-4o", Provider: providerName,
			MaxTokens: 16384, ContextWindow: 128000,
			Capabilities:        []string{"chat", "analysis"},
			SupportsTemperature: true,
			Priority:            10,
			FallbackModelID:     "gpt-4o-mini",
			RateLimit:           llm.RateLimitEnvelope{RequestsPerMinute: 500, TokensPerMinute: 450000},
		},
		{
			ID: "gpt-4o-mini", Provider: providerName,
			MaxTokens: 16384, ContextWindow: 128000,
			Capabilities:        []string{"chat"},
			SupportsTemperature: true,
			Priority:            30,
			RateLimit:           llm.RateLimitEnvelope{RequestsPerMinute: 1000, TokensPerMinute: 2000000},
		},
	}
}

func (p *Provider) Name() string { return providerName }

// ListModels returns the static catalog.
func (p *Provider) ListModels() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, len(p.catalog))
	copy(out, p.catalog)
	return out
}

// Supports reports whether any served model declares the capability.
func (p *Provider) Supports(capability string) bool {
	for _, m := range p.catalog {
		if m.HasCapability(capability) {
			return true
		}
	}
	return false
}

// DefaultRateLimit seeds the local limiter.
func (p *Provider) DefaultRateLimit() llm.RateLimitEnvelope {
	return llm.RateLimitEnvelope{RequestsPerMinute: 500, TokensPerMinute: 450000}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type errorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate issues exactly one chat-completions call. No retries here;
// retries are the orchestrator's responsibility.
func (p *Provider) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.RawReply, error) {
	if !p.servesModel(req.ModelID) {
		return nil, llm.NewError(llm.ErrUnsupportedModel,
			fmt.Sprintf("model %q is not served by this adapter", req.ModelID)).
			WithProvider(providerName).WithModel(req.ModelID)
	}

	body := chatRequest{
		Model:       req.ModelID,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}

	payload, _ := json.Marshal(body)
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.Organization != "" {
		httpReq.Header.Set("OpenAI-Organization", p.cfg.Organization)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err, req.ModelID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body)).WithModel(req.ModelID)
	}

	var reply llm.OpenAIReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, llm.NewError(llm.ErrProviderUnavailable, "malformed response body").
			WithCause(err).WithHTTPStatus(resp.StatusCode).WithProvider(providerName).WithModel(req.ModelID)
	}
	return &llm.RawReply{Kind: llm.RawOpenAI, Provider: providerName, OpenAI: &reply}, nil
}

func (p *Provider) servesModel(id string) bool {
	for _, m := range p.catalog {
		if m.ID == id {
			return true
		}
	}
	return false
}

func transportError(err error, model string) *llm.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewError(llm.ErrTimeout, "request exceeded deadline").
			WithCause(err).WithProvider(providerName).WithModel(model)
	}
	return llm.NewError(llm.ErrProviderUnavailable, "connection failed").
		WithCause(err).WithProvider(providerName).WithModel(model)
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var er errorResp
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return string(data)
}

func mapError(status int, msg string) *llm.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return llm.NewError(llm.ErrAuth, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusTooManyRequests:
		return llm.NewError(llm.ErrRateLimited, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusBadRequest:
		// Content-policy rejections arrive as 400s with a policy message.
		if strings.Contains(msg, "content management policy") || strings.Contains(msg, "content policy") {
			return llm.NewError(llm.ErrSafetyBlocked, msg).WithHTTPStatus(status).WithProvider(providerName)
		}
		return llm.NewError(llm.ErrInvalidRequest, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusRequestTimeout:
		return llm.NewError(llm.ErrTimeout, msg).WithHTTPStatus(status).WithProvider(providerName)
	default:
		e := llm.NewError(llm.ErrProviderUnavailable, msg).WithHTTPStatus(status).WithProvider(providerName)
		if status < 500 {
			e.Retryable = false
		}
		return e
	}
}
