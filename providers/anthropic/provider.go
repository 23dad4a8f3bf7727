// Package anthropic adapts the Anthropic messages API. Differences from
// the OpenAI wire format the adapter absorbs:
//   - auth uses the x-api-key header, not a Bearer token
//   - the system message travels in a dedicated top-level field
//   - max_tokens is mandatory
package anthropic

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

const (
	providerName = "anthropic"
	apiVersion   = "2023-06-01"

	// defaultMaxTokens satisfies the mandatory max_tokens field when the
	// request leaves it unset.
	defaultMaxTokens = 4096
)

// Provider holds one long-lived HTTP client.
type Provider struct {
	cfg     providers.AnthropicConfig
	client  *http.Client
	catalog []llm.ModelDescriptor
	logger  *zap.Logger
}

// New creates the adapter.
func New(cfg providers.AnthropicConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Timeout == 0 {
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
			ID: "claude-sonnet-4-5", Provider: providerName,
			MaxTokens: 64000, ContextWindow: 200000,
			Capabilities:        []string{"chat", "analysis"},
			SupportsTemperature: true,
			Priority:            20,
			FallbackModelID:     "claude-haiku-4-5",
			RateLimit:           llm.RateLimitEnvelope{RequestsPerMinute: 300, TokensPerMinute: 400000},
		},
		{
			ID: "claude-haiku-4-5", Provider: providerName,
			MaxTokens: 32000, ContextWindow: 200000,
			Capabilities:        []string{"chat"},
			SupportsTemperature: true,
			Priority:            40,
			RateLimit:           llm.RateLimitEnvelope{RequestsPerMinute: 600, TokensPerMinute: 800000},
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
	return llm.RateLimitEnvelope{RequestsPerMinute: 300, TokensPerMinute: 400000}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float32      `json:"temperature,omitempty"`
}

type errorResp struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate issues exactly one messages call.
func (p *Provider) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.RawReply, error) {
	if !p.servesModel(req.ModelID) {
		return nil, llm.NewError(llm.ErrUnsupportedModel,
			fmt.Sprintf("model %q is not served by this adapter", req.ModelID)).
			WithProvider(providerName).WithModel(req.ModelID)
	}

	system, messages := splitSystem(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := wireRequest{
		Model:       req.ModelID,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	payload, _ := json.Marshal(body)
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, llm.NewError(llm.ErrTimeout, "request exceeded deadline").
				WithCause(err).WithProvider(providerName).WithModel(req.ModelID)
		}
		return nil, llm.NewError(llm.ErrProviderUnavailable, "connection failed").
			WithCause(err).WithProvider(providerName).WithModel(req.ModelID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body)).WithModel(req.ModelID)
	}

	var reply llm.AnthropicReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, llm.NewError(llm.ErrProviderUnavailable, "malformed response body").
			WithCause(err).WithHTTPStatus(resp.StatusCode).WithProvider(providerName).WithModel(req.ModelID)
	}
	return &llm.RawReply{Kind: llm.RawAnthropic, Provider: providerName, Anthropic: &reply}, nil
}

// splitSystem extracts the primary system message into the dedicated
// field; remaining messages keep their order.
func splitSystem(msgs []llm.Message) (string, []wireMessage) {
	var system string
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			if system == "" {
				system = m.Content
			} else {
				system += "\n" + m.Content
			}
			continue
		}
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return system, out
}

func (p *Provider) servesModel(id string) bool {
	for _, m := range p.catalog {
		if m.ID == id {
			return true
		}
	}
	return false
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
		return llm.NewError(llm.ErrInvalidRequest, msg).WithHTTPStatus(status).WithProvider(providerName)
	case 529: // anthropic-specific overloaded status
		return llm.NewError(llm.ErrProviderUnavailable, msg).WithHTTPStatus(status).WithProvider(providerName)
	default:
		e := llm.NewError(llm.ErrProviderUnavailable, msg).WithHTTPStatus(status).WithProvider(providerName)
		if status < 500 {
			e.Retryable = false
		}
		return e
	}
}
