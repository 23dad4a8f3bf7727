// Package perplexity adapts the search-augmented Perplexity API. The
// wire format follows the OpenAI chat-completions shape with an added
// citations field.
package perplexity

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

const providerName = "perplexity"

// Provider holds one long-lived HTTP client.
type Provider struct {
	cfg     providers.PerplexityConfig
	client  *http.Client
	catalog []llm.ModelDescriptor
	logger  *zap.Logger
}

// New creates the adapter.
func New(cfg providers.PerplexityConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.perplexity.ai"
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
			ID: "sonar-pro", Provider: providerName,
			MaxTokens: 8192, ContextWindow: 200000,
			Capabilities:        []string{"search"},
			SupportsTemperature: true,
			Priority:            10,
			FallbackModelID:     "sonar",
			RateLimit:           llm.RateLimitEnvelope{RequestsPerMinute: 120, TokensPerMinute: 200000},
		},
		{
			ID: "sonar", Provider: providerName,
			MaxTokens: 4096, ContextWindow: 127000,
			Capabilities:        []string{"search"},
			SupportsTemperature: true,
			Priority:            20,
			RateLimit:           llm.RateLimitEnvelope{RequestsPerMinute: 120, TokensPerMinute: 200000},
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
	return llm.RateLimitEnvelope{RequestsPerMinute: 120, TokensPerMinute: 200000}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type errorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate issues exactly one chat-completions call.
func (p *Provider) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.RawReply, error) {
	if !p.servesModel(req.ModelID) {
		return nil, llm.NewError(llm.ErrUnsupportedModel,
			fmt.Sprintf("model %q is not served by this adapter", req.ModelID)).
			WithProvider(providerName).WithModel(req.ModelID)
	}

	body := wireRequest{
		Model:       req.ModelID,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, _ := json.Marshal(body)
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
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

	var reply llm.PerplexityReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, llm.NewError(llm.ErrProviderUnavailable, "malformed response body").
			WithCause(err).WithHTTPStatus(resp.StatusCode).WithProvider(providerName).WithModel(req.ModelID)
	}
	return &llm.RawReply{Kind: llm.RawPerplexity, Provider: providerName, Perplexity: &reply}, nil
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
	default:
		e := llm.NewError(llm.ErrProviderUnavailable, msg).WithHTTPStatus(status).WithProvider(providerName)
		if status < 500 {
			e.Retryable = false
		}
		return e
	}
}
