// Package google adapts the Google generateContent API. The wire format
// differs from the OpenAI family: the assistant role is called "model",
// message text lives in parts arrays, and the system message travels as
// systemInstruction.
package google

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

const providerName = "google"

// Provider holds one long-lived HTTP client.
type Provider struct {
	cfg     providers.GoogleConfig
	client  *http.Client
	catalog []llm.ModelDescriptor
	logger  *zap.Logger
}

// New creates the adapter.
func New(cfg providers.GoogleConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
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
			ID: "gemini-2.5-pro", Provider: providerName,
			MaxTokens: 8192, ContextWindow: 1000000,
			Capabilities:        []string{"chat", "analysis"},
			SupportsTemperature: true,
			Priority:            25,
			FallbackModelID:     "gemini-2.0-flash",
			RateLimit:           llm.RateLimitEnvelope{RequestsPerMinute: 360, TokensPerMinute: 2000000},
		},
		{
			ID: "gemini-2.0-flash", Provider: providerName,
			MaxTokens: 8192, ContextWindow: 1000000,
			Capabilities:        []string{"chat"},
			SupportsTemperature: true,
			Priority:            45,
			RateLimit:           llm.RateLimitEnvelope{RequestsPerMinute: 600, TokensPerMinute: 4000000},
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
	return llm.RateLimitEnvelope{RequestsPerMinute: 360, TokensPerMinute: 2000000}
}

type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type generationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent     `json:"contents"`
	SystemInstruction *wireContent      `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type errorResp struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate issues exactly one generateContent call.
func (p *Provider) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.RawReply, error) {
	if !p.servesModel(req.ModelID) {
		return nil, llm.NewError(llm.ErrUnsupportedModel,
			fmt.Sprintf("model %q is not served by this adapter", req.ModelID)).
			WithProvider(providerName).WithModel(req.ModelID)
	}

	body := wireRequest{}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if body.SystemInstruction == nil {
				body.SystemInstruction = &wireContent{Parts: []wirePart{{Text: m.Content}}}
			} else {
				body.SystemInstruction.Parts = append(body.SystemInstruction.Parts, wirePart{Text: m.Content})
			}
		case llm.RoleAssistant:
			body.Contents = append(body.Contents, wireContent{Role: "model", Parts: []wirePart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, wireContent{Role: "user", Parts: []wirePart{{Text: m.Content}}})
		}
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		body.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), req.ModelID, p.cfg.APIKey)
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
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

	var reply llm.GoogleReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, llm.NewError(llm.ErrProviderUnavailable, "malformed response body").
			WithCause(err).WithHTTPStatus(resp.StatusCode).WithProvider(providerName).WithModel(req.ModelID)
	}
	return &llm.RawReply{Kind: llm.RawGoogle, Provider: providerName, Google: &reply}, nil
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
