package llm

import (
	"fmt"
	"strings"
	"time"
)

// RawKind tags the provider wire shape carried by a RawReply.
type RawKind string

const (
	RawOpenAI     RawKind = "openai"
	RawAnthropic  RawKind = "anthropic"
	RawGoogle     RawKind = "google"
	RawPerplexity RawKind = "perplexity"
)

// RawReply is the tagged union of provider response shapes. Exactly one
// variant is set, matching Kind. Only the normalizer consumes it; no
// other component pattern-matches on provider-specific fields.
type RawReply struct {
	Kind       RawKind
	Provider   string
	OpenAI     *OpenAIReply
	Anthropic  *AnthropicReply
	Google     *GoogleReply
	Perplexity *PerplexityReply
}

// OpenAIReply is the chat-completions response shape.
type OpenAIReply struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *OpenAIUsage `json:"usage,omitempty"`
}

// OpenAIUsage is shared by the OpenAI and Perplexity wire formats.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AnthropicReply is the messages-API response shape.
type AnthropicReply struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// GoogleReply is the generateContent response shape.
type GoogleReply struct {
	Candidates []struct {
		Content struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

// PerplexityReply is the OpenAI wire shape plus search citations.
type PerplexityReply struct {
	OpenAIReply
	Citations []string `json:"citations,omitempty"`
}

// TokenEstimator supplies deterministic token counts when a provider
// omits usage. See llm/tokenizer.
type TokenEstimator interface {
	Estimate(model, text string) int
}

// Normalizer maps raw provider replies into the canonical result shape.
// It is a pure function of (request, reply, elapsed); no I/O.
type Normalizer struct {
	est TokenEstimator
}

// NewNormalizer creates a Normalizer. est must not be nil.
func NewNormalizer(est TokenEstimator) *Normalizer {
	return &Normalizer{est: est}
}

// Normalize extracts content and usage from a raw reply. A reply with no
// usable content fails with EmptyResponse rather than returning an empty
// string; a safety stop surfaces as SafetyBlocked.
func (n *Normalizer) Normalize(req *GenerationRequest, raw *RawReply, modelID string, elapsed time.Duration) (*GenerationResult, error) {
	if raw == nil {
		return nil, NewError(ErrNormalization, "nil raw reply")
	}

	var (
		content string
		usage   Usage
		haveUse bool
		err     error
	)

	switch raw.Kind {
	case RawOpenAI:
		content, usage, haveUse, err = extractOpenAI(raw.OpenAI, raw.Provider)
	case RawPerplexity:
		if raw.Perplexity == nil {
			err = NewError(ErrNormalization, "perplexity reply missing payload").WithProvider(raw.Provider)
		} else {
			content, usage, haveUse, err = extractOpenAI(&raw.Perplexity.OpenAIReply, raw.Provider)
		}
	case RawAnthropic:
		content, usage, haveUse, err = extractAnthropic(raw.Anthropic, raw.Provider)
	case RawGoogle:
		content, usage, haveUse, err = extractGoogle(raw.Google, raw.Provider)
	default:
		err = NewError(ErrNormalization, fmt.Sprintf("unknown raw kind %q", raw.Kind)).WithProvider(raw.Provider)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(content) == "" {
		return nil, NewError(ErrEmptyResponse, "provider returned no usable content").
			WithProvider(raw.Provider).WithModel(modelID)
	}

	if !haveUse {
		usage = n.estimateUsage(req, content, modelID)
	}
	// The invariant holds even when a provider reports an inconsistent or
	// missing total.
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &GenerationResult{
		Content:   content,
		ModelID:   modelID,
		Provider:  raw.Provider,
		LatencyMS: elapsed.Milliseconds(),
		Usage:     usage,
	}, nil
}

func (n *Normalizer) estimateUsage(req *GenerationRequest, content, modelID string) Usage {
	var prompt int
	if req != nil {
		for _, m := range req.Messages {
			prompt += n.est.Estimate(modelID, m.Content)
		}
	}
	completion := n.est.Estimate(modelID, content)
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func extractOpenAI(r *OpenAIReply, provider string) (string, Usage, bool, error) {
	if r == nil {
		return "", Usage{}, false, NewError(ErrNormalization, "openai reply missing payload").WithProvider(provider)
	}
	var content string
	for _, c := range r.Choices {
		if c.FinishReason == "content_filter" {
			return "", Usage{}, false, NewError(ErrSafetyBlocked, "completion stopped by content filter").WithProvider(provider)
		}
		if content == "" {
			content = c.Message.Content
		}
	}
	if r.Usage != nil && r.Usage.PromptTokens+r.Usage.CompletionTokens > 0 {
		u := Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
		return content, u, true, nil
	}
	return content, Usage{}, false, nil
}

func extractAnthropic(r *AnthropicReply, provider string) (string, Usage, bool, error) {
	if r == nil {
		return "", Usage{}, false, NewError(ErrNormalization, "anthropic reply missing payload").WithProvider(provider)
	}
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if r.StopReason == "refusal" {
		return "", Usage{}, false, NewError(ErrSafetyBlocked, "completion refused by model").WithProvider(provider)
	}
	if r.Usage != nil && r.Usage.InputTokens+r.Usage.OutputTokens > 0 {
		u := Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		}
		return sb.String(), u, true, nil
	}
	return sb.String(), Usage{}, false, nil
}

func extractGoogle(r *GoogleReply, provider string) (string, Usage, bool, error) {
	if r == nil {
		return "", Usage{}, false, NewError(ErrNormalization, "google reply missing payload").WithProvider(provider)
	}
	var sb strings.Builder
	for _, cand := range r.Candidates {
		if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
			return "", Usage{}, false, NewError(ErrSafetyBlocked, "candidate blocked by safety policy").WithProvider(provider)
		}
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
		break // first candidate only
	}
	if r.UsageMetadata != nil && r.UsageMetadata.PromptTokenCount+r.UsageMetadata.CandidatesTokenCount > 0 {
		u := Usage{
			PromptTokens:     r.UsageMetadata.PromptTokenCount,
			CompletionTokens: r.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      r.UsageMetadata.TotalTokenCount,
		}
		return sb.String(), u, true, nil
	}
	return sb.String(), Usage{}, false, nil
}
