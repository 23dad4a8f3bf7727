package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// estFunc adapts a function to the TokenEstimator interface.
type estFunc func(model, text string) int

func (f estFunc) Estimate(model, text string) int { return f(model, text) }

// charEst is the deterministic test estimator: one token per 4 chars.
var charEst = estFunc(func(_ string, text string) int { return (len(text) + 3) / 4 })

func openAIRaw(content, finishReason string, usage *OpenAIUsage) *RawReply {
	r := &OpenAIReply{Usage: usage}
	r.Choices = make([]struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	}, 1)
	r.Choices[0].Message.Role = "assistant"
	r.Choices[0].Message.Content = content
	r.Choices[0].FinishReason = finishReason
	return &RawReply{Kind: RawOpenAI, Provider: "openai", OpenAI: r}
}

func TestNormalizeOpenAIWithUsage(t *testing.T) {
	n := NewNormalizer(charEst)
	raw := openAIRaw("hello there", "stop", &OpenAIUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})

	res, err := n.Normalize(&GenerationRequest{}, raw, "gpt-4o", 120*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, "hello there", res.Content)
	assert.Equal(t, "gpt-4o", res.ModelID)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, int64(120), res.LatencyMS)
	assert.Equal(t, 15, res.Usage.TotalTokens)
}

func TestNormalizeEnforcesUsageInvariant(t *testing.T) {
	n := NewNormalizer(charEst)
	// Provider reports an inconsistent total; normalization repairs it.
	raw := openAIRaw("ok", "stop", &OpenAIUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 999})

	res, err := n.Normalize(&GenerationRequest{}, raw, "gpt-4o", 0)
	require.NoError(t, err)
	assert.Equal(t, res.Usage.PromptTokens+res.Usage.CompletionTokens, res.Usage.TotalTokens)
	assert.Equal(t, 15, res.Usage.TotalTokens)
}

func TestNormalizeEstimatesMissingUsage(t *testing.T) {
	n := NewNormalizer(charEst)
	req := &GenerationRequest{Messages: []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "12345678"}, // 2 tokens under charEst
	}}
	raw := openAIRaw("abcd", "stop", nil) // 1 token

	res, err := n.Normalize(req, raw, "some-model", 0)
	require.NoError(t, err)

	wantPrompt := charEst.Estimate("", "be brief") + charEst.Estimate("", "12345678")
	assert.Equal(t, wantPrompt, res.Usage.PromptTokens)
	assert.Equal(t, 1, res.Usage.CompletionTokens)
	assert.Equal(t, wantPrompt+1, res.Usage.TotalTokens)

	// Deterministic: same inputs, same counts.
	res2, err := n.Normalize(req, openAIRaw("abcd", "stop", nil), "some-model", 0)
	require.NoError(t, err)
	assert.Equal(t, res.Usage, res2.Usage)
}

func TestNormalizeEmptyContent(t *testing.T) {
	n := NewNormalizer(charEst)
	tests := []struct {
		name string
		raw  *RawReply
	}{
		{"openai no choices", &RawReply{Kind: RawOpenAI, Provider: "openai", OpenAI: &OpenAIReply{}}},
		{"openai whitespace", openAIRaw("   \n", "stop", nil)},
		{"anthropic no blocks", &RawReply{Kind: RawAnthropic, Provider: "anthropic", Anthropic: &AnthropicReply{}}},
		{"google no candidates", &RawReply{Kind: RawGoogle, Provider: "google", Google: &GoogleReply{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(&GenerationRequest{}, tt.raw, "m", 0)
			require.Error(t, err)
			assert.Equal(t, ErrEmptyResponse, CodeOf(err))
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestNormalizeSafetyBlocked(t *testing.T) {
	n := NewNormalizer(charEst)

	t.Run("openai content filter", func(t *testing.T) {
		_, err := n.Normalize(&GenerationRequest{}, openAIRaw("", "content_filter", nil), "m", 0)
		assert.Equal(t, ErrSafetyBlocked, CodeOf(err))
	})

	t.Run("anthropic refusal", func(t *testing.T) {
		raw := &RawReply{Kind: RawAnthropic, Provider: "anthropic", Anthropic: &AnthropicReply{StopReason: "refusal"}}
		_, err := n.Normalize(&GenerationRequest{}, raw, "m", 0)
		assert.Equal(t, ErrSafetyBlocked, CodeOf(err))
	})

	t.Run("google safety stop", func(t *testing.T) {
		g := &GoogleReply{}
		g.Candidates = make([]struct {
			Content struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		}, 1)
		g.Candidates[0].FinishReason = "SAFETY"
		raw := &RawReply{Kind: RawGoogle, Provider: "google", Google: g}
		_, err := n.Normalize(&GenerationRequest{}, raw, "m", 0)
		assert.Equal(t, ErrSafetyBlocked, CodeOf(err))
	})
}

func TestNormalizeAnthropicTextBlocks(t *testing.T) {
	n := NewNormalizer(charEst)
	a := &AnthropicReply{StopReason: "end_turn"}
	a.Content = make([]struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}, 3)
	a.Content[0] = struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}{Type: "text", Text: "part one "}
	a.Content[1].Type = "tool_use" // skipped
	a.Content[2] = struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}{Type: "text", Text: "part two"}

	res, err := n.Normalize(&GenerationRequest{}, &RawReply{Kind: RawAnthropic, Provider: "anthropic", Anthropic: a}, "claude-sonnet-4-5", 0)
	require.NoError(t, err)
	assert.Equal(t, "part one part two", res.Content)
}

func TestNormalizeMalformedUnion(t *testing.T) {
	n := NewNormalizer(charEst)

	_, err := n.Normalize(&GenerationRequest{}, nil, "m", 0)
	assert.Equal(t, ErrNormalization, CodeOf(err))

	// Kind set but variant missing.
	_, err = n.Normalize(&GenerationRequest{}, &RawReply{Kind: RawOpenAI}, "m", 0)
	assert.Equal(t, ErrNormalization, CodeOf(err))

	_, err = n.Normalize(&GenerationRequest{}, &RawReply{Kind: RawKind("bogus")}, "m", 0)
	assert.Equal(t, ErrNormalization, CodeOf(err))
}
