package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/llm"
	"github.com/arbiterhq/arbiter/providers"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(providers.GoogleConfig{APIKey: "test-key", BaseURL: srv.URL}, nil)
}

func contentReq() *llm.GenerationRequest {
	temp := float32(0.5)
	return &llm.GenerationRequest{
		ModelID: "gemini-2.5-pro",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be terse"},
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
			{Role: llm.RoleUser, Content: "again"},
		},
		Temperature: &temp,
		MaxTokens:   256,
	}
}

func TestGenerateSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotBody wireRequest
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "hi there"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 6, "candidatesTokenCount": 3, "totalTokenCount": 9}
		}`))
	})

	raw, err := p.Generate(context.Background(), contentReq())
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)

	// System message becomes systemInstruction; assistant becomes "model".
	require.NotNil(t, gotBody.SystemInstruction)
	assert.Equal(t, "be terse", gotBody.SystemInstruction.Parts[0].Text)
	require.Len(t, gotBody.Contents, 3)
	assert.Equal(t, "user", gotBody.Contents[0].Role)
	assert.Equal(t, "model", gotBody.Contents[1].Role)
	assert.Equal(t, "user", gotBody.Contents[2].Role)

	require.NotNil(t, gotBody.GenerationConfig)
	require.NotNil(t, gotBody.GenerationConfig.Temperature)
	assert.InDelta(t, 0.5, *gotBody.GenerationConfig.Temperature, 1e-6)
	assert.Equal(t, 256, gotBody.GenerationConfig.MaxOutputTokens)

	assert.Equal(t, llm.RawGoogle, raw.Kind)
	require.NotNil(t, raw.Google)
	assert.Equal(t, 9, raw.Google.UsageMetadata.TotalTokenCount)
}

func TestGenerateErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  llm.ErrorCode
		retryable bool
	}{
		{"forbidden", 403, llm.ErrAuth, false},
		{"rate limited", 429, llm.ErrRateLimited, true},
		{"invalid request", 400, llm.ErrInvalidRequest, false},
		{"server error", 503, llm.ErrProviderUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"code":13,"message":"nope","status":"X"}}`))
			})

			_, err := p.Generate(context.Background(), contentReq())
			require.Error(t, err)

			var e *llm.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
		})
	}
}

func TestGenerateRejectsForeignModel(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call expected")
	})

	req := contentReq()
	req.ModelID = "gpt-4o"
	_, err := p.Generate(context.Background(), req)
	assert.Equal(t, llm.ErrUnsupportedModel, llm.CodeOf(err))
}

func TestCatalog(t *testing.T) {
	p := New(providers.GoogleConfig{APIKey: "k"}, nil)

	assert.Equal(t, "google", p.Name())
	assert.True(t, p.Supports("chat"))
	assert.True(t, p.Supports("analysis"))
	assert.False(t, p.Supports("search"))

	for _, m := range p.ListModels() {
		assert.Equal(t, "google", m.Provider)
	}
}
