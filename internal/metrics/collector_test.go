package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/llm"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("test", prometheus.NewRegistry(), nil)
}

func TestObserveAttemptSuccess(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveAttempt(&llm.AttemptRecord{
		Provider:         "openai",
		ModelID:          "gpt-4o",
		Success:          true,
		PromptTokens:     10,
		CompletionTokens: 4,
		LatencyMS:        250,
	})

	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.attemptsTotal.WithLabelValues("openai", "gpt-4o", "success")))
	assert.Equal(t, float64(10),
		testutil.ToFloat64(c.tokensTotal.WithLabelValues("gpt-4o", "prompt")))
	assert.Equal(t, float64(4),
		testutil.ToFloat64(c.tokensTotal.WithLabelValues("gpt-4o", "completion")))
}

func TestObserveAttemptFailure(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveAttempt(&llm.AttemptRecord{
		Provider:  "anthropic",
		ModelID:   "claude-haiku-4-5",
		Success:   false,
		ErrorCode: llm.ErrRateLimited,
	})

	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.attemptsTotal.WithLabelValues("anthropic", "claude-haiku-4-5", string(llm.ErrRateLimited))))
	// Failed attempts contribute no token counts.
	assert.Equal(t, float64(0),
		testutil.ToFloat64(c.tokensTotal.WithLabelValues("claude-haiku-4-5", "prompt")))
}

func TestObserveAttemptRateLimitRejection(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveAttempt(&llm.AttemptRecord{
		Provider:  "openai",
		ModelID:   "gpt-4o",
		ErrorCode: llm.ErrLocalRateLimit,
	})

	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.ratelimitRejections.WithLabelValues("gpt-4o")))
}

// sinkRecorder counts calls and optionally fails.
type sinkRecorder struct {
	calls int
	err   error
}

func (s *sinkRecorder) Record(context.Context, *llm.AttemptRecord) error {
	s.calls++
	return s.err
}

func TestRecorderObservesAndDelegates(t *testing.T) {
	c := newTestCollector(t)
	sink := &sinkRecorder{}
	r := NewRecorder(sink, c)

	err := r.Record(context.Background(), &llm.AttemptRecord{Provider: "p", ModelID: "m", Success: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.attemptsTotal.WithLabelValues("p", "m", "success")))
}

func TestRecorderPropagatesSinkError(t *testing.T) {
	c := newTestCollector(t)
	sink := &sinkRecorder{err: llm.NewError(llm.ErrProviderUnavailable, "db down")}
	r := NewRecorder(sink, c)

	err := r.Record(context.Background(), &llm.AttemptRecord{Provider: "p", ModelID: "m"})
	require.Error(t, err)
	// The metric still landed before the sink failed.
	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.attemptsTotal.WithLabelValues("p", "m", "error")))
}

func TestRecorderNilSink(t *testing.T) {
	c := newTestCollector(t)
	r := NewRecorder(nil, c)
	assert.NoError(t, r.Record(context.Background(), &llm.AttemptRecord{Provider: "p", ModelID: "m"}))
}
