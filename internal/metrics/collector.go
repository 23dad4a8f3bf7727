// Package metrics provides internal Prometheus collection. Internal to
// this module; external projects consume the exposition endpoint.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/llm"
)

// Collector owns the orchestration-layer metric families.
type Collector struct {
	attemptsTotal       *prometheus.CounterVec
	attemptDuration     *prometheus.HistogramVec
	tokensTotal         *prometheus.CounterVec
	ratelimitRejections *prometheus.CounterVec
	logger              *zap.Logger
}

// NewCollector builds and registers the metric families on reg. Using
// an explicit registry (not promauto's default) keeps test instances
// isolated.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Generation attempts by provider, model and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)
	c.attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Provider call latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"provider", "model"},
	)
	c.tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by model and kind (prompt/completion)",
		},
		[]string{"model", "kind"},
	)
	c.ratelimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Attempts rejected by the local rate limiter",
		},
		[]string{"model"},
	)

	reg.MustRegister(c.attemptsTotal, c.attemptDuration, c.tokensTotal, c.ratelimitRejections)
	return c
}

// ObserveAttempt records one attempt outcome.
func (c *Collector) ObserveAttempt(rec *llm.AttemptRecord) {
	outcome := "success"
	if !rec.Success {
		outcome = string(rec.ErrorCode)
		if outcome == "" {
			outcome = "error"
		}
	}
	c.attemptsTotal.WithLabelValues(rec.Provider, rec.ModelID, outcome).Inc()
	c.attemptDuration.WithLabelValues(rec.Provider, rec.ModelID).Observe(float64(rec.LatencyMS) / 1000)
	if rec.Success {
		c.tokensTotal.WithLabelValues(rec.ModelID, "prompt").Add(float64(rec.PromptTokens))
		c.tokensTotal.WithLabelValues(rec.ModelID, "completion").Add(float64(rec.CompletionTokens))
	}
	if rec.ErrorCode == llm.ErrLocalRateLimit {
		c.ratelimitRejections.WithLabelValues(rec.ModelID).Inc()
	}
}

// Recorder decorates a llm.UsageRecorder with metric observation. The
// wrapped sink's error passes through so the orchestrator can log it;
// metrics themselves never fail.
type Recorder struct {
	next      llm.UsageRecorder
	collector *Collector
}

// NewRecorder wraps next; next may be nil for metrics-only recording.
func NewRecorder(next llm.UsageRecorder, collector *Collector) *Recorder {
	if next == nil {
		next = llm.NopRecorder{}
	}
	return &Recorder{next: next, collector: collector}
}

// Record implements llm.UsageRecorder.
func (r *Recorder) Record(ctx context.Context, rec *llm.AttemptRecord) error {
	r.collector.ObserveAttempt(rec)
	return r.next.Record(ctx, rec)
}
