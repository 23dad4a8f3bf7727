// Package ratelimit provides non-blocking fixed-window request limiting
// keyed by (subject, model). The window counter is an approximation — it
// admits up to 2× the limit across a window boundary — which is
// acceptable because providers enforce their own authoritative limits;
// this limiter exists to fail fast before an expensive network round
// trip.
package ratelimit

import (
	"context"
	"time"
)

// Limit is a request budget per window.
type Limit struct {
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// DefaultLimit is applied when neither a per-model override nor a
// provider envelope seeded one.
var DefaultLimit = Limit{Requests: 60, Window: time.Minute}

// Limiter admits or rejects a call before it is issued. Non-blocking:
// the caller decides whether to queue, reject, or retry later.
type Limiter interface {
	TryAcquire(ctx context.Context, subject, modelID string) bool
}

func key(subject, modelID string) string {
	return subject + "|" + modelID
}
