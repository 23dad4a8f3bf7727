package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// staleAfterWindows controls eviction: a window untouched for this many
// multiples of its span is swept to bound memory.
const staleAfterWindows = 5

type window struct {
	start   time.Time
	count   int
	touched time.Time
	modelID string
}

// MemoryLimiter is the in-process fixed-window counter. Windows are
// created on first request per (subject, model) and reset when their
// span elapses. Read-modify-write on a window is serialized under the
// limiter mutex, so concurrent requests from one subject cannot lose
// updates.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limits  map[string]Limit // per-model overrides
	def     Limit
	now     func() time.Time
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewMemoryLimiter creates a limiter with the given default budget.
func NewMemoryLimiter(def Limit, logger *zap.Logger) *MemoryLimiter {
	if def.Requests <= 0 || def.Window <= 0 {
		def = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLimiter{
		windows: make(map[string]*window),
		limits:  make(map[string]Limit),
		def:     def,
		now:     time.Now,
		logger:  logger,
	}
}

// SetLimit installs a per-model budget, typically seeded from a
// provider's default rate-limit envelope.
func (l *MemoryLimiter) SetLimit(modelID string, limit Limit) {
	if limit.Requests <= 0 || limit.Window <= 0 {
		return
	}
	l.mu.Lock()
	l.limits[modelID] = limit
	l.mu.Unlock()
}

// TryAcquire implements Limiter.
func (l *MemoryLimiter) TryAcquire(_ context.Context, subject, modelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[modelID]
	if !ok {
		limit = l.def
	}

	now := l.now()
	k := key(subject, modelID)
	w, ok := l.windows[k]
	if !ok {
		w = &window{start: now, modelID: modelID}
		l.windows[k] = w
	}
	if now.Sub(w.start) >= limit.Window {
		w.start = now
		w.count = 0
	}
	w.touched = now
	if w.count >= limit.Requests {
		return false
	}
	w.count++
	return true
}

// StartSweep launches the background eviction loop.
func (l *MemoryLimiter) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop.
func (l *MemoryLimiter) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *MemoryLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	evicted := 0
	for k, w := range l.windows {
		// Staleness is measured in spans of the key's effective limit, so
		// long per-model windows are not evicted early.
		span := l.def.Window
		if lim, ok := l.limits[w.modelID]; ok {
			span = lim.Window
		}
		if w.touched.Add(time.Duration(staleAfterWindows) * span).Before(now) {
			delete(l.windows, k)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.Debug("swept stale rate-limit windows", zap.Int("evicted", evicted))
	}
}

// size is a test hook.
func (l *MemoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
