package logging

import (
	"sync"
	"time"
)

// RateLimited wraps a Logger so that warnings sharing the same key are
// suppressed within a window, per §7 "Warnings are rate-limited at the
// source" — a per-block warning storm (e.g. an entire bad mirror) must
// not flood the log at one line per block.
type RateLimited struct {
	*Logger

	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// NewRateLimited wraps logger, suppressing repeat Warnf calls that share
// a key within window.
func NewRateLimited(logger *Logger, window time.Duration) *RateLimited {
	if logger == nil {
		logger = Default()
	}
	return &RateLimited{Logger: logger, window: window, last: make(map[string]time.Time)}
}

// WarnfKey logs a warning for key, unless one for the same key was
// already logged within the configured window.
func (r *RateLimited) WarnfKey(key string, format string, args ...any) {
	r.mu.Lock()
	last, seen := r.last[key]
	now := time.Now()
	if seen && now.Sub(last) < r.window {
		r.mu.Unlock()
		return
	}
	r.last[key] = now
	r.mu.Unlock()
	r.Logger.Warnf(format, args...)
}

// Warnf satisfies the walker.Logger interface by keying on the format
// string itself when no more specific key is available.
func (r *RateLimited) Warnf(format string, args ...any) {
	r.WarnfKey(format, format, args...)
}
