package logger

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedLogger wraps a Logger and throttles Warn and Error records.
//
// Debug and Info records pass through unchanged. Throttled records are counted and the
// count is attached as "suppressed" to the next record that is let through.
type RateLimitedLogger struct {
	Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

var _ Logger = (*RateLimitedLogger)(nil)

// NewRateLimited returns a logger that emits at most burst Warn/Error records at once
// and then one record per interval.
func NewRateLimited(l Logger, interval time.Duration, burst int) *RateLimitedLogger {
	if burst < 1 {
		burst = 1
	}

	return &RateLimitedLogger{
		Logger:  l,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

func (l *RateLimitedLogger) Warn(msg string, keysAndValues ...any) {
	if kv, ok := l.allow(keysAndValues); ok {
		l.Logger.Warn(msg, kv...)
	}
}

func (l *RateLimitedLogger) Error(msg string, keysAndValues ...any) {
	if kv, ok := l.allow(keysAndValues); ok {
		l.Logger.Error(msg, kv...)
	}
}

// Suppressed returns the number of records dropped since the last emitted one.
func (l *RateLimitedLogger) Suppressed() uint64 {
	return l.suppressed.Load()
}

func (l *RateLimitedLogger) allow(keysAndValues []any) ([]any, bool) {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return nil, false
	}

	if n := l.suppressed.Swap(0); n > 0 {
		keysAndValues = append(keysAndValues, "suppressed", n)
	}

	return keysAndValues, true
}
