// Package ratelimit implements a dual fixed-window limiter for the admin
// surface. Each credential and each source IP gets independent per-minute
// and per-hour windows so short bursts and sustained abuse are both caught.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fathomos/internal/infrastructure"
)

// Limits holds the two window capacities.
type Limits struct {
	PerMinute int
	PerHour   int
}

// Decision is the outcome of a TryConsume call. When the request is
// rejected, RetryAfter is the remaining time until the nearest boundary of
// the exhausted window.
type Decision struct {
	Allowed    bool
	Limit      int
	RetryAfter time.Duration

	MinuteLimit     int
	MinuteRemaining int
	MinuteReset     time.Time
	HourLimit       int
	HourRemaining   int
	HourReset       time.Time
}

// window is a fixed window aligned to a clock boundary.
type window struct {
	start time.Time
	count int
}

func (w *window) roll(now time.Time, size time.Duration) {
	aligned := now.Truncate(size)
	if !aligned.Equal(w.start) {
		w.start = aligned
		w.count = 0
	}
}

// bucket holds both windows for one key. Mutation is serialized per key so
// different credentials never block each other.
type bucket struct {
	mu       sync.Mutex
	minute   window
	hour     window
	lastSeen time.Time
}

// Limiter tracks dual-window counters per key. State is in-memory only: a
// restart resets all counters, which is strictly more permissive than
// required but never more permissive than the configured limits.
type Limiter struct {
	limits    Limits
	retention time.Duration
	logger    *slog.Logger
	metrics   *infrastructure.TrustMetrics
	now       func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucket

	stopChan chan struct{}
	stopOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics attaches the trust-core metric instruments.
func WithMetrics(m *infrastructure.TrustMetrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// NewLimiter creates a limiter with the given window capacities and an
// eviction horizon for idle keys.
func NewLimiter(limits Limits, retention time.Duration, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		limits:    limits,
		retention: retention,
		logger:    logger.With(slog.String("component", "rate_limiter")),
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CredentialKey derives the limiter key for an API credential hash.
func CredentialKey(keyHash string) string { return "cred:" + keyHash }

// IPKey derives the limiter key for a source address.
func IPKey(addr string) string { return "ip:" + addr }

// TryConsume atomically checks and consumes one unit from both windows for
// the key. The check-and-decrement is mutually exclusive per key.
func (l *Limiter) TryConsume(ctx context.Context, key string) Decision {
	b := l.bucket(key)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeen = now
	b.minute.roll(now, time.Minute)
	b.hour.roll(now, time.Hour)

	minuteReset := b.minute.start.Add(time.Minute)
	hourReset := b.hour.start.Add(time.Hour)

	d := Decision{
		MinuteLimit: l.limits.PerMinute,
		MinuteReset: minuteReset,
		HourLimit:   l.limits.PerHour,
		HourReset:   hourReset,
	}

	switch {
	case b.minute.count >= l.limits.PerMinute:
		d.Limit = l.limits.PerMinute
		d.RetryAfter = minuteReset.Sub(now)
		d.HourRemaining = remaining(l.limits.PerHour, b.hour.count)
	case b.hour.count >= l.limits.PerHour:
		d.Limit = l.limits.PerHour
		d.RetryAfter = hourReset.Sub(now)
		d.MinuteRemaining = remaining(l.limits.PerMinute, b.minute.count)
	default:
		b.minute.count++
		b.hour.count++
		d.Allowed = true
		d.MinuteRemaining = remaining(l.limits.PerMinute, b.minute.count)
		d.HourRemaining = remaining(l.limits.PerHour, b.hour.count)
		return d
	}

	if l.metrics != nil {
		l.metrics.RateLimitRejections.Add(ctx, 1)
	}
	l.logger.WarnContext(ctx, "rate limit exceeded",
		slog.String("key", key),
		slog.Int("limit", d.Limit),
		slog.Duration("retry_after", d.RetryAfter))
	return d
}

// RetryAfterSeconds is the caller-facing value for the Retry-After header,
// rounded up so a client that waits exactly this long lands past the
// boundary.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}

// Start launches the background sweep that evicts keys idle beyond the
// retention horizon.
func (l *Limiter) Start() {
	go l.sweepLoop()
}

// Stop terminates the sweep goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func (l *Limiter) sweepLoop() {
	interval := l.retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopChan:
			return
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.Debug("evicted idle rate limit buckets",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(l.buckets)))
	}
}

// Size reports the number of tracked keys, for health reporting.
func (l *Limiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// String describes the configured limits.
func (l *Limiter) String() string {
	return fmt.Sprintf("ratelimit(%d/min, %d/hour)", l.limits.PerMinute, l.limits.PerHour)
}
