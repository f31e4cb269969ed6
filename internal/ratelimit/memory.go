package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Memory is a per-key token-bucket limiter for single-process deployments.
// Idle buckets are evicted by a background janitor so the map stays bounded.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*entry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryOption configures the in-process limiter.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source.
func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory builds a limiter allowing n events per window with the given
// burst. A janitor goroutine evicts keys idle longer than three windows; it
// stops when ctx is cancelled.
func NewMemory(ctx context.Context, n int, window time.Duration, burst int) *Memory {
	m := &Memory{
		buckets: make(map[string]*entry),
		limit:   rate.Every(window / time.Duration(n)),
		burst:   burst,
		ttl:     3 * window,
		now:     time.Now,
	}
	go m.janitor(ctx)
	return m
}

var _ Limiter = (*Memory)(nil)

func (m *Memory) CheckAndRecord(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	e, ok := m.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = e
	}
	e.lastSeen = m.now()
	lim := e.limiter
	m.mu.Unlock()

	res := lim.Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

func (m *Memory) janitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := m.now().Add(-m.ttl)
			m.mu.Lock()
			for k, e := range m.buckets {
				if e.lastSeen.Before(cutoff) {
					delete(m.buckets, k)
				}
			}
			m.mu.Unlock()
		}
	}
}
