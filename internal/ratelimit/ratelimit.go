// Package ratelimit provides fixed-window rate limiting middleware backed by
// TTL-keyed counters.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/logging"
)

// Store increments a counter that expires after ttl.
type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per caller per window
	RequestsPerMinute int
	// Window is the counting window (one minute by default)
	Window time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		Window:            time.Minute,
	}
}

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	cfg   Config
	store Store
	now   func() time.Time
}

// New creates a limiter over store.
func New(cfg Config, store Store) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{cfg: cfg, store: store, now: time.Now}
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow counts a request for key in the current window.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	start := now.Truncate(l.cfg.Window)
	windowKey := fmt.Sprintf("rl:%s:%d", key, start.Unix())

	n, err := l.store.Incr(ctx, windowKey, l.cfg.Window)
	if err != nil {
		return Decision{Allowed: true}, err
	}
	limit := int64(l.cfg.RequestsPerMinute)
	if n > limit {
		return Decision{RetryAfter: start.Add(l.cfg.Window).Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: int(limit - n)}, nil
}

// Middleware returns a Gin middleware keyed by the authenticated subject,
// falling back to the client IP. Store errors fail open.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id, ok := auth.GetIdentity(c); ok {
			key = "sub:" + id.Subject
		}

		d, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logging.L(c.Request.Context()).Warn("rate limit store unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retry := int(d.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

type counter struct {
	n       int64
	expires time.Time
}

// NewMemoryStore creates a store and starts its expiry sweeper.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	m := &MemoryStore{
		counters: make(map[string]*counter),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanup(cleanupInterval)
	}
	return m
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &counter{expires: now.Add(ttl)}
		m.counters[key] = c
	}
	c.n++
	return c.n, nil
}

// Len returns the number of live counters.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

func (m *MemoryStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryStore) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, c := range m.counters {
		if !now.Before(c.expires) {
			delete(m.counters, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (m *MemoryStore) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// RedisStore shares counters across API instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
