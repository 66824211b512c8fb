// Package ratelimit provides per-client rate limiting middleware for the
// Callshield API.
//
// Anonymous requests share a bucket per client IP. Requests that present a
// device key get their own bucket, keyed by a digest of the credential, so
// many devices behind one carrier NAT do not starve each other. Raw key
// material is never stored; only a truncated SHA-256 is kept as the map key.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var throttled = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "callshield",
	Subsystem: "ratelimit",
	Name:      "throttled_total",
	Help:      "Requests rejected by the rate limiter, by client class.",
}, []string{"client"})

func init() {
	prometheus.MustRegister(throttled)
}

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained per-bucket rate.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the sustained rate.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns the limits applied when none are configured.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks a token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// New creates a rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup drops buckets that have been idle long enough to be full again.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.last.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether a request on the given bucket key should proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, exists := l.buckets[key]
	if !exists {
		l.buckets[key] = &bucket{
			tokens: float64(l.cfg.BurstSize - 1),
			last:   now,
		}
		return true
	}

	// Token bucket: refill for elapsed time, cap at burst size.
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// BucketKey derives the limiter bucket for a request. It accepts the same
// credential carriers as the device auth middleware (Authorization bearer,
// X-API-Key header, apiKey query parameter), so one key lands in one bucket
// no matter how it is presented.
func BucketKey(c *gin.Context) string {
	cred := c.GetHeader("Authorization")
	if cred == "" {
		cred = c.GetHeader("X-API-Key")
	}
	if cred == "" {
		cred = c.Query("apiKey")
	}
	cred = strings.TrimSpace(strings.TrimPrefix(cred, "Bearer "))
	if cred == "" {
		return "ip:" + c.ClientIP()
	}
	sum := sha256.Sum256([]byte(cred))
	return "key:" + hex.EncodeToString(sum[:8])
}

// Middleware returns gin middleware enforcing the limits. Rejected requests
// get a 429 with a retry hint.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := BucketKey(c)
		if !l.Allow(key) {
			class, _, _ := strings.Cut(key, ":")
			throttled.WithLabelValues(class).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
