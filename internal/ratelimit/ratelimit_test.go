package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllowBurstThenRefill(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	key := "key:device1"

	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("request after burst should be denied")
	}

	// 60/min refills one token per second.
	time.Sleep(1100 * time.Millisecond)

	if !limiter.Allow(key) {
		t.Error("request after refill should be allowed")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("key:deviceA")
	}

	if limiter.Allow("key:deviceA") {
		t.Error("device A should be throttled")
	}
	if !limiter.Allow("key:deviceB") {
		t.Error("device B has its own bucket and should pass")
	}
	if !limiter.Allow("ip:203.0.113.9") {
		t.Error("anonymous bucket should be untouched by device traffic")
	}
}

func TestNewAppliesFloors(t *testing.T) {
	limiter := New(Config{})
	defer limiter.Stop()

	if !limiter.Allow("ip:203.0.113.1") {
		t.Error("zero-value config must still admit the first request")
	}
}

func bucketKeyFor(t *testing.T, mutate func(r *http.Request)) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest(http.MethodGet, "/v1/check", nil)
	mutate(req)
	c.Request = req
	return BucketKey(c)
}

func TestBucketKeyCollapsesCredentialCarriers(t *testing.T) {
	asBearer := bucketKeyFor(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sk_device_1")
	})
	asHeader := bucketKeyFor(t, func(r *http.Request) {
		r.Header.Set("X-API-Key", "sk_device_1")
	})
	asQuery := bucketKeyFor(t, func(r *http.Request) {
		r.URL.RawQuery = "apiKey=sk_device_1"
	})

	if asBearer != asHeader || asHeader != asQuery {
		t.Errorf("one credential must map to one bucket, got %q / %q / %q",
			asBearer, asHeader, asQuery)
	}
	if !strings.HasPrefix(asBearer, "key:") {
		t.Errorf("credentialed bucket key = %q, want key: prefix", asBearer)
	}
	if strings.Contains(asBearer, "sk_device_1") {
		t.Errorf("bucket key %q must not contain raw key material", asBearer)
	}

	other := bucketKeyFor(t, func(r *http.Request) {
		r.Header.Set("X-API-Key", "sk_device_2")
	})
	if other == asBearer {
		t.Error("distinct credentials must not share a bucket")
	}
}

func TestBucketKeyAnonymousFallsBackToIP(t *testing.T) {
	key := bucketKeyFor(t, func(r *http.Request) {})
	if !strings.HasPrefix(key, "ip:") {
		t.Errorf("anonymous bucket key = %q, want ip: prefix", key)
	}
}

func TestMiddlewareThrottlesWith429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/v1/check", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(key string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/check", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("sk_a"); w.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", w.Code)
	}
	if w := do("sk_a"); w.Code != http.StatusOK {
		t.Fatalf("second request = %d, want 200", w.Code)
	}

	w := do("sk_a")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate_limit_exceeded") {
		t.Errorf("429 body = %s, want rate_limit_exceeded", w.Body.String())
	}

	if w := do("sk_b"); w.Code != http.StatusOK {
		t.Errorf("other device = %d, want 200 (separate bucket)", w.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want 10", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.CleanupInterval)
	}
}
