package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatassign/internal/config"
	appmetrics "chatassign/internal/metrics"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
)

func newLimitedRouter(cfg *config.Config, clk clock.Clock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddlewareWithClock(cfg, clk))
	r.GET("/api/v1/assignment/sessions/:id/activity", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/assignment/agents", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doGet(r *gin.Engine, path string, header map[string]string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func rateLimitConfig(rpm, burst int) *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			RateLimiting: config.RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: rpm,
				Burst:             burst,
			},
		},
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := rateLimitConfig(1, 1)
	cfg.Security.RateLimiting.Enabled = false
	r := newLimitedRouter(cfg, clock.NewMock())

	for i := 0; i < 20; i++ {
		if code := doGet(r, "/api/v1/assignment/agents", nil); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
}

func TestRateLimitMiddleware_BurstThenRefill(t *testing.T) {
	appmetrics.Reset()
	mock := clock.NewMock()
	r := newLimitedRouter(rateLimitConfig(60, 3), mock)

	for i := 0; i < 3; i++ {
		if code := doGet(r, "/api/v1/assignment/agents", nil); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := doGet(r, "/api/v1/assignment/agents", nil); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	total, by := appmetrics.RateLimitSnapshot()
	if total != 1 || by["global"] != 1 {
		t.Fatalf("unexpected drop metrics: total=%d by=%v", total, by)
	}

	mock.Add(time.Second)
	if code := doGet(r, "/api/v1/assignment/agents", nil); code != http.StatusOK {
		t.Fatalf("expected refill after 1s, got %d", code)
	}
}

func TestRateLimitMiddleware_KeyedByHeader(t *testing.T) {
	cfg := rateLimitConfig(60, 1)
	cfg.Security.RateLimiting.KeyHeader = "X-Agent-ID"
	r := newLimitedRouter(cfg, clock.NewMock())

	if code := doGet(r, "/api/v1/assignment/agents", map[string]string{"X-Agent-ID": "a1"}); code != http.StatusOK {
		t.Fatalf("a1 first: %d", code)
	}
	if code := doGet(r, "/api/v1/assignment/agents", map[string]string{"X-Agent-ID": "a2"}); code != http.StatusOK {
		t.Fatalf("a2 has its own bucket: %d", code)
	}
	if code := doGet(r, "/api/v1/assignment/agents", map[string]string{"X-Agent-ID": "a1"}); code != http.StatusTooManyRequests {
		t.Fatalf("a1 second: expected 429, got %d", code)
	}
}

func TestRateLimitMiddleware_PathOverride(t *testing.T) {
	appmetrics.Reset()
	cfg := rateLimitConfig(60, 1)
	cfg.Security.RateLimiting.Paths = []config.PathRateLimitConfig{
		{Enabled: true, Prefix: "/api/v1/assignment/sessions/:id/activity", RequestsPerMinute: 600, Burst: 5},
	}
	r := newLimitedRouter(cfg, clock.NewMock())

	for i := 0; i < 5; i++ {
		if code := doGet(r, "/api/v1/assignment/sessions/s1/activity", nil); code != http.StatusOK {
			t.Fatalf("activity %d: expected 200, got %d", i, code)
		}
	}
	if code := doGet(r, "/api/v1/assignment/sessions/s1/activity", nil); code != http.StatusTooManyRequests {
		t.Fatalf("expected path limit, got %d", code)
	}
	// 全局桶不受路径桶影响
	if code := doGet(r, "/api/v1/assignment/agents", nil); code != http.StatusOK {
		t.Fatalf("global first: %d", code)
	}
	_, by := appmetrics.RateLimitSnapshot()
	if by["/api/v1/assignment/sessions/:id/activity"] != 1 {
		t.Fatalf("expected path drop recorded, got %v", by)
	}
}

func TestRateLimitMiddleware_Whitelist(t *testing.T) {
	cfg := rateLimitConfig(60, 1)
	cfg.Security.RateLimiting.KeyHeader = "X-Agent-ID"
	cfg.Security.RateLimiting.WhitelistKeys = []string{"ops-bot"}
	r := newLimitedRouter(cfg, clock.NewMock())

	for i := 0; i < 5; i++ {
		if code := doGet(r, "/api/v1/assignment/agents", map[string]string{"X-Agent-ID": "ops-bot"}); code != http.StatusOK {
			t.Fatalf("whitelisted request %d: %d", i, code)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://console.example.com"}, AllowedMethods: []string{"GET"}}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://console.example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Fatalf("unexpected origin header %q", got)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected origin header %q", got)
	}
}
