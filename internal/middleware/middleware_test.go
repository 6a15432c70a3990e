package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	rl := NewRateLimiter(60, 2, time.Minute)
	rl.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	// Keys are independent.
	assert.True(t, rl.Allow("b"))

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiterEvict(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(60, 1, time.Minute)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(2 * time.Minute)
	rl.Allow("fresh")

	assert.Equal(t, 1, rl.Evict())
	assert.Len(t, rl.limiters, 1)
}

func TestRateLimiterEvictionStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	NewRateLimiter(60, 1, time.Millisecond).StartEviction(ctx)
	time.Sleep(5 * time.Millisecond)
	cancel()
	time.Sleep(5 * time.Millisecond)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1, time.Minute)
	h := RateLimit(rl, func(r *http.Request) string { return r.Header.Get("X-Learner-ID") })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	send := func(learner string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if learner != "" {
			req.Header.Set("X-Learner-ID", learner)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, send("a"))
	assert.Equal(t, http.StatusTooManyRequests, send("a"))
	assert.Equal(t, http.StatusNoContent, send(""))
	assert.Equal(t, http.StatusNoContent, send(""))
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	call := func(h http.Handler, method, origin string, preflight bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/sessions", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if preflight {
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	t.Run("explicit frontend", func(t *testing.T) {
		h := CORS(CORSConfig{FrontendURL: "https://tutor.example/, https://admin.example"})(next)

		w := call(h, http.MethodOptions, "https://tutor.example", true)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://tutor.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

		w = call(h, http.MethodGet, "https://admin.example", false)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://admin.example", w.Header().Get("Access-Control-Allow-Origin"))

		w = call(h, http.MethodGet, "https://evil.example", false)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("no frontend configured", func(t *testing.T) {
		h := CORS(CORSConfig{})(next)
		w := call(h, http.MethodGet, "https://anywhere.example", false)
		assert.Equal(t, "https://anywhere.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("development echoes unlisted origins without credentials", func(t *testing.T) {
		h := CORS(CORSConfig{FrontendURL: "http://localhost:5173", IsDev: true})(next)
		w := call(h, http.MethodGet, "http://127.0.0.1:3000", false)
		assert.Equal(t, "http://127.0.0.1:3000", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

		w = call(h, http.MethodGet, "http://localhost:5173", false)
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("plain options request reaches the handler", func(t *testing.T) {
		h := CORS(CORSConfig{})(next)
		assert.Equal(t, http.StatusOK, call(h, http.MethodOptions, "", false).Code)
	})
}
