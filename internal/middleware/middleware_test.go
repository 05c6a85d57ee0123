package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newTestLimiter(t *testing.T, rate int, window time.Duration) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(rate, window)
	t.Cleanup(rl.Stop)

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	return rl, &clock
}

func TestRateLimiter_RefillsOverWindow(t *testing.T) {
	rl, clock := newTestLimiter(t, 2, time.Minute)

	if !rl.Allow("1.1.1.1") || !rl.Allow("1.1.1.1") {
		t.Fatal("Expected the first two requests to pass")
	}
	ok, _, retry := rl.Take("1.1.1.1")
	if ok {
		t.Fatal("Expected third request to be limited")
	}
	if retry != 30*time.Second {
		t.Errorf("Expected retry after 30s, got %v", retry)
	}

	if !rl.Allow("2.2.2.2") {
		t.Error("Expected another client to have its own bucket")
	}

	*clock = clock.Add(30 * time.Second)
	if !rl.Allow("1.1.1.1") {
		t.Error("Expected one token after half the window")
	}
	if rl.Allow("1.1.1.1") {
		t.Error("Expected only one token to have refilled")
	}
}

func TestRateLimitMiddleware_Headers(t *testing.T) {
	rl, _ := newTestLimiter(t, 1, time.Minute)
	h := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/clicks", nil)
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("Unexpected first response: %d %v", w.Code, w.Header())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After 60, got %q", w.Header().Get("Retry-After"))
	}
}

func TestGetClientKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "10.0.0.1:1234", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": "4.3.2.1"}, "10.0.0.1:1234", "4.3.2.1"},
		{"remote addr", nil, "10.0.0.1:1234", "10.0.0.1"},
		{"remote without port", nil, "10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := GetClientKey(req); got != tt.want {
				t.Errorf("GetClientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(TracingMiddleware("test"))
	r.Get("/affiliates/{affiliate_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/affiliates/abc", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected wrapped status to reach the client, got %d", w.Code)
	}
}
