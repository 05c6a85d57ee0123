package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"affiliate-ledger-api/internal/models"
)

// idleBucketTTL is how long an untouched bucket survives the sweeper.
const idleBucketTTL = time.Hour

// RateLimiter is a per-key token bucket. Buckets hold up to rate tokens and
// refill continuously at rate per window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	window  time.Duration
	now     func() time.Time

	sweep    *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per window for
// each key, and starts its idle-bucket sweeper. Call Stop when done.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    float64(rate),
		window:  window,
		now:     time.Now,
		sweep:   time.NewTicker(5 * time.Minute),
		done:    make(chan struct{}),
	}
	go rl.sweepIdle()
	return rl
}

func (rl *RateLimiter) sweepIdle() {
	for {
		select {
		case <-rl.sweep.C:
			rl.mu.Lock()
			cutoff := rl.now().Add(-idleBucketTTL)
			for key, b := range rl.buckets {
				if b.seen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// Stop ends the sweeper. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.sweep.Stop()
		close(rl.done)
	})
}

// Take consumes one token for key. When the bucket is empty it reports how
// long until the next token.
func (rl *RateLimiter) Take(key string) (ok bool, remaining int, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: rl.rate, seen: now}
		rl.buckets[key] = b
	}

	perToken := rl.window.Seconds() / rl.rate
	b.tokens = math.Min(rl.rate, b.tokens+now.Sub(b.seen).Seconds()/perToken)
	b.seen = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) * perToken * float64(time.Second))
		return false, 0, wait
	}
	b.tokens--
	return true, int(b.tokens), 0
}

// Allow reports whether a request for key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _, _ := rl.Take(key)
	return ok
}

// GetClientKey extracts the client IP from the request. The click recorder
// hashes the same value.
func GetClientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// first hop is the original client
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimitMiddleware rejects requests over the client's budget with 429 and
// a Retry-After header.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	limit := strconv.Itoa(int(limiter.rate))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, remaining, retryAfter := limiter.Take(GetClientKey(r))

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(models.ErrorResponse{Error: "rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
