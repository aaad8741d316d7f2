package apiserver

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter throttles requests per client key (authenticated robot ID,
// falling back to source IP), adapted from r3e-network-service_layer's
// infrastructure/middleware.RateLimiter: one token-bucket per key, lazily
// created and periodically swept.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *rateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// sweep drops all tracked limiters once the tracked-key count grows
// unbounded, same blunt cap r3e-network-service_layer uses rather than
// per-entry last-seen tracking.
func (rl *rateLimiter) sweep(maxKeys int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > maxKeys {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := robotIDFromContext(r.Context())
		if key == "" {
			key = clientIP(r)
		}
		if !rl.get(key).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// runSweeper periodically bounds the limiter map's memory until done is
// closed.
func (rl *rateLimiter) runSweeper(done <-chan struct{}, interval time.Duration, maxKeys int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(maxKeys)
		case <-done:
			return
		}
	}
}
