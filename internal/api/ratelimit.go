package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fundgate/fundgate/internal/job"
)

// clientLimiter holds a rate limiter and the last time it was seen.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages per-client rate limiters.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter creates a RateLimiter allowing rps requests/second per
// client with the given burst. Starts a background goroutine that evicts
// clients not seen for 5 minutes.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go rl.cleanup()
	return rl
}

// allow reports whether the client may proceed, and otherwise how long it
// should wait.
func (rl *RateLimiter) allow(id string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.clients[id]
	if !ok {
		l = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[id] = l
	}
	l.lastSeen = time.Now()

	res := l.limiter.Reserve()
	if !res.OK() {
		return false, time.Minute
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

// cleanup removes limiters for clients not seen in the last 5 minutes.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-5 * time.Minute)
		for id, l := range rl.clients {
			if l.lastSeen.Before(cutoff) {
				delete(rl.clients, id)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimit returns a Middleware that limits each client to rps req/s.
// If rps is 0 the middleware is a no-op.
func RateLimit(rps float64, burst int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := NewRateLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodOptions {
				if ok, wait := rl.allow(clientID(r)); !ok {
					secs := max(int(math.Ceil(wait.Seconds())), 1)
					w.Header().Set("Retry-After", strconv.Itoa(secs))
					writeFailure(w, http.StatusTooManyRequests, job.CodeRateLimited, "")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientID identifies the caller from proxy headers, falling back to the
// socket address and finally the user agent.
func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("Cf-Connecting-Ip")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// X-Forwarded-For may be "client, proxy1, proxy2"; take the first.
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "ua:" + r.UserAgent()
}
