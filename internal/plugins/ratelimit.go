package plugins

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/trellis/internal/server"
	"github.com/HerbHall/trellis/pkg/plugin"
	"golang.org/x/time/rate"
)

const rateLimitMiddleware = "rate_limit"

// RateLimit enforces a per-IP token bucket of RATE_LIMIT requests per second
// (burst RATE_LIMIT_BURST, default 200). A non-positive rate installs
// nothing. Health and metrics endpoints are never limited.
var RateLimit = plugin.Must("use_rate_limit", applyRateLimit,
	plugin.ActiveIf("rate_limit"),
	plugin.WithSettings(
		plugin.Required("rate_limit"),
		plugin.Optional("rate_limit_burst", 200),
	),
	plugin.WithRevert(removeMiddleware(rateLimitMiddleware)),
)

var rateLimitSkipPaths = []string{"/healthz", "/metrics"}

func applyRateLimit(app plugin.AppHandle, s plugin.Settings) error {
	h, err := hostOf(app)
	if err != nil {
		return err
	}
	if _, isBool := s["rate_limit"].(bool); isBool {
		return fmt.Errorf("%w: rate_limit must be requests per second, not a boolean", ErrSettings)
	}
	rps, err := s.Float("rate_limit")
	if err != nil || rps <= 0 {
		return err
	}
	burst, err := s.Int("rate_limit_burst")
	if err != nil {
		return err
	}
	if burst < 1 {
		return fmt.Errorf("%w: rate_limit_burst must be at least 1, got %d", ErrSettings, burst)
	}
	h.AddMiddleware(rateLimitMiddleware, rateLimitHandler(rps, burst, rateLimitSkipPaths))
	return nil
}

// rateLimitHandler enforces per-IP rate limiting.
// Requests to paths in skipPaths are not rate limited.
func rateLimitHandler(rps float64, burst int, skipPaths []string) func(http.Handler) http.Handler {
	rl := &ipRateLimiter{
		rateVal: rate.Limit(rps),
		burst:   burst,
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.allow(clientIP(r)) {
				server.RateLimited(w, "rate limit exceeded", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipRateLimiter tracks per-IP token-bucket rate limiters.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimitEntry
	rateVal  rate.Limit
	burst    int
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiters == nil {
		l.limiters = make(map[string]*rateLimitEntry)
	}

	e, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= 10000 {
			l.cleanup()
		}
		e = &rateLimitEntry{limiter: rate.NewLimiter(l.rateVal, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = time.Now()

	return e.limiter.Allow()
}

// cleanup removes entries not seen in the last 10 minutes.
// Must be called with l.mu held.
func (l *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// clientIP extracts the client IP from the request.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
