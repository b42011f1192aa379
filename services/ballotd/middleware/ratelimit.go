package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ballotsync/observability"
)

// RateLimit is a token bucket: RequestsPerMinute refill with Burst capacity.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

func (l RateLimit) limiter() *rate.Limiter {
	perSecond := l.RequestsPerMinute / 60
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := l.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one bucket per route and client address. Buckets idle for
// longer than idleTTL are swept at most once per idleTTL.
type RateLimiter struct {
	logger  *slog.Logger
	limits  map[string]RateLimit
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:  logger.With("component", "ratelimit"),
		limits:  limits,
		idleTTL: 5 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Middleware throttles requests under route. Routes without a configured
// limit pass through.
func (r *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	limit, ok := r.limits[route]
	return func(next http.Handler) http.Handler {
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			now := r.now()
			b := r.bucketFor(route+"|"+clientAddress(req), limit, now)
			if reservation := b.ReserveN(now, 1); !reservation.OK() || reservation.DelayFrom(now) > 0 {
				delay := reservation.DelayFrom(now)
				reservation.CancelAt(now)
				observability.API().RecordThrottle(route, "rate_limit")
				r.logger.Debug("request throttled", "route", route)
				if delay > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(delay.Round(time.Second)/time.Second)+1))
				}
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) bucketFor(key string, limit RateLimit, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) >= r.idleTTL {
		for k, b := range r.buckets {
			if now.Sub(b.lastSeen) > r.idleTTL {
				delete(r.buckets, k)
			}
		}
		r.lastSweep = now
	}
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: limit.limiter()}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// clientAddress prefers the address chi's RealIP middleware resolved and
// falls back to the first X-Forwarded-For hop.
func clientAddress(req *http.Request) string {
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && host != "" {
		return host
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	return req.RemoteAddr
}
