package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSConfig lists what browsers may call ballotd from. Empty fields pick
// permissive defaults suitable for a voting front end.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

type corsPolicy struct {
	anyOrigin bool
	origins   map[string]struct{}
	methods   string
	headers   string
	maxAge    string
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	p := corsPolicy{
		origins: make(map[string]struct{}),
		methods: "GET, POST, OPTIONS",
		headers: "Content-Type, Authorization, X-Requested-With",
		maxAge:  "600",
	}
	if len(cfg.AllowedOrigins) == 0 {
		p.anyOrigin = true
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if origin == "*" {
			p.anyOrigin = true
			continue
		}
		p.origins[origin] = struct{}{}
	}
	if len(cfg.AllowedMethods) > 0 {
		p.methods = strings.Join(cfg.AllowedMethods, ", ")
	}
	if len(cfg.AllowedHeaders) > 0 {
		p.headers = strings.Join(cfg.AllowedHeaders, ", ")
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(int(cfg.MaxAge / time.Second))
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[strings.ToLower(origin)]
	return ok
}

// CORS answers preflight requests and echoes allowed origins.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				w.Header().Add("Vary", "Origin")
			}
			allowed := origin != "" && policy.allows(origin)
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", policy.methods)
				w.Header().Set("Access-Control-Allow-Headers", policy.headers)
				w.Header().Set("Access-Control-Max-Age", policy.maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
