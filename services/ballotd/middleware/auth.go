package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin is required for every administrative action.
const ScopeAdmin = "ballot:admin"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// AuthConfig validates HMAC-signed JWTs issued to election operators.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	// ScopeClaim names the claim holding scopes, "scope" by default. It may
	// be a space separated string or a list.
	ScopeClaim string
	ClockSkew  time.Duration
}

// Principal is the operator behind an authenticated request.
type Principal struct {
	Subject string
	Scopes  []string
}

// Has reports whether every scope in required was granted.
func (p Principal) Has(required ...string) bool {
	for _, scope := range required {
		if !slices.Contains(p.Scopes, scope) {
			return false
		}
	}
	return true
}

type principalKey struct{}

// PrincipalFrom returns the principal stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Subject returns the authenticated subject or "".
func Subject(ctx context.Context) string {
	p, _ := PrincipalFrom(ctx)
	return p.Subject
}

type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	parser *jwt.Parser
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger.With("component", "auth"),
		parser: jwt.NewParser(opts...),
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

// Authenticate validates the bearer token on r.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	raw = strings.TrimSpace(raw)
	if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return Principal{}, ErrMissingToken
	}
	if len(a.secret) == 0 {
		return Principal{}, fmt.Errorf("%w: no secret configured", ErrInvalidToken)
	}
	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	subject, _ := claims.GetSubject()
	return Principal{Subject: subject, Scopes: scopesOf(claims[a.cfg.ScopeClaim])}, nil
}

// Middleware rejects requests without a valid token carrying every required
// scope. 401 means no usable token, 403 a token without the scope.
func (a *Authenticator) Middleware(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !a.cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.Authenticate(r)
			if err != nil {
				a.logger.Warn("token rejected", "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="ballotd"`)
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
				return
			}
			if !principal.Has(required...) {
				writeAuthError(w, http.StatusForbidden, "insufficient_scope", "token lacks "+strings.Join(required, " "))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
		})
	}
}

func scopesOf(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
