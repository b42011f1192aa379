package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "middleware-secret"

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func bearer(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/end", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAuthenticate(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "ops"}, nil)
	exp := time.Now().Add(time.Hour).Unix()

	_, err := auth.Authenticate(bearer(""))
	require.ErrorIs(t, err, ErrMissingToken)

	principal, err := auth.Authenticate(bearer(signed(t, jwt.MapClaims{
		"sub": "alice", "iss": "ops", "exp": exp, "scope": []any{"ballot:read", ScopeAdmin},
	})))
	require.NoError(t, err)
	require.Equal(t, "alice", principal.Subject)
	require.True(t, principal.Has(ScopeAdmin))
	require.False(t, principal.Has(ScopeAdmin, "ballot:root"))

	_, err = auth.Authenticate(bearer(signed(t, jwt.MapClaims{"sub": "alice", "iss": "other", "exp": exp})))
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.Authenticate(bearer(signed(t, jwt.MapClaims{"sub": "alice", "iss": "ops"})))
	require.ErrorIs(t, err, ErrInvalidToken, "expiry is required")
}

func TestAuthMiddlewareStoresPrincipal(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	var seen string
	handler := auth.Middleware(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Subject(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, bearer(""))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	require.Contains(t, rec.Body.String(), `"unauthenticated"`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, bearer(signed(t, jwt.MapClaims{
		"sub": "bob", "exp": time.Now().Add(time.Hour).Unix(), "scope": "ballot:admin ballot:read",
	})))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bob", seen)
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	rec := httptest.NewRecorder()
	auth.Middleware(ScopeAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, bearer(""))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterPerClient(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"write": {RequestsPerMinute: 1, Burst: 1}}, nil)
	clock := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return clock }
	handler := limiter.Middleware("write")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/vote", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, call("10.0.0.1:5000").Code)
	rec := call("10.0.0.1:5001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, http.StatusOK, call("10.0.0.2:5000").Code)

	clock = clock.Add(time.Minute)
	require.Equal(t, http.StatusOK, call("10.0.0.1:5000").Code)

	clock = clock.Add(10 * time.Minute)
	require.Equal(t, http.StatusOK, call("10.0.0.3:5000").Code)
	limiter.mu.Lock()
	require.Len(t, limiter.buckets, 1, "idle buckets are swept")
	limiter.mu.Unlock()
}

func TestRateLimiterUnknownRoute(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	handler := limiter.Middleware("read")(next)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://Vote.Example/"}, MaxAge: time.Minute})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }))

	req := httptest.NewRequest(http.MethodOptions, "/v1/vote", nil)
	req.Header.Set("Origin", "https://vote.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://vote.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "60", rec.Header().Get("Access-Control-Max-Age"))
	require.Equal(t, "Origin", rec.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/vote", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/election", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
