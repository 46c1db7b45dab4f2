package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) error
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure, e.g. to increment a Prometheus counter.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter rejects clients with 429 once they exceed their allowance
// of failed attempts.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// HTTPBearerAuthMiddleware enforces bearer-token auth. A client that is
// already over its failure allowance is rejected before its token is checked.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractIP(r.RemoteAddr)
			if cfg.rateLimiter != nil && !cfg.rateLimiter.Allow(ip) {
				writeTooManyRequests(w)
				return
			}

			err := authorize(r.Context(), r.Header.Get("Authorization"), validator)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			LoggerFromContext(r.Context()).Debug("authentication failed", "error", err.Error())
			if cfg.onFailure != nil {
				cfg.onFailure()
			}
			if cfg.rateLimiter != nil && !cfg.rateLimiter.RecordFailureAndAllow(ip) {
				writeTooManyRequests(w)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		})
	}
}

func authorize(ctx context.Context, authorizationHeader string, validator TokenValidator) error {
	if validator == nil {
		return errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return errMissingAuthorizationHeader
	}
	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return err
	}
	return validator.ValidateToken(ctx, token)
}

func parseBearerToken(authorizationHeader string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorizationHeader), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errInvalidAuthorizationHeader
	}
	return token, nil
}

func writeTooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}
