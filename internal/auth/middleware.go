package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/epc-wordpress/panel-connect/internal/platform/metrics"
	"github.com/epc-wordpress/panel-connect/internal/platform/middleware"
)

// TokenVerifier verifies a raw bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) Outcome
}

// MiddlewareOption configures the authentication middleware.
type MiddlewareOption func(*gate)

// WithLogger sets the logger used for denial events.
func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(g *gate) { g.logger = logger }
}

type gate struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// Middleware returns HTTP middleware that admits only requests bearing a
// valid token. Pre-flight OPTIONS requests pass through unchecked. Every
// denial is a 401 whose body names the reason.
func Middleware(verifier TokenVerifier, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	g := &gate{verifier: verifier, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, reason := extractBearerToken(r)
			if reason != "" {
				g.deny(w, r, Outcome{Reason: reason})
				return
			}

			outcome := g.verifier.Verify(r.Context(), token)
			if !outcome.Valid() {
				g.deny(w, r, outcome)
				return
			}

			metrics.RecordDecision("")
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), outcome.Claims)))
		})
	}
}

func (g *gate) deny(w http.ResponseWriter, r *http.Request, outcome Outcome) {
	metrics.RecordDecision(string(outcome.Reason))
	g.logger.Debug("request denied",
		"method", r.Method,
		"path", r.URL.Path,
		"reason", outcome.Reason,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeAuthError(w, outcome.Reason, outcome.Reason.Message(outcome.Detail))
}

// extractBearerToken requires exactly "<scheme> <token>" with a
// case-insensitive Bearer scheme. The token itself may be empty.
func extractBearerToken(r *http.Request) (string, Reason) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ReasonMissingToken
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ReasonMalformedHeader
	}

	return parts[1], ""
}

func writeAuthError(w http.ResponseWriter, reason Reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"detail": message,
		"reason": string(reason),
	})
}
