package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/inaiurai/settlement/internal/models"
)

type contextKey string

const (
	ctxSessionKey        contextKey = "session"
	ctxIdempotencyKeyKey contextKey = "idempotency_key"
)

// TokenValidator resolves a bearer token into a session.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (models.Session, error)
}

// SessionAuth authenticates requests with a Bearer JWT and stores the
// caller's session in the request context.
func SessionAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed Authorization header")
				return
			}
			sess, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

// SessionFromCtx returns the authenticated session, if any.
func SessionFromCtx(ctx context.Context) (models.Session, bool) {
	s, ok := ctx.Value(ctxSessionKey).(models.Session)
	return s, ok
}

// WithSession returns a context carrying the given session.
func WithSession(ctx context.Context, s models.Session) context.Context {
	return context.WithValue(ctx, ctxSessionKey, s)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// writeError writes the same {"error","code","kind"} body the API handlers use.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	kind := "validation"
	switch status {
	case http.StatusUnauthorized:
		kind = "unauthorized"
	case http.StatusTooManyRequests:
		kind = "transient"
	case http.StatusInternalServerError:
		kind = "internal"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code, "kind": kind})
}
