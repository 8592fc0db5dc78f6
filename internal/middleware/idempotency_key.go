package middleware

import (
	"context"
	"net/http"
	"strings"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	maxIdempotencyKeyLen = 255
)

// RequireIdempotencyKey rejects mutating requests without a usable
// Idempotency-Key header and stores the key in the request context.
func RequireIdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" {
			writeError(w, http.StatusBadRequest, "idempotency_key_required", "Idempotency-Key header is required")
			return
		}
		if len(key) > maxIdempotencyKeyLen || !printableASCII(key) {
			writeError(w, http.StatusBadRequest, "invalid_idempotency_key", "Idempotency-Key must be 1-255 printable ASCII characters")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxIdempotencyKeyKey, key)))
	})
}

// IdempotencyKeyFromCtx returns the key stored by RequireIdempotencyKey, or "".
func IdempotencyKeyFromCtx(ctx context.Context) string {
	k, _ := ctx.Value(ctxIdempotencyKeyKey).(string)
	return k
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
