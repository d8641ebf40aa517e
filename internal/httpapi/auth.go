package httpapi

import (
	"context"
	"net/http"
	"strings"
)

type counterContextKey struct{}

// CounterIdentityMiddleware attaches the counter identity verified by the
// upstream gateway to staff requests. Requests under /api/counter/ without one
// are rejected.
func CounterIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isCounterEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		counterID := counterIDFromRequest(r)
		if counterID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing counter identity")
			return
		}
		ctx := WithCounter(r.Context(), counterID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func WithCounter(ctx context.Context, counterID string) context.Context {
	return context.WithValue(ctx, counterContextKey{}, counterID)
}

func counterFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(counterContextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func counterIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Counter-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func isCounterEndpoint(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/counter/")
}
