// Package middleware holds the chi middleware stack: request metrics and
// identity extraction.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const userEmailKey contextKey = "user_email"

// TokenVerifier validates a bearer token and returns the user's email.
// Backed by the auth bridge in production; tests substitute fakes.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (email string, err error)
}

// Auth extracts and verifies the bearer token, storing the user's email
// in the request context. Requests without a valid token pass through
// unauthenticated; handlers decide whether that is fatal.
func Auth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if strings.HasPrefix(header, "Bearer ") && verifier != nil {
				token := strings.TrimPrefix(header, "Bearer ")
				if email, err := verifier.Verify(r.Context(), token); err == nil && email != "" {
					r = r.WithContext(context.WithValue(r.Context(), userEmailKey, email))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserEmail returns the authenticated user's email, or "".
func UserEmail(ctx context.Context) string {
	email, _ := ctx.Value(userEmailKey).(string)
	return email
}

// WithUserEmail injects an email, for tests and internal calls.
func WithUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, userEmailKey, email)
}
