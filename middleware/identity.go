package middleware

import (
	"context"
	"net/http"
)

type contextKey string

// UserIDKey is the request-context key under which the caller identity is
// stored. The identity collaborator upstream authenticates the session and
// forwards the resolved user id; this service never validates that the user
// exists.
const UserIDKey contextKey = "userID"

// Identity copies the X-User-ID header set by the upstream identity service
// into the request context. Requests without it are treated as anonymous.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			r = r.WithContext(context.WithValue(r.Context(), UserIDKey, userID))
		}
		next.ServeHTTP(w, r)
	})
}

// UserIDFrom extracts the caller identity from a request context.
func UserIDFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}
