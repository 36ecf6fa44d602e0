package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const userKey contextKey = "user"

// WithUser returns a context carrying the authenticated user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// UserID returns the user id set by Middleware.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey).(string)
	return id, ok && id != ""
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter (browsers cannot set headers
// on a websocket upgrade).
func TokenFromRequest(r *http.Request) string {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	return strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
}

// Authenticate validates the request's token and returns its user id.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	tokenString := TokenFromRequest(r)
	if tokenString == "" {
		return "", ErrNoToken
	}
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Middleware rejects requests without a valid token and stores the user id
// in the request context.
func (a *Authenticator) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(r)
			if err != nil {
				logger.Debug("unauthorized", "path", r.URL.Path, "err", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}
