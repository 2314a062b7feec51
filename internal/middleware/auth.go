package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const ctxUserKey contextKey = "user_id"

// Authenticator resolves both credential kinds the API accepts: member
// session tokens (JWT) and bot API keys. Implemented by the auth service.
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
	VerifyAPIKey(ctx context.Context, rawKey string) (uuid.UUID, error)
}

// apiKeyPrefix distinguishes a raw API key from a JWT in the same
// Authorization header. Must match the prefix the auth service mints with.
const apiKeyPrefix = "gbk_"

// Authenticate resolves the Bearer credential and stores the user id in the
// request context. API keys are recognized by their prefix; anything else is
// treated as a session token.
func Authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			var userID uuid.UUID
			var err error
			if strings.HasPrefix(raw, apiKeyPrefix) {
				userID, err = auth.VerifyAPIKey(r.Context(), raw)
			} else {
				userID, err = auth.ValidateToken(r.Context(), raw)
			}
			if err != nil || userID == uuid.Nil {
				http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

// UserFrom returns the authenticated user id set by Authenticate.
func UserFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxUserKey).(uuid.UUID)
	return id, ok
}

// WithUser returns a context carrying the given user id.
func WithUser(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxUserKey, userID)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
