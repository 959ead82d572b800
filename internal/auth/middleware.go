// ABOUTME: HTTP middleware resolving bearer tokens to users
// ABOUTME: Store record wins over token claims so role changes take effect per request

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/campuslink/campus-chat/internal/model"
)

// UserLookup fetches the current user record for a verified subject.
// The store's view is preferred over token claims; claims are the fallback
// for users the store has not seen yet.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Middleware returns HTTP middleware that requires a valid bearer token and
// attaches the resolved user to the request context.
func Middleware(verifier TokenVerifier, users UserLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("token rejected", "error", err)
				unauthorized(w, "invalid token")
				return
			}

			user := claims.User()
			if users != nil {
				if stored, err := users.GetUser(r.Context(), claims.UserID); err == nil {
					user = stored
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// bearerToken extracts the token from the Authorization header, falling back
// to the "token" query parameter for websocket upgrades, where browsers
// cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
