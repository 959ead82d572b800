// ABOUTME: Request-context propagation of the authenticated user
// ABOUTME: Provides WithUser/UserFromContext for handlers and the hub

package auth

import (
	"context"

	"github.com/campuslink/campus-chat/internal/model"
)

// userContextKey is the key type for storing the user in context.Context.
type userContextKey struct{}

// WithUser returns a new context with the authenticated user attached.
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves the authenticated user. The second return is
// false when no user is attached.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*model.User)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}
