package middleware

import (
	"context"
	"net/http"

	"github.com/bodyast/logManager/internal/auth"
	"github.com/bodyast/logManager/internal/database"
)

// WithUserForTest attaches a User and matching claims to the request context
// for testing.
func WithUserForTest(r *http.Request, user *database.User) *http.Request {
	claims := &auth.Claims{UserID: user.ID, Username: user.Username}
	ctx := context.WithValue(r.Context(), userContextKey, user)
	ctx = context.WithValue(ctx, claimsContextKey, claims)
	return r.WithContext(ctx)
}
