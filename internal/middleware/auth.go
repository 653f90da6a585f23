package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/auth"
	"github.com/bodyast/logManager/internal/database"
)

type contextKey string

const (
	userContextKey   contextKey = "user"
	claimsContextKey contextKey = "claims"
)

// TokenVerifier checks a bearer token.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"kind":    string(apperr.KindOf(err)),
		"message": apperr.Message(err),
	})
}

// RequireAuth verifies the request's bearer token and loads its user.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verifier.Verify(auth.BearerToken(r))
			if err != nil {
				writeError(w, err)
				return
			}

			user, err := database.GetUserByID(claims.UserID)
			if err != nil {
				writeError(w, apperr.Authentication("user no longer exists"))
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			ctx = context.WithValue(ctx, claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects users without the admin role. It must run after
// RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUser(r)
		if user == nil || user.Role != database.RoleAdmin {
			writeError(w, apperr.Authorization("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetUser(r *http.Request) *database.User {
	user, _ := r.Context().Value(userContextKey).(*database.User)
	return user
}

// GetClaims returns the verified token claims of the request.
func GetClaims(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsContextKey).(*auth.Claims)
	return claims
}

// OwnsHost reports whether the request's user owns host.
func OwnsHost(r *http.Request, host *database.Host) bool {
	user := GetUser(r)
	return user != nil && host != nil && host.UserID == user.ID
}
