package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims identify the user a bearer token was issued to.
type Claims struct {
	jwt.RegisteredClaims
	UserID   uint   `json:"id"`
	Username string `json:"username"`
}

// TokenIssuer signs and verifies HS256 bearer tokens.
type TokenIssuer struct {
	secret  []byte
	expiry  time.Duration
	revoked *RevocationList
	nowFn   func() time.Time
}

func NewTokenIssuer(secret []byte, expiry time.Duration, revoked *RevocationList) *TokenIssuer {
	if revoked == nil {
		revoked = NewRevocationList()
	}
	return &TokenIssuer{
		secret:  secret,
		expiry:  expiry,
		revoked: revoked,
		nowFn:   time.Now,
	}
}

// Issue returns a signed token for the user.
func (i *TokenIssuer) Issue(userID uint, username string) (string, *Claims, error) {
	now := i.nowFn()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
		},
		UserID:   userID,
		Username: username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, "sign token", err)
	}
	return signed, claims, nil
}

// Verify checks the signature, expiry and revocation status of a token.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, apperr.Authentication("authentication required")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.nowFn))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthentication, "invalid token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == 0 {
		return nil, apperr.Authentication("invalid token")
	}
	if i.revoked.IsRevoked(claims.ID) {
		return nil, apperr.Authentication("token revoked")
	}
	return claims, nil
}

// Revoke invalidates a verified token until it expires.
func (i *TokenIssuer) Revoke(claims *Claims) {
	if claims == nil || claims.ID == "" {
		return
	}
	exp := i.nowFn().Add(i.expiry)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	i.revoked.Revoke(claims.ID, exp)
}

// Expiry is the lifetime of issued tokens.
func (i *TokenIssuer) Expiry() time.Duration {
	return i.expiry
}

// BearerToken extracts a token from the Authorization header, the token
// query parameter or the jwt cookie, in that order.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return c.Value
	}
	return ""
}
