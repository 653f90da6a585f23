package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/bodyast/logManager/internal/database"
	"golang.org/x/crypto/bcrypt"
)

const (
	TokenCookie      = "jwt"
	BcryptCost       = 12
	MinPasswordLen   = 6
	jwtSecretSetting = "jwt_secret"
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// LoadSecret returns the configured signing secret, or the one stored in the
// settings table, generating it on first start.
func LoadSecret(configured string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	secret, err := database.GetSetting(jwtSecretSetting)
	if err == nil && secret != "" {
		return []byte(secret), nil
	}
	if err != nil && !database.IsNotFound(err) {
		return nil, fmt.Errorf("load jwt secret: %w", err)
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	secret = hex.EncodeToString(b)
	if err := database.SetSetting(jwtSecretSetting, secret); err != nil {
		return nil, fmt.Errorf("save jwt secret: %w", err)
	}
	return []byte(secret), nil
}

// RevocationList remembers logged-out token IDs until the tokens would have
// expired anyway.
type RevocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	nowFn   func() time.Time
}

func NewRevocationList() *RevocationList {
	return &RevocationList{
		entries: make(map[string]time.Time),
		nowFn:   time.Now,
	}
}

func (r *RevocationList) Revoke(tokenID string, expiresAt time.Time) {
	r.mu.Lock()
	r.entries[tokenID] = expiresAt
	r.mu.Unlock()
}

func (r *RevocationList) IsRevoked(tokenID string) bool {
	r.mu.RLock()
	_, ok := r.entries[tokenID]
	r.mu.RUnlock()
	return ok
}

func (r *RevocationList) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Cleanup drops entries whose tokens have expired and returns how many were
// removed.
func (r *RevocationList) Cleanup() int {
	now := r.nowFn()
	removed := 0
	r.mu.Lock()
	for id, exp := range r.entries {
		if now.After(exp) {
			delete(r.entries, id)
			removed++
		}
	}
	r.mu.Unlock()
	return removed
}
