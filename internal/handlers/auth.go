package handlers

import (
	"net/http"
	"strings"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/auth"
	"github.com/bodyast/logManager/internal/crypto"
	"github.com/bodyast/logManager/internal/database"
	"github.com/bodyast/logManager/internal/logging"
	"github.com/bodyast/logManager/internal/logstream"
	"github.com/bodyast/logManager/internal/middleware"
	"go.uber.org/zap"
)

// Set from main.go during init.
var (
	Tokens  *auth.TokenIssuer
	Vault   *crypto.Vault
	Logs    *logstream.Service
	Streams *logstream.Registry
)

func setTokenCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(Tokens.Expiry().Seconds()),
	})
}

func clearTokenCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func issueToken(w http.ResponseWriter, r *http.Request, status int, user *database.User) {
	token, _, err := Tokens.Issue(user.ID, user.Username)
	if err != nil {
		writeAppError(w, err)
		return
	}
	setTokenCookie(w, r, token)
	writeJSON(w, status, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

func Register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAppError(w, err)
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	body.Email = strings.TrimSpace(body.Email)

	switch {
	case body.Username == "" || body.Email == "" || body.Password == "":
		writeAppError(w, apperr.Validation("username, email and password are required"))
		return
	case !strings.Contains(body.Email, "@"):
		writeAppError(w, apperr.Validation("invalid email address"))
		return
	case len(body.Password) < auth.MinPasswordLen:
		writeAppError(w, apperr.Newf(apperr.KindValidation, "password must be at least %d characters", auth.MinPasswordLen))
		return
	}

	if _, err := database.GetUserByEmail(body.Email); err == nil {
		writeAppError(w, apperr.Validation("a user with this email already exists"))
		return
	}
	if _, err := database.GetUserByUsername(body.Username); err == nil {
		writeAppError(w, apperr.Validation("a user with this username already exists"))
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeAppError(w, internal("hash password", err))
		return
	}
	user := &database.User{Username: body.Username, Email: body.Email, PasswordHash: hash, Role: database.RoleUser}
	if err := database.CreateUser(user); err != nil {
		writeAppError(w, internal("create user", err))
		return
	}
	zap.L().Info("user registered", zap.String("username", logging.Sanitize(user.Username)))
	issueToken(w, r, http.StatusCreated, user)
}

// Login accepts a username or an email address together with the password.
func Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAppError(w, err)
		return
	}
	login := strings.TrimSpace(body.Username)
	if login == "" {
		login = strings.TrimSpace(body.Email)
	}
	if login == "" || body.Password == "" {
		writeAppError(w, apperr.Validation("username and password are required"))
		return
	}

	user, err := database.GetUserByUsername(login)
	if err != nil && strings.Contains(login, "@") {
		user, err = database.GetUserByEmail(login)
	}
	if err != nil || !auth.CheckPassword(body.Password, user.PasswordHash) {
		writeAppError(w, apperr.Authentication("invalid username or password"))
		return
	}
	issueToken(w, r, http.StatusOK, user)
}

// Logout revokes the presented token and clears the cookie.
func Logout(w http.ResponseWriter, r *http.Request) {
	Tokens.Revoke(middleware.GetClaims(r))
	clearTokenCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeAppError(w, apperr.Authentication("authentication required"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func UpdatePassword(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeAppError(w, apperr.Authentication("authentication required"))
		return
	}
	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAppError(w, err)
		return
	}
	if body.CurrentPassword == "" || body.NewPassword == "" {
		writeAppError(w, apperr.Validation("current and new password are required"))
		return
	}
	if len(body.NewPassword) < auth.MinPasswordLen {
		writeAppError(w, apperr.Newf(apperr.KindValidation, "password must be at least %d characters", auth.MinPasswordLen))
		return
	}
	if !auth.CheckPassword(body.CurrentPassword, user.PasswordHash) {
		writeAppError(w, apperr.Authentication("current password is incorrect"))
		return
	}

	hash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		writeAppError(w, internal("hash password", err))
		return
	}
	if err := database.UpdateUserPassword(user.ID, hash); err != nil {
		writeAppError(w, internal("update password", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
