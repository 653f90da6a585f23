package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bodyast/logManager/internal/auth"
	"github.com/bodyast/logManager/internal/crypto"
	"github.com/bodyast/logManager/internal/database"
	"github.com/bodyast/logManager/internal/logstream"
	"github.com/bodyast/logManager/internal/sshconn"
	"github.com/bodyast/logManager/internal/sshlogs"
	"github.com/bodyast/logManager/internal/sshtest"
	"github.com/fernet/fernet-go"
	"github.com/go-chi/chi/v5"
	gossh "golang.org/x/crypto/ssh"
)

type testEnv struct {
	router chi.Router
	ssh    *sshtest.Server
}

// setupTestEnv wires an in-memory database, a vault, a token issuer and a
// log service backed by an in-process SSH server running handler.
func setupTestEnv(t *testing.T, handler sshtest.Handler) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	prevDB := database.DB
	database.DB = db

	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dialer, err := sshconn.NewDialer(sshconn.Config{Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}

	prevTokens, prevVault, prevLogs, prevStreams := Tokens, Vault, Logs, Streams
	Tokens = auth.NewTokenIssuer([]byte("handlers-test-secret"), time.Hour, nil)
	Vault = crypto.NewVault(&k)
	opener := &logstream.SSHOpener{Vault: Vault, Dialer: dialer, Options: sshlogs.DefaultOptions()}
	Logs = logstream.NewService(opener, 1000, nil)
	Streams = logstream.NewRegistry(opener, nil)

	t.Cleanup(func() {
		database.Close()
		database.DB = prevDB
		Tokens, Vault, Logs, Streams = prevTokens, prevVault, prevLogs, prevStreams
	})

	return &testEnv{
		router: NewRouter(Tokens, nil),
		ssh:    sshtest.Start(t, handler),
	}
}

func okHandler(cmd string, ch gossh.Channel) {
	sshtest.Exit(ch, "", "", 0)
}

func createTestUser(t *testing.T, username string) (*database.User, string) {
	t.Helper()
	user := &database.User{Username: username, Email: username + "@example.com", PasswordHash: "unused"}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, _, err := Tokens.Issue(user.ID, user.Username)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return user, token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return v
}

// createTestHost stores a host pointing at the test SSH server.
func (e *testEnv) createTestHost(t *testing.T, owner *database.User, password string) *database.Host {
	t.Helper()
	sealed, err := Vault.Encrypt(password)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	host := &database.Host{
		UserID:   owner.ID,
		Name:     "web-1",
		Host:     e.ssh.Host,
		Port:     e.ssh.Port,
		Username: e.ssh.User,
		Password: sealed,
	}
	if err := database.CreateHost(host); err != nil {
		t.Fatalf("create host: %v", err)
	}
	return host
}

func createTestLogPath(t *testing.T, host *database.Host, path string) *database.LogPath {
	t.Helper()
	lp := &database.LogPath{HostID: host.ID, Name: "app", Path: path}
	if err := database.CreateLogPath(lp); err != nil {
		t.Fatalf("create log path: %v", err)
	}
	return lp
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	e := setupTestEnv(t, okHandler)
	rec := e.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	body := decode[map[string]interface{}](t, rec)
	if body["status"] != "healthy" || body["database"] != "connected" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if body["active_sessions"] != float64(0) {
		t.Fatalf("expected 0 active sessions, got %v", body["active_sessions"])
	}
}

func TestRegisterLoginLogout(t *testing.T) {
	e := setupTestEnv(t, okHandler)

	rec := e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "hunter22",
	})
	expectStatus(t, rec, http.StatusCreated)
	reg := decode[struct {
		Token string        `json:"token"`
		User  database.User `json:"user"`
	}](t, rec)
	if reg.Token == "" || reg.User.Username != "alice" {
		t.Fatalf("unexpected register response: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("response leaks password field: %s", rec.Body.String())
	}
	if c := rec.Result().Cookies(); len(c) != 1 || c[0].Name != auth.TokenCookie {
		t.Fatalf("expected jwt cookie, got %v", c)
	}

	// Duplicate username and email are rejected.
	rec = e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "hunter22",
	})
	expectStatus(t, rec, http.StatusBadRequest)
	rec = e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "bob", "email": "alice@example.com", "password": "hunter22",
	})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "carol", "email": "carol@example.com", "password": "abc",
	})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "alice", "password": "wrong-pass"})
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "alice@example.com", "password": "hunter22"})
	expectStatus(t, rec, http.StatusOK)
	token := decode[map[string]interface{}](t, rec)["token"].(string)

	rec = e.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	expectStatus(t, rec, http.StatusOK)
	if me := decode[database.User](t, rec); me.Username != "alice" {
		t.Fatalf("expected alice, got %q", me.Username)
	}

	expectStatus(t, e.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil), http.StatusOK)
	expectStatus(t, e.do(t, http.MethodGet, "/api/v1/auth/me", token, nil), http.StatusUnauthorized)
}

func TestUpdatePassword(t *testing.T) {
	e := setupTestEnv(t, okHandler)
	hash, err := auth.HashPassword("old-password")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user := &database.User{Username: "dave", PasswordHash: hash}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, _, _ := Tokens.Issue(user.ID, user.Username)

	rec := e.do(t, http.MethodPatch, "/api/v1/auth/password", token, map[string]string{
		"current_password": "not-it", "new_password": "new-password",
	})
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = e.do(t, http.MethodPatch, "/api/v1/auth/password", token, map[string]string{
		"current_password": "old-password", "new_password": "new-password",
	})
	expectStatus(t, rec, http.StatusOK)

	stored, err := database.GetUserByID(user.ID)
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if !auth.CheckPassword("new-password", stored.PasswordHash) {
		t.Fatal("password was not updated")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := setupTestEnv(t, okHandler)
	for _, path := range []string{"/api/v1/hosts", "/api/v1/log-paths", "/api/v1/logs/1", "/api/v1/server-logs"} {
		rec := e.do(t, http.MethodGet, path, "", nil)
		expectStatus(t, rec, http.StatusUnauthorized)
		if body := decode[map[string]string](t, rec); body["kind"] != "authentication" {
			t.Fatalf("%s: expected authentication kind, got %v", path, body)
		}
	}
}

func TestServerLogsAdminOnly(t *testing.T) {
	e := setupTestEnv(t, okHandler)
	_, userToken := createTestUser(t, "alice")

	rec := e.do(t, http.MethodGet, "/api/v1/server-logs", userToken, nil)
	expectStatus(t, rec, http.StatusForbidden)
	if body := decode[map[string]string](t, rec); body["kind"] != "authorization" {
		t.Fatalf("expected authorization kind, got %v", body)
	}

	admin := &database.User{Username: "root", Email: "root@example.com", PasswordHash: "unused", Role: database.RoleAdmin}
	if err := database.CreateUser(admin); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	adminToken, _, err := Tokens.Issue(admin.ID, admin.Username)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = e.do(t, http.MethodGet, "/api/v1/server-logs?lines=5", adminToken, nil)
	expectStatus(t, rec, http.StatusOK)
	if _, ok := decode[map[string]string](t, rec)["logs"]; !ok {
		t.Fatalf("missing logs field: %s", rec.Body.String())
	}
}

func TestHostCRUD(t *testing.T) {
	e := setupTestEnv(t, okHandler)
	_, token := createTestUser(t, "alice")
	_, otherToken := createTestUser(t, "mallory")

	rec := e.do(t, http.MethodPost, "/api/v1/hosts", token, map[string]interface{}{
		"name": "db-1", "host": "10.0.0.5", "username": "deploy", "password": "pa55word",
	})
	expectStatus(t, rec, http.StatusCreated)
	if strings.Contains(rec.Body.String(), "pa55word") {
		t.Fatalf("response leaks password: %s", rec.Body.String())
	}
	created := decode[hostResponse](t, rec)
	if created.Port != 22 || !created.HasPassword || created.HasPrivateKey {
		t.Fatalf("unexpected host: %+v", created)
	}

	stored, err := database.GetHost(created.ID)
	if err != nil {
		t.Fatalf("load host: %v", err)
	}
	if stored.Password == "pa55word" {
		t.Fatal("password stored in plaintext")
	}
	if plain, err := Vault.Decrypt(stored.Password); err != nil || plain != "pa55word" {
		t.Fatalf("decrypt stored password: %q, %v", plain, err)
	}

	// Validation
	rec = e.do(t, http.MethodPost, "/api/v1/hosts", token, map[string]interface{}{"name": "x", "host": "h"})
	expectStatus(t, rec, http.StatusBadRequest)
	rec = e.do(t, http.MethodPost, "/api/v1/hosts", token, map[string]interface{}{
		"name": "x", "host": "h", "username": "u", "port": 70000,
	})
	expectStatus(t, rec, http.StatusBadRequest)

	hostPath := fmt.Sprintf("/api/v1/hosts/%d", created.ID)

	rec = e.do(t, http.MethodGet, "/api/v1/hosts", token, nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[[]hostResponse](t, rec); len(list) != 1 || list[0].Name != "db-1" {
		t.Fatalf("unexpected list: %s", rec.Body.String())
	}
	rec = e.do(t, http.MethodGet, "/api/v1/hosts", otherToken, nil)
	if list := decode[[]hostResponse](t, rec); len(list) != 0 {
		t.Fatalf("other user sees hosts: %s", rec.Body.String())
	}

	expectStatus(t, e.do(t, http.MethodGet, hostPath, otherToken, nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodDelete, hostPath, otherToken, nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodGet, "/api/v1/hosts/9999", token, nil), http.StatusNotFound)
	expectStatus(t, e.do(t, http.MethodGet, "/api/v1/hosts/abc", token, nil), http.StatusBadRequest)

	rec = e.do(t, http.MethodPut, hostPath, token, map[string]interface{}{
		"port": 2222, "password": "", "private_key": "-----BEGIN KEY-----",
	})
	expectStatus(t, rec, http.StatusOK)
	updated := decode[hostResponse](t, rec)
	if updated.Port != 2222 || updated.HasPassword || !updated.HasPrivateKey || updated.Name != "db-1" {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	expectStatus(t, e.do(t, http.MethodPut, hostPath, token, map[string]interface{}{"name": "  "}), http.StatusBadRequest)

	expectStatus(t, e.do(t, http.MethodDelete, hostPath, token, nil), http.StatusNoContent)
	expectStatus(t, e.do(t, http.MethodGet, hostPath, token, nil), http.StatusNotFound)
}

func TestLogPathCRUD(t *testing.T) {
	e := setupTestEnv(t, okHandler)
	user, token := createTestUser(t, "alice")
	_, otherToken := createTestUser(t, "mallory")
	host := e.createTestHost(t, user, e.ssh.Password)
	base := fmt.Sprintf("/api/v1/hosts/%d/log-paths", host.ID)

	expectStatus(t, e.do(t, http.MethodPost, base, token, map[string]string{"name": "rel", "path": "var/log/x"}), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodPost, base, token, map[string]string{"name": "nl", "path": "/var/log/x\nrm -rf /"}), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodPost, base, token, map[string]string{"path": "/var/log/x"}), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodPost, base, otherToken, map[string]string{"name": "x", "path": "/var/log/x"}), http.StatusForbidden)

	rec := e.do(t, http.MethodPost, base, token, map[string]string{
		"name": "nginx", "path": "/var/log/nginx/access.log", "description": "front door",
	})
	expectStatus(t, rec, http.StatusCreated)
	lp := decode[database.LogPath](t, rec)
	if lp.HostID != host.ID || lp.Path != "/var/log/nginx/access.log" {
		t.Fatalf("unexpected log path: %+v", lp)
	}

	rec = e.do(t, http.MethodGet, base, token, nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[[]database.LogPath](t, rec); len(list) != 1 {
		t.Fatalf("expected 1 log path, got %s", rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/api/v1/log-paths", token, nil)
	expectStatus(t, rec, http.StatusOK)
	all := decode[[]map[string]interface{}](t, rec)
	if len(all) != 1 || all[0]["server"].(map[string]interface{})["name"] != "web-1" {
		t.Fatalf("unexpected user-wide list: %s", rec.Body.String())
	}

	lpPath := fmt.Sprintf("/api/v1/log-paths/%d", lp.ID)
	expectStatus(t, e.do(t, http.MethodGet, lpPath, otherToken, nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodPut, lpPath, token, map[string]string{"path": "relative"}), http.StatusBadRequest)

	rec = e.do(t, http.MethodPut, lpPath, token, map[string]string{"name": "nginx-access"})
	expectStatus(t, rec, http.StatusOK)
	if got := decode[database.LogPath](t, rec); got.Name != "nginx-access" || got.Path != lp.Path {
		t.Fatalf("unexpected update: %+v", got)
	}

	expectStatus(t, e.do(t, http.MethodDelete, lpPath, token, nil), http.StatusNoContent)
	expectStatus(t, e.do(t, http.MethodGet, lpPath, token, nil), http.StatusNotFound)
}

func TestLogSnapshotAndCheck(t *testing.T) {
	e := setupTestEnv(t, func(cmd string, ch gossh.Channel) {
		switch {
		case strings.HasPrefix(cmd, "tail "):
			sshtest.Exit(ch, "first\nsecond\n", "", 0)
		case strings.HasPrefix(cmd, "test -f "):
			sshtest.Exit(ch, "exists\n", "", 0)
		default:
			sshtest.Exit(ch, "", "unknown command", 127)
		}
	})
	user, token := createTestUser(t, "alice")
	_, otherToken := createTestUser(t, "mallory")
	host := e.createTestHost(t, user, e.ssh.Password)
	lp := createTestLogPath(t, host, "/var/log/app.log")

	rec := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/logs/%d?lines=20", lp.ID), token, nil)
	expectStatus(t, rec, http.StatusOK)
	snap := decode[logstream.SnapshotResult](t, rec)
	if snap.Content != "first\nsecond\n" || snap.LogPath.ID != lp.ID || snap.Server.ID != host.ID {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if cmds := e.ssh.Commands(); len(cmds) != 1 || !strings.HasPrefix(cmds[0], "tail -n 20 ") {
		t.Fatalf("unexpected commands: %v", cmds)
	}

	expectStatus(t, e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/logs/%d?lines=abc", lp.ID), token, nil), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/logs/%d?lines=-5", lp.ID), token, nil), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/logs/%d", lp.ID), otherToken, nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodGet, "/api/v1/logs/9999", token, nil), http.StatusNotFound)

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/logs/%d/check", lp.ID), token, nil)
	expectStatus(t, rec, http.StatusOK)
	if avail := decode[logstream.Availability](t, rec); !avail.Exists || avail.LogPath.Path != "/var/log/app.log" {
		t.Fatalf("unexpected availability: %+v", avail)
	}
	e.ssh.WaitIdle(t, 2*time.Second)
}

func TestSnapshotRemoteError(t *testing.T) {
	e := setupTestEnv(t, func(cmd string, ch gossh.Channel) {
		sshtest.Exit(ch, "", "tail: cannot open '/var/log/app.log': Permission denied", 1)
	})
	user, token := createTestUser(t, "alice")
	host := e.createTestHost(t, user, e.ssh.Password)
	lp := createTestLogPath(t, host, "/var/log/app.log")

	rec := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/logs/%d", lp.ID), token, nil)
	expectStatus(t, rec, http.StatusBadGateway)
	body := decode[map[string]string](t, rec)
	if body["kind"] != "remote_command" || !strings.Contains(body["message"], "Permission denied") {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestHostConnectionTest(t *testing.T) {
	e := setupTestEnv(t, okHandler)
	user, token := createTestUser(t, "alice")
	good := e.createTestHost(t, user, e.ssh.Password)
	bad := e.createTestHost(t, user, "wrong-password")

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/hosts/%d/test", good.ID), token, nil)
	expectStatus(t, rec, http.StatusOK)
	if body := decode[map[string]interface{}](t, rec); body["status"] != "success" {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/hosts/%d/test", bad.ID), token, nil)
	expectStatus(t, rec, http.StatusBadRequest)
	if body := decode[map[string]interface{}](t, rec); body["kind"] != "connection" {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/hosts/%d/events", bad.ID), token, nil)
	expectStatus(t, rec, http.StatusOK)
	events := decode[struct {
		Events    []sshconn.ConnectionEvent `json:"events"`
		RateLimit sshconn.RateLimitStatus   `json:"rate_limit"`
	}](t, rec)
	if len(events.Events) == 0 || events.Events[len(events.Events)-1].Type != sshconn.EventConnectFailed {
		t.Fatalf("expected a connect_failed event, got %+v", events.Events)
	}
	e.ssh.WaitIdle(t, 2*time.Second)
}

func TestDiscoverHostLogFiles(t *testing.T) {
	e := setupTestEnv(t, func(cmd string, ch gossh.Channel) {
		sshtest.Exit(ch, "/var/log/syslog\n", "", 0)
	})
	user, token := createTestUser(t, "alice")
	host := e.createTestHost(t, user, e.ssh.Password)

	rec := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/hosts/%d/log-files", host.ID), token, nil)
	expectStatus(t, rec, http.StatusOK)
	body := decode[map[string][]string](t, rec)
	if len(body["files"]) != 1 || body["files"][0] != "/var/log/syslog" {
		t.Fatalf("unexpected files: %v", body)
	}
}
