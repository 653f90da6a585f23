package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/database"
	"github.com/bodyast/logManager/internal/logging"
	"github.com/bodyast/logManager/internal/middleware"
	"go.uber.org/zap"
)

// hostResponse never carries credentials, only whether they are set.
type hostResponse struct {
	ID            uint      `json:"id"`
	Name          string    `json:"name"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Username      string    `json:"username"`
	HasPassword   bool      `json:"has_password"`
	HasPrivateKey bool      `json:"has_private_key"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toHostResponse(h *database.Host) hostResponse {
	return hostResponse{
		ID:            h.ID,
		Name:          h.Name,
		Host:          h.Host,
		Port:          h.Port,
		Username:      h.Username,
		HasPassword:   h.HasPassword(),
		HasPrivateKey: h.HasPrivateKey(),
		CreatedAt:     h.CreatedAt,
		UpdatedAt:     h.UpdatedAt,
	}
}

type hostRequest struct {
	Name                 *string `json:"name"`
	Host                 *string `json:"host"`
	Port                 *int    `json:"port"`
	Username             *string `json:"username"`
	Password             *string `json:"password"`
	PrivateKey           *string `json:"private_key"`
	PrivateKeyPassphrase *string `json:"private_key_passphrase"`
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return apperr.Newf(apperr.KindValidation, "port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ownedHost loads the host named by the id URL parameter and checks that
// the request's user owns it.
func ownedHost(r *http.Request) (*database.Host, error) {
	id, err := urlID(r, "id")
	if err != nil {
		return nil, err
	}
	host, err := database.GetHost(id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound("host not found")
		}
		return nil, internal("load host", err)
	}
	if !middleware.OwnsHost(r, host) {
		return nil, apperr.Authorization("you do not have access to this host")
	}
	return host, nil
}

func ListHosts(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	hosts, err := database.ListHosts(user.ID)
	if err != nil {
		writeAppError(w, internal("list hosts", err))
		return
	}
	out := make([]hostResponse, 0, len(hosts))
	for i := range hosts {
		out = append(out, toHostResponse(&hosts[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func GetHost(w http.ResponseWriter, r *http.Request) {
	host, err := ownedHost(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHostResponse(host))
}

func CreateHost(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	var body hostRequest
	if err := decodeBody(r, &body); err != nil {
		writeAppError(w, err)
		return
	}

	host := &database.Host{UserID: user.ID, Port: 22}
	if body.Name != nil {
		host.Name = strings.TrimSpace(*body.Name)
	}
	if body.Host != nil {
		host.Host = strings.TrimSpace(*body.Host)
	}
	if body.Username != nil {
		host.Username = strings.TrimSpace(*body.Username)
	}
	if host.Name == "" || host.Host == "" || host.Username == "" {
		writeAppError(w, apperr.Validation("name, host and username are required"))
		return
	}
	if body.Port != nil {
		if err := validatePort(*body.Port); err != nil {
			writeAppError(w, err)
			return
		}
		host.Port = *body.Port
	}

	secrets := map[string]*string{
		"password":               body.Password,
		"private_key":            body.PrivateKey,
		"private_key_passphrase": body.PrivateKeyPassphrase,
	}
	sealed, err := sealSecrets(secrets)
	if err != nil {
		writeAppError(w, err)
		return
	}
	host.Password = sealed["password"]
	host.PrivateKey = sealed["private_key"]
	host.PrivateKeyPassphrase = sealed["private_key_passphrase"]

	if err := database.CreateHost(host); err != nil {
		writeAppError(w, internal("create host", err))
		return
	}
	zap.L().Info("host created",
		zap.Uint("host", host.ID), zap.String("address", logging.Sanitize(host.Host)))
	writeJSON(w, http.StatusCreated, toHostResponse(host))
}

// sealSecrets encrypts every non-nil secret. An empty value clears the
// credential.
func sealSecrets(secrets map[string]*string) (map[string]string, error) {
	out := make(map[string]string, len(secrets))
	for col, v := range secrets {
		if v == nil {
			continue
		}
		ct, err := Vault.Encrypt(*v)
		if err != nil {
			return nil, internal("encrypt "+col, err)
		}
		out[col] = ct
	}
	return out, nil
}

func UpdateHost(w http.ResponseWriter, r *http.Request) {
	host, err := ownedHost(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var body hostRequest
	if err := decodeBody(r, &body); err != nil {
		writeAppError(w, err)
		return
	}

	updates := map[string]interface{}{}
	for col, v := range map[string]*string{"name": body.Name, "host": body.Host, "username": body.Username} {
		if v == nil {
			continue
		}
		s := strings.TrimSpace(*v)
		if s == "" {
			writeAppError(w, apperr.Validation(col+" must not be empty"))
			return
		}
		updates[col] = s
	}
	if body.Port != nil {
		if err := validatePort(*body.Port); err != nil {
			writeAppError(w, err)
			return
		}
		updates["port"] = *body.Port
	}
	sealed, err := sealSecrets(map[string]*string{
		"password":               body.Password,
		"private_key":            body.PrivateKey,
		"private_key_passphrase": body.PrivateKeyPassphrase,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	for col, ct := range sealed {
		updates[col] = ct
	}

	if len(updates) > 0 {
		if err := database.UpdateHost(host.ID, updates); err != nil {
			writeAppError(w, internal("update host", err))
			return
		}
	}
	updated, err := database.GetHost(host.ID)
	if err != nil {
		writeAppError(w, internal("reload host", err))
		return
	}
	writeJSON(w, http.StatusOK, toHostResponse(updated))
}

func DeleteHost(w http.ResponseWriter, r *http.Request) {
	host, err := ownedHost(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := database.DeleteHost(host.ID); err != nil {
		writeAppError(w, internal("delete host", err))
		return
	}
	zap.L().Info("host deleted", zap.Uint("host", host.ID))
	w.WriteHeader(http.StatusNoContent)
}

// TestHostConnection connects with the stored credentials. Connection
// failures are reported as 400 with the SSH error text.
func TestHostConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r, "id")
	if err != nil {
		writeAppError(w, err)
		return
	}

	start := time.Now()
	err = Logs.TestConnectivity(r.Context(), user.ID, id)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindConnection, apperr.KindDecryption:
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"status":     "error",
				"kind":       string(apperr.KindOf(err)),
				"message":    apperr.Message(err),
				"latency_ms": latency,
			})
		default:
			writeAppError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"message":    "connection established",
		"latency_ms": latency,
	})
}

// GetHostEvents returns the host's recent connection events and rate limit
// state. ?limit=N caps the number of events.
func GetHostEvents(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r, "id")
	if err != nil {
		writeAppError(w, err)
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeAppError(w, apperr.Validation("invalid limit"))
			return
		}
		limit = n
	}

	events, status, err := Logs.Events(user.ID, id, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":     events,
		"rate_limit": status,
	})
}

// DiscoverHostLogFiles lists well-known log files present on the host.
func DiscoverHostLogFiles(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r, "id")
	if err != nil {
		writeAppError(w, err)
		return
	}
	files, err := Logs.DiscoverLogFiles(r.Context(), user.ID, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}
