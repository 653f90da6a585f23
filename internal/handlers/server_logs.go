package handlers

import (
	"net/http"
	"strconv"

	"github.com/bodyast/logManager/internal/logging"
)

// GetServerLogs returns the tail of this process' own log file. Admin only.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeAppError(w, internal("read server log", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
