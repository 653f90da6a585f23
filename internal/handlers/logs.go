package handlers

import (
	"net/http"
	"strconv"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/middleware"
)

// GetLogSnapshot returns the last ?lines=N lines of a log path (default 100).
func GetLogSnapshot(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r, "logPathId")
	if err != nil {
		writeAppError(w, err)
		return
	}
	lines := 0
	if q := r.URL.Query().Get("lines"); q != "" {
		if lines, err = strconv.Atoi(q); err != nil {
			writeAppError(w, apperr.Validation("lines must be a number"))
			return
		}
	}

	result, err := Logs.Snapshot(r.Context(), user.ID, id, lines)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CheckLogFile reports whether the log path's file exists on its host.
func CheckLogFile(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r, "logPathId")
	if err != nil {
		writeAppError(w, err)
		return
	}
	result, err := Logs.CheckAvailability(r.Context(), user.ID, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
