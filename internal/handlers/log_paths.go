package handlers

import (
	"net/http"
	"strings"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/database"
	"github.com/bodyast/logManager/internal/logstream"
	"github.com/bodyast/logManager/internal/middleware"
	"github.com/bodyast/logManager/internal/sshlogs"
)

type logPathRequest struct {
	Name        *string `json:"name"`
	Path        *string `json:"path"`
	Description *string `json:"description"`
}

// logPathWithHost is the user-wide listing entry.
type logPathWithHost struct {
	database.LogPath
	Server logstream.HostInfo `json:"server"`
}

func ownedLogPath(r *http.Request) (*database.LogPath, error) {
	id, err := urlID(r, "id")
	if err != nil {
		return nil, err
	}
	user := middleware.GetUser(r)
	target, err := logstream.Resolve(user.ID, id)
	if err != nil {
		return nil, err
	}
	return target.LogPath, nil
}

func ListAllLogPaths(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	paths, err := database.ListLogPaths(user.ID)
	if err != nil {
		writeAppError(w, internal("list log paths", err))
		return
	}
	out := make([]logPathWithHost, 0, len(paths))
	for _, lp := range paths {
		entry := logPathWithHost{LogPath: lp}
		if lp.Host != nil {
			entry.Server = logstream.HostInfo{ID: lp.Host.ID, Name: lp.Host.Name, Host: lp.Host.Host}
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func ListHostLogPaths(w http.ResponseWriter, r *http.Request) {
	host, err := ownedHost(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	paths, err := database.ListHostLogPaths(host.ID)
	if err != nil {
		writeAppError(w, internal("list log paths", err))
		return
	}
	if paths == nil {
		paths = []database.LogPath{}
	}
	writeJSON(w, http.StatusOK, paths)
}

func CreateLogPath(w http.ResponseWriter, r *http.Request) {
	host, err := ownedHost(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var body logPathRequest
	if err := decodeBody(r, &body); err != nil {
		writeAppError(w, err)
		return
	}

	lp := &database.LogPath{HostID: host.ID}
	if body.Name != nil {
		lp.Name = strings.TrimSpace(*body.Name)
	}
	if body.Path != nil {
		lp.Path = strings.TrimSpace(*body.Path)
	}
	if body.Description != nil {
		lp.Description = *body.Description
	}
	if lp.Name == "" || lp.Path == "" {
		writeAppError(w, apperr.Validation("name and path are required"))
		return
	}
	if err := sshlogs.ValidatePath(lp.Path); err != nil {
		writeAppError(w, err)
		return
	}

	if err := database.CreateLogPath(lp); err != nil {
		writeAppError(w, internal("create log path", err))
		return
	}
	writeJSON(w, http.StatusCreated, lp)
}

func GetLogPath(w http.ResponseWriter, r *http.Request) {
	lp, err := ownedLogPath(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lp)
}

func UpdateLogPath(w http.ResponseWriter, r *http.Request) {
	lp, err := ownedLogPath(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var body logPathRequest
	if err := decodeBody(r, &body); err != nil {
		writeAppError(w, err)
		return
	}

	updates := map[string]interface{}{}
	if body.Name != nil {
		name := strings.TrimSpace(*body.Name)
		if name == "" {
			writeAppError(w, apperr.Validation("name must not be empty"))
			return
		}
		updates["name"] = name
	}
	if body.Path != nil {
		path := strings.TrimSpace(*body.Path)
		if err := sshlogs.ValidatePath(path); err != nil {
			writeAppError(w, err)
			return
		}
		updates["path"] = path
	}
	if body.Description != nil {
		updates["description"] = *body.Description
	}

	if len(updates) > 0 {
		if err := database.UpdateLogPath(lp.ID, updates); err != nil {
			writeAppError(w, internal("update log path", err))
			return
		}
	}
	updated, err := database.GetLogPath(lp.ID)
	if err != nil {
		writeAppError(w, internal("reload log path", err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func DeleteLogPath(w http.ResponseWriter, r *http.Request) {
	lp, err := ownedLogPath(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := database.DeleteLogPath(lp.ID); err != nil {
		writeAppError(w, internal("delete log path", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
