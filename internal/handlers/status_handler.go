package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/cursus/internal/common"
)

// StatusHandler serves the operational endpoints: health and version.
type StatusHandler struct {
	startTime time.Time
}

// NewStatusHandler creates a status handler stamped with the process start.
func NewStatusHandler() *StatusHandler {
	return &StatusHandler{startTime: time.Now()}
}

// HealthHandler reports liveness and uptime.
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.startTime).String(),
	})
}

// VersionHandler reports build version information.
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, map[string]any{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}
