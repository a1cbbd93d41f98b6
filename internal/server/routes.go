package server

import (
	"net/http"

	"github.com/ternarybob/cursus/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// One endpoint per registered pipeline type. POST starts a run; GET
	// dispatches on ?action= (status, result, list, job, pipeline); POST
	// with ?action=retry restarts from a job.
	for _, name := range s.app.Registry.Names() {
		handler := handlers.NewPipelineHandler(name, s.app.Engine, s.app.Query, s.app.Logger, s.app.Config.API.EnableDebugEndpoints)
		mux.Handle("/api/pipelines/"+name, handler)
	}

	// API routes - System
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)

	return mux
}
