package handlers

import (
	"net/http"

	"github.com/bodyast/logManager/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP surface. ws serves the log stream WebSocket and
// authenticates its own clients.
func NewRouter(verifier middleware.TokenVerifier, ws http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", Register)
		r.Post("/auth/login", Login)

		if ws != nil {
			r.Method(http.MethodGet, "/ws", ws)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(verifier))

			r.Post("/auth/logout", Logout)
			r.Get("/auth/me", GetCurrentUser)
			r.Patch("/auth/password", UpdatePassword)

			// Hosts
			r.Get("/hosts", ListHosts)
			r.Post("/hosts", CreateHost)
			r.Get("/hosts/{id}", GetHost)
			r.Put("/hosts/{id}", UpdateHost)
			r.Delete("/hosts/{id}", DeleteHost)
			r.Post("/hosts/{id}/test", TestHostConnection)
			r.Get("/hosts/{id}/events", GetHostEvents)
			r.Get("/hosts/{id}/log-files", DiscoverHostLogFiles)
			r.Get("/hosts/{id}/log-paths", ListHostLogPaths)
			r.Post("/hosts/{id}/log-paths", CreateLogPath)

			// Log paths
			r.Get("/log-paths", ListAllLogPaths)
			r.Get("/log-paths/{id}", GetLogPath)
			r.Put("/log-paths/{id}", UpdateLogPath)
			r.Delete("/log-paths/{id}", DeleteLogPath)

			// Logs
			r.Get("/logs/{logPathId}", GetLogSnapshot)
			r.Get("/logs/{logPathId}/check", CheckLogFile)

			r.With(middleware.RequireAdmin).Get("/server-logs", GetServerLogs)
		})
	})
	return r
}
