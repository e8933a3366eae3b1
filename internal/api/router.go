package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/agentfleet/control-plane/internal/api/handlers"
	"github.com/agentoven/agentfleet/control-plane/internal/api/middleware"
	"github.com/agentoven/agentfleet/control-plane/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *middleware.APIKeyAuth) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if auth != nil {
		r.Use(auth.Middleware)
	}

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		// Agents
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Get("/{agentID}", h.GetAgent)
			r.Delete("/{agentID}", h.DeleteAgent)
		})

		// Coordination
		r.Post("/coordinate", h.Coordinate)
		r.Get("/coordinations/{coordinationID}", h.GetCoordination)
		r.Get("/coordination/stats", h.CoordinationStats)
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.AddRule)
			r.Delete("/{ruleID}", h.DeleteRule)
		})

		// Packages & deployments
		r.Route("/packages", func(r chi.Router) {
			r.Get("/", h.ListPackages)
			r.Post("/", h.CreatePackage)
			r.Get("/{packageID}", h.GetPackage)
		})
		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", h.ListDeployments)
			r.Post("/", h.CreateDeployment)
			r.Get("/stats", h.DeploymentStats)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetDeployment)
				r.Put("/", h.UpdateDeployment)
				r.Delete("/", h.DeleteDeployment)
				r.Get("/health", h.DeploymentHealth)
				r.Post("/redeploy", h.RedeployAgent)
			})
		})

		// Failover
		r.Route("/failover/{agentID}", func(r chi.Router) {
			r.Post("/", h.TriggerFailover)
			r.Get("/history", h.FailoverHistory)
		})

		// Disaster recovery & backups
		r.Route("/recovery", func(r chi.Router) {
			r.Post("/", h.InitiateRecovery)
			r.Get("/objectives", h.RecoveryObjectives)
			r.Get("/stats", h.RecoveryStats)
		})
		r.Route("/backups", func(r chi.Router) {
			r.Get("/", h.ListBackups)
			r.Post("/", h.CreateBackup)
			r.Post("/{backupID}/restore", h.RestoreBackup)
		})

		// Stakeholder notifications
		r.Route("/notifications/channels", func(r chi.Router) {
			r.Get("/", h.ListChannels)
			r.Post("/", h.AddChannel)
			r.Delete("/{name}", h.DeleteChannel)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agentfleet-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentfleet-control-plane",
		})
	}
}
