package api

import (
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultRequestTimeout is the soft timeout applied to request contexts.
// This should be set to Lambda timeout minus 1 second in production.
const defaultRequestTimeout = 29 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in
// request logs to prevent accidental leakage of credentials.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	adminKeyHeader,
}

// MountRoutes defines the top-level routing hierarchy: the global middleware
// chain, the authenticated /v1 group, and the unauthenticated health check.
//
// Middleware ordering rationale:
//  1. Recoverer       - catches panics; outermost to catch all failures.
//  2. ContextTimeout  - sets soft deadline before Lambda hard timeout.
//  3. RequestID       - generates/propagates correlation ID for tracing.
//  4. RequestLogger   - structured logging (redacted headers).
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AdminKeyMiddleware)

		r.Route("/queue", func(r chi.Router) {
			r.Post("/process", s.HandleProcessBatch)
			r.Route("/items/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetItem)
				r.Delete("/", s.HandleRemoveItem)
				r.Post("/process", s.HandleProcessItem)
			})
		})

		r.Post("/engagement/seed", s.HandleSeedEngagement)

		r.Route("/broadcasts", func(r chi.Router) {
			r.Post("/", s.HandleCreateCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetCampaign)
				r.Post("/expand", s.HandleExpandCampaign)
				r.Post("/cancel", s.HandleCancelCampaign)
				r.Post("/resume", s.HandleResumeCampaign)
				r.Post("/purge", s.HandlePurgeCampaign)
			})
		})

		r.Get("/config", s.HandleGetConfig)
		r.Patch("/config", s.HandlePatchConfig)
	})
}
