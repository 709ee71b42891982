// Package api provides the HTTP chassis for the Stillpoint ops surface.
// It creates a chi router compatible with both standard HTTP (for local dev)
// and AWS Lambda Proxy Integration. It enforces cross-cutting concerns
// (panic recovery, request correlation, logging, admin authentication, error
// shaping) before requests reach the engine handlers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"stillpoint/internal/config"
	"stillpoint/internal/types"
)

// QueueService is the batch-processing surface the queue handlers consume.
type QueueService interface {
	ProcessQueueBatch(ctx context.Context, limit int, cfg *types.RouterConfig) (*types.BatchResult, error)
	EnsureEngagementSchedulesForRecentUsers(ctx context.Context, limit int, cfg *types.RouterConfig) (*types.SeedResult, error)
	GetItem(ctx context.Context, id string) (*types.QueueItem, error)
	RemoveItem(ctx context.Context, id string) error
}

// ItemProcessor handles single-item manual operations.
type ItemProcessor interface {
	ProcessByID(ctx context.Context, id string, force bool, cfg *types.RouterConfig) (*types.ItemResult, error)
}

// BroadcastService is the campaign lifecycle surface.
type BroadcastService interface {
	CreateCampaign(ctx context.Context, c *types.BroadcastCampaign) (string, error)
	GetCampaign(ctx context.Context, campaignID string) (*types.BroadcastCampaign, error)
	Expand(ctx context.Context, campaignID string) (*types.ExpandResult, error)
	Cancel(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	Purge(ctx context.Context, campaignID string, limit int) (*types.PurgeResult, error)
}

// ConfigService loads the effective routing config and persists patches.
type ConfigService interface {
	Load(ctx context.Context) (*types.RouterConfig, error)
	Save(ctx context.Context, patch map[string]any) error
}

// Server encapsulates all dependencies for the ops API, allowing for easy
// injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config     *config.Config
	Logger     *slog.Logger
	Queue      QueueService
	Processor  ItemProcessor
	Broadcasts BroadcastService
	Configs    ConfigService

	// HealthProbes holds the registered subsystem probes. Populated by the
	// application entry point after construction.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a fail-fast check on critical
// dependencies.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	queue QueueService,
	processor ItemProcessor,
	broadcasts BroadcastService,
	configs ConfigService,
) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if queue == nil || processor == nil || broadcasts == nil || configs == nil {
		return nil, fmt.Errorf("all engine services must be non-nil")
	}

	return &Server{
		Config:     cfg,
		Logger:     logger,
		Queue:      queue,
		Processor:  processor,
		Broadcasts: broadcasts,
		Configs:    configs,
		router:     chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
// Used by http.ListenAndServe (local) and Lambda proxy adapters.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
