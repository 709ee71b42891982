package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"stillpoint/internal/types"
)

// maxBatchLimit caps operator-supplied batch sizes. One Lambda invocation
// must finish well inside its timeout; larger backlogs drain via
// continuation messages.
const maxBatchLimit = 500

// batchRequest is the optional body for batch-style endpoints.
type batchRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HandleProcessBatch drains one batch of due queue items.
//
//	POST /v1/queue/process
func (s *Server) HandleProcessBatch(w http.ResponseWriter, r *http.Request) {
	limit, err := s.decodeLimit(w, r, s.Config.Queue.BatchLimit)
	if err != nil {
		Error(w, r, err)
		return
	}

	cfg, err := s.Configs.Load(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}

	result, err := s.Queue.ProcessQueueBatch(r.Context(), limit, cfg)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: result})
}

// HandleProcessItem force-feeds a single item through the processor.
// ?force=true bypasses the due-time check but never the policy gates.
//
//	POST /v1/queue/items/{id}/process
func (s *Server) HandleProcessItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	cfg, err := s.Configs.Load(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}

	result, err := s.Processor.ProcessByID(r.Context(), id, force, cfg)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: result})
}

// HandleGetItem returns one queue item, terminal or pending.
//
//	GET /v1/queue/items/{id}
func (s *Server) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.Queue.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: item})
}

// HandleRemoveItem deletes a queue item regardless of status.
//
//	DELETE /v1/queue/items/{id}
func (s *Server) HandleRemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.RemoveItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSeedEngagement scans recently active users and schedules their
// missing engagement nudges.
//
//	POST /v1/engagement/seed
func (s *Server) HandleSeedEngagement(w http.ResponseWriter, r *http.Request) {
	limit, err := s.decodeLimit(w, r, s.Config.Queue.SeedScanLimit)
	if err != nil {
		Error(w, r, err)
		return
	}

	cfg, err := s.Configs.Load(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}

	result, err := s.Queue.EnsureEngagementSchedulesForRecentUsers(r.Context(), limit, cfg)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: result})
}

// decodeLimit reads the optional {limit} body, applying the fallback when
// the body is absent and rejecting limits above maxBatchLimit.
func (s *Server) decodeLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, error) {
	limit := fallback
	if r.ContentLength != 0 {
		var req batchRequest
		if err := DecodeJSON(w, r, &req); err != nil {
			return 0, err
		}
		if req.Limit > 0 {
			limit = req.Limit
		}
	}
	if limit > maxBatchLimit {
		return 0, types.NewAppError(types.ErrCodeValidationBatchSize,
			fmt.Sprintf("limit %d exceeds maximum of %d", limit, maxBatchLimit), nil)
	}
	return limit, nil
}
