package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"stillpoint/internal/types"
)

// createCampaignRequest is the body for campaign registration.
type createCampaignRequest struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Type        string            `json:"type"`
	Category    types.Category    `json:"category,omitempty"`
	Data        types.DataPayload `json:"data,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Recurrence  *types.Recurrence `json:"recurrence,omitempty"`
	BatchSize   int               `json:"batch_size,omitempty"`
}

// HandleCreateCampaign registers a broadcast campaign in pending status.
// Expansion into per-recipient items happens via the expand endpoint or the
// cron worker.
//
//	POST /v1/broadcasts
func (s *Server) HandleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}

	c := &types.BroadcastCampaign{
		Title:      req.Title,
		Body:       req.Body,
		Type:       req.Type,
		Category:   req.Category,
		Data:       req.Data,
		Recurrence: req.Recurrence,
		BatchSize:  req.BatchSize,
	}
	if req.ScheduledAt != nil {
		c.ScheduledAt = req.ScheduledAt.UTC()
	}

	id, err := s.Broadcasts.CreateCampaign(r.Context(), c)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusCreated, APIResponse{Data: map[string]string{"id": id}})
}

// HandleGetCampaign returns one campaign with its cursor and running total.
//
//	GET /v1/broadcasts/{id}
func (s *Server) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.Broadcasts.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: c})
}

// HandleExpandCampaign expands one recipient page of a pending campaign.
//
//	POST /v1/broadcasts/{id}/expand
func (s *Server) HandleExpandCampaign(w http.ResponseWriter, r *http.Request) {
	result, err := s.Broadcasts.Expand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: result})
}

// HandleCancelCampaign halts a pending campaign.
//
//	POST /v1/broadcasts/{id}/cancel
func (s *Server) HandleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.Broadcasts.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": string(types.CampaignCancelled)}})
}

// HandleResumeCampaign returns a cancelled campaign to pending.
//
//	POST /v1/broadcasts/{id}/resume
func (s *Server) HandleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.Broadcasts.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": string(types.CampaignPending)}})
}

// HandlePurgeCampaign removes not-yet-sent items for a campaign, bounded by
// the optional {limit} body.
//
//	POST /v1/broadcasts/{id}/purge
func (s *Server) HandlePurgeCampaign(w http.ResponseWriter, r *http.Request) {
	limit, err := s.decodeLimit(w, r, s.Config.Queue.PurgeLimit)
	if err != nil {
		Error(w, r, err)
		return
	}

	result, err := s.Broadcasts.Purge(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: result})
}
