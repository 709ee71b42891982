package api

import (
	"net/http"
)

// HandleGetConfig returns the effective routing config: the stored document
// deep-merged onto compiled defaults.
//
//	GET /v1/config
func (s *Server) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Configs.Load(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: cfg})
}

// HandlePatchConfig merges a partial config document into the stored one and
// returns the new effective config. Patches are arbitrary partial documents,
// so unknown fields are allowed here.
//
//	PATCH /v1/config
func (s *Server) HandlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := DecodeJSONLoose(w, r, &patch); err != nil {
		Error(w, r, err)
		return
	}

	if err := s.Configs.Save(r.Context(), patch); err != nil {
		Error(w, r, err)
		return
	}

	cfg, err := s.Configs.Load(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: cfg})
}
