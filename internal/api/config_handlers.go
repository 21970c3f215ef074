package api

import (
	"net/http"

	"github.com/JakeFAU/jobqueue/internal/settings"
)

func (s *Server) getStopList(w http.ResponseWriter, r *http.Request) {
	list, err := s.settings.StopList(r.Context())
	if err != nil {
		s.writeQueueError(w, "load stop list", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// putStopList replaces the stop list. It applies to the next submission.
func (s *Server) putStopList(w http.ResponseWriter, r *http.Request) {
	var list settings.StopList
	if err := decodeJSON(r, &list); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list.UpdatedAt = s.clock.Now()
	list.UpdatedBy = actor(r)
	if err := s.settings.PutStopList(r.Context(), list); err != nil {
		s.writeQueueError(w, "save stop list", err)
		return
	}
	writeJSON(w, http.StatusOK, list.Normalize())
}

type stopListCheckRequest struct {
	Target      string `json:"target"`
	CompanyName string `json:"companyName,omitempty"`
}

// checkStopList evaluates a target against the current stop list without
// submitting anything.
func (s *Server) checkStopList(w http.ResponseWriter, r *http.Request) {
	var req stopListCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	decision, err := s.queue.CheckStopList(r.Context(), req.Target, req.CompanyName)
	if err != nil {
		s.writeQueueError(w, "check stop list", err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) getQueueSettings(w http.ResponseWriter, r *http.Request) {
	qs, err := s.settings.QueueSettings(r.Context())
	if err != nil {
		s.writeQueueError(w, "load queue settings", err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) putQueueSettings(w http.ResponseWriter, r *http.Request) {
	var qs settings.QueueSettings
	if err := decodeJSON(r, &qs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	qs.UpdatedAt = s.clock.Now()
	qs.UpdatedBy = actor(r)
	if err := s.settings.PutQueueSettings(r.Context(), qs); err != nil {
		s.writeQueueError(w, "save queue settings", err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) getAISettings(w http.ResponseWriter, r *http.Request) {
	ai, err := s.settings.AISettings(r.Context())
	if err != nil {
		s.writeQueueError(w, "load ai settings", err)
		return
	}
	writeJSON(w, http.StatusOK, ai)
}

func (s *Server) putAISettings(w http.ResponseWriter, r *http.Request) {
	var ai settings.AISettings
	if err := decodeJSON(r, &ai); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ai.UpdatedAt = s.clock.Now()
	ai.UpdatedBy = actor(r)
	if err := s.settings.PutAISettings(r.Context(), ai); err != nil {
		s.writeQueueError(w, "save ai settings", err)
		return
	}
	writeJSON(w, http.StatusOK, ai)
}
