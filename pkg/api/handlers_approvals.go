package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crewplane/core/pkg/approval"
)

func (s *Server) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActionCode    string     `json:"action_code"`
		ScopeType     string     `json:"scope_type"`
		Scope         any        `json:"scope"`
		ExpiresAt     *time.Time `json:"expires_at"`
		CorrelationID string     `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	created, err := s.approvals.Request(r.Context(), &approval.RequestInput{
		WorkspaceID:   workspaceID(r),
		ActionCode:    body.ActionCode,
		ScopeType:     body.ScopeType,
		Scope:         body.Scope,
		RequestedBy:   actorFrom(r),
		ExpiresAt:     body.ExpiresAt,
		CorrelationID: correlationOrNew(body.CorrelationID),
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleApprovalDecide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision      string         `json:"decision"`
		Source        map[string]any `json:"source"`
		CorrelationID string         `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcome, err := s.approvals.Decide(r.Context(), workspaceID(r), r.PathValue("approval_id"),
		body.Decision, actorFrom(r), body.Source, correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleApprovalReaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID       string `json:"event_id"`
		Emoji         string `json:"emoji"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcome, err := s.approvals.ResolveReaction(r.Context(), workspaceID(r), body.EventID,
		body.Emoji, actorFrom(r), correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.approvals.Get(r.Context(), workspaceID(r), r.PathValue("approval_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.approvals.List(r.Context(), workspaceID(r), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (s *Server) handleRecommendationApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcome, err := s.approvals.ApproveRecommendation(r.Context(), workspaceID(r),
		r.PathValue("recommendation_id"), actorFrom(r), correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRecommendationReject(w http.ResponseWriter, r *http.Request) {
	if err := s.trust.RejectRecommendation(r.Context(), workspaceID(r), r.PathValue("recommendation_id")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rejected"})
}
