package api

import (
	"net/http"

	"github.com/crewplane/core/pkg/lease"
)

func (s *Server) handleWorkItemClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkItemType  string `json:"work_item_type"`
		WorkItemID    string `json:"work_item_id"`
		AgentID       string `json:"agent_id"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := matchAgentIdentity(r, body.AgentID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	itemType, err := lease.ParseWorkItemType(body.WorkItemType)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcome, err := s.leases.Claim(r.Context(), workspaceID(r), itemType,
		body.WorkItemID, body.AgentID, correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if outcome.Replay {
		status = http.StatusOK
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handleWorkItemHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkItemType string `json:"work_item_type"`
		WorkItemID   string `json:"work_item_id"`
		AgentID      string `json:"agent_id"`
		LeaseID      string `json:"lease_id"`
		Version      int64  `json:"version"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := matchAgentIdentity(r, body.AgentID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	itemType, err := lease.ParseWorkItemType(body.WorkItemType)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcome, err := s.leases.Heartbeat(r.Context(), workspaceID(r), itemType,
		body.WorkItemID, body.AgentID, body.LeaseID, body.Version)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleWorkItemRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkItemType string `json:"work_item_type"`
		WorkItemID   string `json:"work_item_id"`
		AgentID      string `json:"agent_id"`
		LeaseID      string `json:"lease_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := matchAgentIdentity(r, body.AgentID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	itemType, err := lease.ParseWorkItemType(body.WorkItemType)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcome, err := s.leases.Release(r.Context(), workspaceID(r), itemType,
		body.WorkItemID, body.AgentID, body.LeaseID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
