package api

import (
	"net/http"

	"github.com/crewplane/core/pkg/policy"
)

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req policy.Request
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ws := workspaceID(r)
	if err := matchWorkspace(ws, req.WorkspaceID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := matchAgentIdentity(r, req.AgentID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	req.WorkspaceID = ws
	req.CorrelationID = correlationOrNew(req.CorrelationID)
	decision, err := s.policy.Authorize(r.Context(), &req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleEgressRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID       string         `json:"agent_id"`
		RoomID        string         `json:"room_id"`
		RunID         string         `json:"run_id"`
		Domain        string         `json:"domain"`
		Zone          string         `json:"zone"`
		Context       map[string]any `json:"context"`
		CorrelationID string         `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := matchAgentIdentity(r, body.AgentID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	decision, err := s.policy.AuthorizeEgress(r.Context(), &policy.Request{
		WorkspaceID:   workspaceID(r),
		ActionType:    "egress.request",
		AgentID:       body.AgentID,
		RoomID:        body.RoomID,
		RunID:         body.RunID,
		Zone:          policy.Zone(body.Zone),
		EgressDomain:  body.Domain,
		Context:       body.Context,
		CorrelationID: correlationOrNew(body.CorrelationID),
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status := http.StatusOK
	if decision.Blocked {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}

func (s *Server) handleDataAccessRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID             string         `json:"agent_id"`
		RoomID              string         `json:"room_id"`
		RunID               string         `json:"run_id"`
		Access              string         `json:"access"` // read | write
		Zone                string         `json:"zone"`
		ResourcePurposeTags []string       `json:"resource_purpose_tags"`
		RequestPurposeTags  []string       `json:"request_purpose_tags"`
		Context             map[string]any `json:"context"`
		CorrelationID       string         `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := matchAgentIdentity(r, body.AgentID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	actionType := "data.read"
	if body.Access == "write" {
		actionType = "data.write"
	}
	decision, err := s.policy.Authorize(r.Context(), &policy.Request{
		WorkspaceID:         workspaceID(r),
		ActionType:          actionType,
		AgentID:             body.AgentID,
		RoomID:              body.RoomID,
		RunID:               body.RunID,
		Zone:                policy.Zone(body.Zone),
		DataAccess:          body.Access,
		ResourcePurposeTags: body.ResourcePurposeTags,
		RequestPurposeTags:  body.RequestPurposeTags,
		Context:             body.Context,
		CorrelationID:       correlationOrNew(body.CorrelationID),
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status := http.StatusOK
	if decision.Blocked {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}
