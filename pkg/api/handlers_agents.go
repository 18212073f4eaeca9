package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/skills"
	"github.com/crewplane/core/pkg/trust"
)

func correlationOrNew(s string) string {
	if s != "" {
		return s
	}
	return uuid.New().String()
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID   string `json:"workspace_id"`
		DisplayName   string `json:"display_name"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ws := workspaceID(r)
	if err := matchWorkspace(ws, body.WorkspaceID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	agent, err := s.identity.RegisterAgent(r.Context(), ws, body.DisplayName, correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleQuarantineAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason        string `json:"reason"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	result, err := s.identity.QuarantineAgent(r.Context(), workspaceID(r),
		r.PathValue("agent_id"), body.Reason, correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	state, err := s.trust.Get(r.Context(), workspaceID(r), r.PathValue("agent_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRecomputeTrust(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Overrides     *trust.Overrides `json:"overrides"`
		CorrelationID string           `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	state, err := s.trust.Recompute(r.Context(), workspaceID(r), r.PathValue("agent_id"),
		body.Overrides, correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleApprovalModes(w http.ResponseWriter, r *http.Request) {
	modes, err := s.trust.RecommendApprovalModes(r.Context(), workspaceID(r), r.PathValue("agent_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, modes)
}

func (s *Server) handleSkillsImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items         []skills.ImportItem `json:"items"`
		CorrelationID string              `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	result, err := s.skills.Import(r.Context(), workspaceID(r), r.PathValue("agent_id"),
		body.Items, correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSkillsReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcomes, err := s.skills.ReviewPending(r.Context(), workspaceID(r),
		r.PathValue("agent_id"), correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviewed": outcomes})
}

func (s *Server) handleSkillsAssess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OnlyUnassessed bool `json:"only_unassessed"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcomes, err := s.skills.AssessImported(r.Context(), workspaceID(r),
		r.PathValue("agent_id"), body.OnlyUnassessed)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assessed": outcomes})
}

func (s *Server) handleSkillsCertify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OnlyUnassessed bool   `json:"only_unassessed"`
		CorrelationID  string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	result, err := s.skills.CertifyImported(r.Context(), workspaceID(r),
		r.PathValue("agent_id"), body.OnlyUnassessed, correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSkillsUsage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SkillName string `json:"skill_name"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.skills.RecordUsage(r.Context(), workspaceID(r), r.PathValue("agent_id"), body.SkillName); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

func (s *Server) handleSkillsSetPrimary(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	primary, err := s.skills.SetPrimary(r.Context(), workspaceID(r),
		r.PathValue("agent_id"), correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, primary)
}

func (s *Server) handleSkillsList(w http.ResponseWriter, r *http.Request) {
	list, err := s.skills.ListAgentSkills(r.Context(), workspaceID(r), r.PathValue("agent_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": list})
}

func (s *Server) handleRegisterEngine(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID  string   `json:"workspace_id"`
		Name         string   `json:"name"`
		AllowedRooms []string `json:"allowed_rooms"`
		Actions      []string `json:"actions"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ws := workspaceID(r)
	if err := matchWorkspace(ws, body.WorkspaceID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	engine, token, err := s.identity.RegisterEngine(r.Context(), ws, body.Name, body.AllowedRooms, body.Actions)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"engine": engine, "token": token})
}

// handleDeactivateEngine retires an engine and revokes its tokens.
func (s *Server) handleDeactivateEngine(w http.ResponseWriter, r *http.Request) {
	if err := s.identity.DeactivateEngine(r.Context(), workspaceID(r), r.PathValue("engine_id")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}
