package api

import (
	"net/http"
	"strconv"

	"github.com/crewplane/core/pkg/lifecycle"
)

func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var body lifecycle.RunInput
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	body.CorrelationID = correlationOrNew(body.CorrelationID)
	created, err := s.lifecycle.CreateRun(r.Context(), workspaceID(r), &body, actorFrom(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.lifecycle.ListRuns(r.Context(), workspaceID(r), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.lifecycle.GetRun(r.Context(), workspaceID(r), r.PathValue("run_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunClaim hands the next claimable run to the authenticated engine.
func (s *Server) handleRunClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string `json:"actor_id"`
		RoomID  string `json:"room_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	claims := engineClaims(r)
	actorID := body.ActorID
	if actorID == "" {
		actorID = claims.Subject
	}
	outcome, err := s.leases.ClaimRun(r.Context(), workspaceID(r), actorID, claims.Subject, body.RoomID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRunComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClaimToken string `json:"claim_token"`
		Output     any    `json:"output"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	run, err := s.lifecycle.CompleteRun(r.Context(), workspaceID(r), r.PathValue("run_id"),
		body.ClaimToken, body.Output, actorFrom(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunFail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClaimToken string `json:"claim_token"`
		Error      string `json:"error"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	run, err := s.lifecycle.FailRun(r.Context(), workspaceID(r), r.PathValue("run_id"),
		body.ClaimToken, body.Error, actorFrom(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID    string `json:"actor_id"`
		ClaimToken string `json:"claim_token"`
		Version    int64  `json:"version"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcome, err := s.leases.HeartbeatRun(r.Context(), workspaceID(r), r.PathValue("run_id"),
		body.ActorID, body.ClaimToken, body.Version)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRunRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID    string `json:"actor_id"`
		ClaimToken string `json:"claim_token"`
		Reason     string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	outcome, err := s.leases.ReleaseRun(r.Context(), workspaceID(r), r.PathValue("run_id"),
		body.ActorID, body.ClaimToken, body.Reason)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRunStepCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	stepID, err := s.lifecycle.CreateStep(r.Context(), workspaceID(r), r.PathValue("run_id"), body.Title, actorFrom(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"step_id": stepID})
}

func (s *Server) handleRunAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.leases.ListAttempts(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}
