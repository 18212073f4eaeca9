package api

import (
	"net/http"

	"github.com/crewplane/core/pkg/lifecycle"
)

func (s *Server) handleExperimentCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		lifecycle.ExperimentInput
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	created, err := s.lifecycle.CreateExperiment(r.Context(), workspaceID(r),
		&body.ExperimentInput, actorFrom(r), correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleExperimentGet(w http.ResponseWriter, r *http.Request) {
	exp, err := s.lifecycle.GetExperiment(r.Context(), workspaceID(r), r.PathValue("experiment_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleExperimentUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		lifecycle.ExperimentInput
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	updated, err := s.lifecycle.UpdateExperiment(r.Context(), workspaceID(r),
		r.PathValue("experiment_id"), &body.ExperimentInput, actorFrom(r), correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleExperimentClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Force         bool   `json:"force"`
		Reason        string `json:"reason"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	closed, err := s.lifecycle.CloseExperiment(r.Context(), workspaceID(r),
		r.PathValue("experiment_id"), body.Force, body.Reason, actorFrom(r), correlationOrNew(body.CorrelationID))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

func (s *Server) handleIncidentOpen(w http.ResponseWriter, r *http.Request) {
	var body lifecycle.OpenIncidentInput
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	opened, err := s.lifecycle.OpenIncident(r.Context(), workspaceID(r), &body, actorFrom(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, opened)
}

func (s *Server) handleIncidentGet(w http.ResponseWriter, r *http.Request) {
	incident, err := s.lifecycle.GetIncident(r.Context(), workspaceID(r), r.PathValue("incident_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, incident)
}

func (s *Server) handleIncidentRCA(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RCA map[string]any `json:"rca"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	updated, err := s.lifecycle.UpdateRCA(r.Context(), workspaceID(r), r.PathValue("incident_id"), body.RCA, actorFrom(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleIncidentLearning(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	updated, err := s.lifecycle.LogLearning(r.Context(), workspaceID(r), r.PathValue("incident_id"), body.Note, actorFrom(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, updated)
}

func (s *Server) handleIncidentClose(w http.ResponseWriter, r *http.Request) {
	closed, err := s.lifecycle.CloseIncident(r.Context(), workspaceID(r), r.PathValue("incident_id"), actorFrom(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}
