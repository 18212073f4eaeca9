package api

import (
	"net/http"
	"strconv"

	"github.com/crewplane/core/pkg/health"
)

// handlePipelineProjection serves the stage board. The default shape is
// the legacy flat list; format=envelope adds stage grouping and the
// freshness watermark.
func (s *Server) handlePipelineProjection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	cursor := q.Get("cursor")
	ws := workspaceID(r)

	if q.Get("format") == "envelope" {
		env, err := s.pipeline.ListEnvelope(r.Context(), ws, cursor, limit)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
		return
	}
	page, err := s.pipeline.List(r.Context(), ws, cursor, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleHealth serves the workspace health report. POST accepts an
// optional selector narrowing the report to named checks; the GET alias
// stays for load balancers and humans.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Checks []string `json:"checks"`
	}
	if r.Method == http.MethodPost {
		if err := decode(r, &body); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	report := s.health.Check(r.Context(), workspaceID(r))
	if len(body.Checks) > 0 {
		report = report.Select(body.Checks...)
	}
	status := http.StatusOK
	if report.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
