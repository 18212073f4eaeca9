package api

import (
	"log/slog"
	"net/http"

	"github.com/crewplane/core/pkg/approval"
	"github.com/crewplane/core/pkg/health"
	"github.com/crewplane/core/pkg/identity"
	"github.com/crewplane/core/pkg/lease"
	"github.com/crewplane/core/pkg/lifecycle"
	"github.com/crewplane/core/pkg/observability"
	"github.com/crewplane/core/pkg/pipeline"
	"github.com/crewplane/core/pkg/policy"
	"github.com/crewplane/core/pkg/skills"
	"github.com/crewplane/core/pkg/trust"
)

// EngineClaimAction is the token action gating run claim endpoints.
const EngineClaimAction = "run.claim"

// Server wires every domain service behind the HTTP surface.
type Server struct {
	logger *slog.Logger

	identity  *identity.Service
	tokens    *identity.EngineTokenManager
	leases    *lease.Manager
	policy    *policy.Engine
	approvals *approval.Service
	trust     *trust.Service
	skills    *skills.Service
	lifecycle *lifecycle.Service
	pipeline  *pipeline.Service
	health    *health.Service
	obs       *observability.Provider

	flood               *floodLimiter
	devDefaultWorkspace string
}

// Deps carries the service graph into the server.
type Deps struct {
	Logger    *slog.Logger
	Identity  *identity.Service
	Tokens    *identity.EngineTokenManager
	Leases    *lease.Manager
	Policy    *policy.Engine
	Approvals *approval.Service
	Trust     *trust.Service
	Skills    *skills.Service
	Lifecycle *lifecycle.Service
	Pipeline  *pipeline.Service
	Health    *health.Service
	Obs       *observability.Provider

	DevDefaultWorkspaceID   string
	RateLimitPerSecond      float64
	RateLimitBurst          int
	RateLimitFloodWarnLevel int
}

// NewServer builds the server from its dependencies.
func NewServer(d Deps) *Server {
	if d.RateLimitPerSecond <= 0 {
		d.RateLimitPerSecond = 25
	}
	if d.RateLimitBurst <= 0 {
		d.RateLimitBurst = 50
	}
	return &Server{
		logger:              d.Logger,
		identity:            d.Identity,
		tokens:              d.Tokens,
		leases:              d.Leases,
		policy:              d.Policy,
		approvals:           d.Approvals,
		trust:               d.Trust,
		skills:              d.Skills,
		lifecycle:           d.Lifecycle,
		pipeline:            d.Pipeline,
		health:              d.Health,
		obs:                 d.Obs,
		devDefaultWorkspace: d.DevDefaultWorkspaceID,
		flood: newFloodLimiter(d.RateLimitPerSecond, d.RateLimitBurst,
			d.RateLimitFloodWarnLevel, d.Logger),
	}
}

// Handler assembles the routed, middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Agents and trust.
	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("POST /v1/agents/{agent_id}/quarantine", s.handleQuarantineAgent)
	mux.HandleFunc("GET /v1/agents/{agent_id}/trust", s.handleGetTrust)
	mux.HandleFunc("POST /v1/agents/{agent_id}/trust/recompute", s.handleRecomputeTrust)
	mux.HandleFunc("GET /v1/agents/{agent_id}/approval-modes", s.handleApprovalModes)

	// Skills.
	mux.HandleFunc("POST /v1/agents/{agent_id}/skills/import", s.handleSkillsImport)
	mux.HandleFunc("POST /v1/agents/{agent_id}/skills/review", s.handleSkillsReview)
	mux.HandleFunc("POST /v1/agents/{agent_id}/skills/assess", s.handleSkillsAssess)
	mux.HandleFunc("POST /v1/agents/{agent_id}/skills/certify", s.handleSkillsCertify)
	mux.HandleFunc("POST /v1/agents/{agent_id}/skills/usage", s.handleSkillsUsage)
	mux.HandleFunc("POST /v1/agents/{agent_id}/skills/primary", s.handleSkillsSetPrimary)
	mux.HandleFunc("GET /v1/agents/{agent_id}/skills", s.handleSkillsList)

	// Engines.
	mux.HandleFunc("POST /v1/engines", s.handleRegisterEngine)
	mux.HandleFunc("POST /v1/engines/{engine_id}/deactivate", s.handleDeactivateEngine)

	// Policy.
	mux.HandleFunc("POST /v1/policy/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /v1/egress/requests", s.handleEgressRequest)
	mux.HandleFunc("POST /v1/data/access/requests", s.handleDataAccessRequest)

	// Approvals and autonomy recommendations.
	mux.HandleFunc("POST /v1/approvals", s.handleApprovalRequest)
	mux.HandleFunc("GET /v1/approvals", s.handleApprovalList)
	mux.HandleFunc("GET /v1/approvals/{approval_id}", s.handleApprovalGet)
	mux.HandleFunc("POST /v1/approvals/{approval_id}/decide", s.handleApprovalDecide)
	mux.HandleFunc("POST /v1/approvals/reactions", s.handleApprovalReaction)
	mux.HandleFunc("POST /v1/recommendations/{recommendation_id}/approve", s.handleRecommendationApprove)
	mux.HandleFunc("POST /v1/recommendations/{recommendation_id}/reject", s.handleRecommendationReject)

	// Experiments and incidents.
	mux.HandleFunc("POST /v1/experiments", s.handleExperimentCreate)
	mux.HandleFunc("GET /v1/experiments/{experiment_id}", s.handleExperimentGet)
	mux.HandleFunc("PATCH /v1/experiments/{experiment_id}", s.handleExperimentUpdate)
	mux.HandleFunc("POST /v1/experiments/{experiment_id}/close", s.handleExperimentClose)
	mux.HandleFunc("POST /v1/incidents", s.handleIncidentOpen)
	mux.HandleFunc("GET /v1/incidents/{incident_id}", s.handleIncidentGet)
	mux.HandleFunc("POST /v1/incidents/{incident_id}/rca", s.handleIncidentRCA)
	mux.HandleFunc("POST /v1/incidents/{incident_id}/learnings", s.handleIncidentLearning)
	mux.HandleFunc("POST /v1/incidents/{incident_id}/close", s.handleIncidentClose)

	// Runs and leases.
	mux.HandleFunc("POST /v1/runs", s.handleRunCreate)
	mux.HandleFunc("GET /v1/runs", s.handleRunList)
	mux.HandleFunc("GET /v1/runs/{run_id}", s.handleRunGet)
	mux.HandleFunc("POST /v1/runs/claim", s.withEngineAuth(EngineClaimAction, s.handleRunClaim))
	mux.HandleFunc("POST /v1/runs/{run_id}/complete", s.handleRunComplete)
	mux.HandleFunc("POST /v1/runs/{run_id}/fail", s.handleRunFail)
	mux.HandleFunc("POST /v1/runs/{run_id}/lease/heartbeat", s.handleRunHeartbeat)
	mux.HandleFunc("POST /v1/runs/{run_id}/lease/release", s.handleRunRelease)
	mux.HandleFunc("POST /v1/runs/{run_id}/steps", s.handleRunStepCreate)
	mux.HandleFunc("GET /v1/runs/{run_id}/attempts", s.handleRunAttempts)

	// Work-item leases.
	mux.HandleFunc("POST /v1/work-items/claim", s.handleWorkItemClaim)
	mux.HandleFunc("POST /v1/work-items/heartbeat", s.handleWorkItemHeartbeat)
	mux.HandleFunc("POST /v1/work-items/release", s.handleWorkItemRelease)

	// Pipeline projection and system.
	mux.HandleFunc("GET /v1/pipeline/projection", s.handlePipelineProjection)
	mux.HandleFunc("POST /v1/system/health", s.handleHealth)
	mux.HandleFunc("GET /v1/system/health", s.handleHealth)

	var h http.Handler = mux
	h = s.withWorkspace(h)
	h = s.withFloodLimit(h)
	h = withRequestID(h)
	if s.obs != nil {
		h = s.withTelemetry(h)
	}
	return h
}

// withTelemetry opens a span per request and records RED metrics.
func (s *Server) withTelemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.obs.TrackRequest(r.Context(), r.Method+" "+r.URL.Path)
		defer done(nil)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
