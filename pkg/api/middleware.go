package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/identity"
)

type contextKey string

const (
	ctxWorkspaceID  contextKey = "workspace_id"
	ctxRequestID    contextKey = "request_id"
	ctxEngineClaims contextKey = "engine_claims"
)

// workspaceID reads the resolved workspace from the request context.
func workspaceID(r *http.Request) string {
	ws, _ := r.Context().Value(ctxWorkspaceID).(string)
	return ws
}

// engineClaims reads the verified engine claims, nil when the request was
// not engine-authenticated.
func engineClaims(r *http.Request) *identity.EngineClaims {
	claims, _ := r.Context().Value(ctxEngineClaims).(*identity.EngineClaims)
	return claims
}

// matchWorkspace rejects bodies that name a workspace other than the one
// the request is scoped to. An empty body value inherits the header.
func matchWorkspace(headerWS, bodyWS string) error {
	if bodyWS != "" && bodyWS != headerWS {
		return contracts.NewError(contracts.ReasonUnauthorizedWorkspace,
			"body workspace_id does not match request workspace")
	}
	return nil
}

// matchAgentIdentity rejects bodies that claim an agent identity other
// than the authenticated agent actor. Users and services may act on an
// agent's behalf; an agent may only act as itself.
func matchAgentIdentity(r *http.Request, bodyAgentID string) error {
	actor := actorFrom(r)
	if bodyAgentID == "" || actor.Type != contracts.ActorAgent {
		return nil
	}
	if actor.ID != bodyAgentID {
		return contracts.NewError(contracts.ReasonUnauthorizedWorkspace,
			"body agent_id does not match authenticated agent")
	}
	return nil
}

// withRequestID assigns a request id and echoes it on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("x-request-id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("x-request-id", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, requestID)))
	})
}

// withWorkspace resolves the tenant from the x-workspace-id header. In
// development a configured default workspace substitutes for the header.
func (s *Server) withWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := r.Header.Get("x-workspace-id")
		if ws == "" {
			ws = s.devDefaultWorkspace
		}
		if ws == "" {
			writeError(w, s.logger, contracts.NewError(contracts.ReasonMissingWorkspaceHeader,
				"x-workspace-id header is required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxWorkspaceID, ws)))
	})
}

// withEngineAuth verifies the engine token headers and scopes the claims
// to the request workspace and action.
func (s *Server) withEngineAuth(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("x-engine-token")
		if tokenString == "" {
			writeError(w, s.logger, contracts.NewError(contracts.ReasonEngineTokenInvalid,
				"x-engine-token header is required"))
			return
		}
		claims, err := s.tokens.Verify(tokenString)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		if engineID := r.Header.Get("x-engine-id"); engineID != "" && engineID != claims.Subject {
			writeError(w, s.logger, contracts.NewError(contracts.ReasonEngineTokenInvalid,
				"x-engine-id does not match token subject"))
			return
		}
		if err := s.tokens.Authorize(claims, workspaceID(r), action); err != nil {
			writeError(w, s.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxEngineClaims, claims)))
	}
}

// floodLimiter keeps a token bucket per client IP. Offenders are counted
// so operators get a single warning when abuse becomes widespread instead
// of one log line per rejected request.
type floodLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	offenders map[string]struct{}
	perSecond rate.Limit
	burst     int
	warnLevel int
	warned    bool
	logger    *slog.Logger
}

func newFloodLimiter(perSecond float64, burst, warnLevel int, logger *slog.Logger) *floodLimiter {
	return &floodLimiter{
		limiters:  make(map[string]*rate.Limiter),
		offenders: make(map[string]struct{}),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		warnLevel: warnLevel,
		logger:    logger,
	}
}

func (f *floodLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(f.perSecond, f.burst)
		f.limiters[host] = limiter
	}
	if limiter.Allow() {
		return true
	}
	f.offenders[host] = struct{}{}
	if !f.warned && f.warnLevel > 0 && len(f.offenders) >= f.warnLevel {
		f.warned = true
		f.logger.Warn("flood offender threshold crossed", "offenders", len(f.offenders))
	}
	return false
}

func (s *Server) withFloodLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.flood.allow(r.RemoteAddr) {
			writeError(w, s.logger, contracts.NewError(contracts.ReasonHeartbeatRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actorFrom derives the acting identity from headers, defaulting to an
// anonymous user so local tooling works without setup.
func actorFrom(r *http.Request) contracts.Actor {
	actorType := contracts.ActorType(r.Header.Get("x-actor-type"))
	switch actorType {
	case contracts.ActorUser, contracts.ActorService, contracts.ActorAgent:
	default:
		actorType = contracts.ActorUser
	}
	actorID := r.Header.Get("x-actor-id")
	if actorID == "" {
		actorID = "anonymous"
	}
	return contracts.Actor{Type: actorType, ID: actorID}
}
