package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplane/core/pkg/approval"
	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/health"
	"github.com/crewplane/core/pkg/identity"
	"github.com/crewplane/core/pkg/lease"
	"github.com/crewplane/core/pkg/lifecycle"
	"github.com/crewplane/core/pkg/pipeline"
	"github.com/crewplane/core/pkg/policy"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/skills"
	"github.com/crewplane/core/pkg/store"
	"github.com/crewplane/core/pkg/trust"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMatchWorkspace(t *testing.T) {
	assert.NoError(t, matchWorkspace("ws", ""))
	assert.NoError(t, matchWorkspace("ws", "ws"))

	err := matchWorkspace("ws", "other")
	ce, ok := contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonUnauthorizedWorkspace, ce.ReasonCode)
}

func TestActorFromDefaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	actor := actorFrom(r)
	assert.Equal(t, contracts.ActorUser, actor.Type)
	assert.Equal(t, "anonymous", actor.ID)

	r.Header.Set("x-actor-type", "agent")
	r.Header.Set("x-actor-id", "agent-9")
	actor = actorFrom(r)
	assert.Equal(t, contracts.ActorAgent, actor.Type)
	assert.Equal(t, "agent-9", actor.ID)

	r.Header.Set("x-actor-type", "martian")
	assert.Equal(t, contracts.ActorUser, actorFrom(r).Type, "unknown actor types fall back to user")
}

func TestDecode(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, decode(r, &dst))
	assert.Equal(t, "x", dst.Name)

	// An empty body is a valid zero payload.
	r = httptest.NewRequest(http.MethodPost, "/", nil)
	dst.Name = ""
	require.NoError(t, decode(r, &dst))
	assert.Empty(t, dst.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{broken`))
	err := decode(r, &dst)
	ce, ok := contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonMissingRequiredField, ce.ReasonCode)
}

func TestWriteErrorShapes(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, discardLogger(), contracts.NewError(contracts.ReasonNotFound, "gone"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body contracts.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, contracts.ReasonNotFound, body.ReasonCode)

	// Unstructured errors never leak their message.
	rec = httptest.NewRecorder()
	writeError(rec, discardLogger(), errors.New("pq: deadlock detected"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, contracts.ReasonInternalError, body.ReasonCode)
	assert.NotContains(t, body.Message, "deadlock")
}

func TestWithRequestID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("x-request-id", "req-42")
	withRequestID(next).ServeHTTP(rec, r)
	assert.Equal(t, "req-42", rec.Header().Get("x-request-id"))

	rec = httptest.NewRecorder()
	withRequestID(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("x-request-id"), "an id is generated when absent")
}

func TestFloodLimiter(t *testing.T) {
	f := newFloodLimiter(1, 1, 1, discardLogger())

	assert.True(t, f.allow("10.0.0.1:1234"))
	assert.False(t, f.allow("10.0.0.1:9999"), "buckets are per host, not per port")
	assert.True(t, f.warned, "crossing the offender threshold warns once")

	// A different host gets its own bucket.
	assert.True(t, f.allow("10.0.0.2:1234"))

	// Addresses without a port still limit.
	assert.True(t, f.allow("10.0.0.3"))
	assert.False(t, f.allow("10.0.0.3"))
}

// newTestServer stands up the full service graph over an in-memory store.
func newTestServer(t *testing.T, devWorkspace string) *Server {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))

	logger := discardLogger()
	events := eventstore.New(st)
	registry := projector.Default()
	tokens := identity.NewEngineTokenManager([]byte("test-secret"), time.Hour)
	ids := identity.NewService(st, events, tokens)
	actions := policy.NewRegistry()
	leases := lease.NewManager(st, events, registry, logger)
	leases.HeartbeatMinInterval = 0

	return NewServer(Deps{
		Logger:    logger,
		Identity:  ids,
		Tokens:    tokens,
		Leases:    leases,
		Policy:    policy.NewEngine(st, events, registry, ids, actions, logger),
		Approvals: approval.NewService(st, events, registry, ids),
		Trust:     trust.NewService(st, events, registry, ids, actions),
		Skills:    skills.NewService(st, events, registry),
		Lifecycle: lifecycle.NewService(st, events, registry),
		Pipeline:  pipeline.NewService(st, events, logger),
		Health: health.NewService(st, events, health.NewMemoryCache(time.Minute, 8),
			nil, logger, health.Options{}),
		DevDefaultWorkspaceID: devWorkspace,
	})
}

func TestHandlerRequiresWorkspaceHeader(t *testing.T) {
	h := newTestServer(t, "").Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body contracts.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, contracts.ReasonMissingWorkspaceHeader, body.ReasonCode)
}

func TestHandlerDevDefaultWorkspace(t *testing.T) {
	h := newTestServer(t, "dev-ws").Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "the configured default substitutes for the header")
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, "")
	h := srv.Handler()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var rdr io.Reader
		if body != "" {
			rdr = strings.NewReader(body)
		}
		r := httptest.NewRequest(method, path, rdr)
		r.Header.Set("x-workspace-id", "ws")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	rec := do(http.MethodPost, "/v1/runs", `{"title":"smoke"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created lifecycle.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, lifecycle.RunQueued, created.Status)

	// Claiming requires an engine token.
	rec = do(http.MethodPost, "/v1/runs/claim", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := srv.tokens.Mint(&identity.Engine{EngineID: "engine-1", WorkspaceID: "ws"},
		nil, []string{EngineClaimAction})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/v1/runs/claim", strings.NewReader(`{}`))
	r.Header.Set("x-workspace-id", "ws")
	r.Header.Set("x-engine-token", token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claim lease.RunClaimOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.Equal(t, created.RunID, claim.RunID)
	require.NotEmpty(t, claim.ClaimToken)

	rec = do(http.MethodPost, "/v1/runs/"+created.RunID+"/complete",
		`{"claim_token":"`+claim.ClaimToken+`","output":{"n":1}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done lifecycle.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, lifecycle.RunSucceeded, done.Status)

	// The projection sees the finished run.
	rec = do(http.MethodGet, "/v1/pipeline/projection?format=envelope", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env pipeline.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, 1, env.Meta.Count)
	assert.NotEmpty(t, env.Meta.WatermarkEventID)

	rec = do(http.MethodGet, "/v1/system/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSchemaVersionGate(t *testing.T) {
	h := newTestServer(t, "").Handler()

	do := func(body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/agents", strings.NewReader(body))
		r.Header.Set("x-workspace-id", "ws")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	rec := do(`{"schema_version":"2","display_name":"triage-bot"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	var body contracts.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, contracts.ReasonUnsupportedVersion, body.ReasonCode)

	// The supported version passes; so do bodies that omit the field.
	rec = do(`{"schema_version":"1","display_name":"triage-bot"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(`{"display_name":"triage-bot"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAgentActorCannotClaimAsAnother(t *testing.T) {
	h := newTestServer(t, "").Handler()

	do := func(actorID, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/work-items/claim", strings.NewReader(body))
		r.Header.Set("x-workspace-id", "ws")
		r.Header.Set("x-actor-type", "agent")
		r.Header.Set("x-actor-id", actorID)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	rec := do("agent-1", `{"work_item_type":"approval","work_item_id":"ap-1","agent_id":"agent-2"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	var body contracts.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, contracts.ReasonUnauthorizedWorkspace, body.ReasonCode)

	// Acting as itself is fine.
	rec = do("agent-1", `{"work_item_type":"approval","work_item_id":"ap-1","agent_id":"agent-1","correlation_id":"c1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestWorkItemClaimStatusCodes(t *testing.T) {
	h := newTestServer(t, "").Handler()

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/work-items/claim", strings.NewReader(
			`{"work_item_type":"incident","work_item_id":"inc-1","agent_id":"agent-1","correlation_id":"c1"}`))
		r.Header.Set("x-workspace-id", "ws")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	rec := do()
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first lease.ClaimOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.False(t, first.Replay)

	// The identical claim replays the live lease instead of creating one.
	rec = do()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var again lease.ClaimOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.True(t, again.Replay)
	assert.Equal(t, first.Lease.LeaseID, again.Lease.LeaseID)
}

func TestHealthPostSelectsChecks(t *testing.T) {
	h := newTestServer(t, "").Handler()

	r := httptest.NewRequest(http.MethodPost, "/v1/system/health",
		strings.NewReader(`{"checks":["database"]}`))
	r.Header.Set("x-workspace-id", "ws")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Checks, 1)
	assert.Contains(t, report.Checks, "database")

	// Without a selector the POST returns the full report.
	r = httptest.NewRequest(http.MethodPost, "/v1/system/health", nil)
	r.Header.Set("x-workspace-id", "ws")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Contains(t, report.Checks, "database")
	assert.Contains(t, report.Checks, "projection")
}

func TestIncidentLearningRecordedStatus(t *testing.T) {
	h := newTestServer(t, "").Handler()

	do := func(path, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		r.Header.Set("x-workspace-id", "ws")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	rec := do("/v1/incidents", `{"severity":"sev2"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var opened lifecycle.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opened))

	rec = do("/v1/incidents/"+opened.IncidentID+"/learnings", `{"note":"add a watermark alert"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var updated lifecycle.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, int64(1), updated.LearningCount)
}

func TestEngineAuthRejectsForeignWorkspace(t *testing.T) {
	srv := newTestServer(t, "")
	h := srv.Handler()

	token, err := srv.tokens.Mint(&identity.Engine{EngineID: "engine-1", WorkspaceID: "other-ws"},
		nil, []string{EngineClaimAction})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/runs/claim", strings.NewReader(`{}`))
	r.Header.Set("x-workspace-id", "ws")
	r.Header.Set("x-engine-token", token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code, "a token scoped elsewhere is forbidden, not unauthenticated")
}
