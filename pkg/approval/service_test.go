package approval

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/identity"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

type approvalFixture struct {
	store    *store.Store
	events   *eventstore.EventStore
	identity *identity.Service
	svc      *Service
	now      time.Time
}

func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))

	f := &approvalFixture{store: st, now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.events = eventstore.New(st).WithClock(clock)
	tokens := identity.NewEngineTokenManager([]byte("test-secret"), time.Hour)
	f.identity = identity.NewService(st, f.events, tokens).WithClock(clock)
	f.svc = NewService(st, f.events, projector.Default(), f.identity).WithClock(clock)
	return f
}

func requester() contracts.Actor {
	return contracts.Actor{Type: contracts.ActorAgent, ID: "agent-1"}
}

func approver() contracts.Actor {
	return contracts.Actor{Type: contracts.ActorUser, ID: "user-1"}
}

func TestRequestCreatesPendingApproval(t *testing.T) {
	f := newApprovalFixture(t)

	a, err := f.svc.Request(context.Background(), &RequestInput{
		WorkspaceID:   "ws",
		ActionCode:    "external.write",
		ScopeType:     "run",
		Scope:         map[string]any{"run_id": "r1"},
		RequestedBy:   requester(),
		CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "external.write", a.ActionCode)
	assert.Equal(t, "agent-1", a.RequestedBy)
	assert.NotEmpty(t, a.LastEventID)
	assert.False(t, a.Terminal())
}

func TestRequestValidation(t *testing.T) {
	f := newApprovalFixture(t)
	_, err := f.svc.Request(context.Background(), &RequestInput{
		WorkspaceID: "ws", RequestedBy: requester(), CorrelationID: "c1",
	})
	ce, ok := contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonMissingRequiredField, ce.ReasonCode)
}

func TestDecideAndTerminalReplay(t *testing.T) {
	f := newApprovalFixture(t)
	a, err := f.svc.Request(context.Background(), &RequestInput{
		WorkspaceID: "ws", ActionCode: "external.write", ScopeType: "run",
		RequestedBy: requester(), CorrelationID: "c1",
	})
	require.NoError(t, err)

	decided, err := f.svc.Decide(context.Background(), "ws", a.ApprovalID, StatusApproved, approver(), nil, "c2")
	require.NoError(t, err)
	assert.False(t, decided.Replay)
	assert.Equal(t, StatusApproved, decided.Approval.Status)
	assert.Equal(t, "user-1", decided.Approval.DecidedBy)
	require.NotNil(t, decided.Approval.DecidedAt)

	// A later conflicting decision is absorbed: the projection keeps the
	// first verdict and the caller sees replay=true.
	late, err := f.svc.Decide(context.Background(), "ws", a.ApprovalID, StatusDenied, approver(), nil, "c3")
	require.NoError(t, err)
	assert.True(t, late.Replay)
	assert.Equal(t, StatusApproved, late.Approval.Status)
}

func TestDecideHeldIsNotTerminal(t *testing.T) {
	f := newApprovalFixture(t)
	a, err := f.svc.Request(context.Background(), &RequestInput{
		WorkspaceID: "ws", ActionCode: "data.write", ScopeType: "run",
		RequestedBy: requester(), CorrelationID: "c1",
	})
	require.NoError(t, err)

	held, err := f.svc.Decide(context.Background(), "ws", a.ApprovalID, StatusHeld, approver(), nil, "c2")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, held.Approval.Status)
	assert.False(t, held.Replay)

	// Held can still move to a terminal state.
	final, err := f.svc.Decide(context.Background(), "ws", a.ApprovalID, StatusDenied, approver(), nil, "c3")
	require.NoError(t, err)
	assert.False(t, final.Replay)
	assert.Equal(t, StatusDenied, final.Approval.Status)
}

func TestDecideRejectsUnknownDecision(t *testing.T) {
	f := newApprovalFixture(t)
	_, err := f.svc.Decide(context.Background(), "ws", "ap-1", "maybe", approver(), nil, "c1")
	ce, ok := contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonMissingRequiredField, ce.ReasonCode)
}

func TestResolveReaction(t *testing.T) {
	f := newApprovalFixture(t)
	a, err := f.svc.Request(context.Background(), &RequestInput{
		WorkspaceID: "ws", ActionCode: "external.write", ScopeType: "run",
		RequestedBy: requester(), CorrelationID: "c1",
	})
	require.NoError(t, err)

	outcome, err := f.svc.ResolveReaction(context.Background(), "ws", a.LastEventID, "✅", approver(), "c2")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, outcome.Approval.Status)

	_, err = f.svc.ResolveReaction(context.Background(), "ws", a.LastEventID, "🤷", approver(), "c3")
	ce, ok := contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonMissingRequiredField, ce.ReasonCode)
}

func TestResolveReactionEmojiMap(t *testing.T) {
	assert.Equal(t, StatusApproved, reactionDecisions["✅"])
	assert.Equal(t, StatusApproved, reactionDecisions["👍"])
	assert.Equal(t, StatusDenied, reactionDecisions["❌"])
	assert.Equal(t, StatusDenied, reactionDecisions["👎"])
	assert.Equal(t, StatusHeld, reactionDecisions["✋"])
}

func TestResolveReactionRequiresApprovalRequestEvent(t *testing.T) {
	f := newApprovalFixture(t)
	agent, err := f.identity.RegisterAgent(context.Background(), "ws", "worker", "c0")
	require.NoError(t, err)
	_ = agent

	// The agent.registered event is not an approval request.
	var eventID string
	require.NoError(t, f.store.DB().QueryRowContext(context.Background(),
		`SELECT event_id FROM events WHERE event_type = $1`, contracts.EventAgentRegistered).Scan(&eventID))

	_, err = f.svc.ResolveReaction(context.Background(), "ws", eventID, "✅", approver(), "c1")
	ce, ok := contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonNotFound, ce.ReasonCode)
}

func (f *approvalFixture) seedRecommendation(t *testing.T, recID, agentID, status string) {
	t.Helper()
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		_, err := tx.ExecContext(context.Background(), `
			INSERT INTO autonomy_recommendations
				(recommendation_id, workspace_id, agent_id, scope_delta, trust_before, trust_after, status, created_at)
			VALUES ($1, 'ws', $2, '{"action_types":["internal.write"]}', 0.4, 0.7, $3, $4)`,
			recID, agentID, status, f.now)
		return err
	})
	require.NoError(t, err)
}

func TestApproveRecommendation(t *testing.T) {
	f := newApprovalFixture(t)
	agent, err := f.identity.RegisterAgent(context.Background(), "ws", "worker", "c0")
	require.NoError(t, err)
	f.seedRecommendation(t, "rec-1", agent.AgentID, "pending")

	outcome, err := f.svc.ApproveRecommendation(context.Background(), "ws", "rec-1", approver(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "approved", outcome.Status)
	assert.NotEmpty(t, outcome.TokenID)
	assert.False(t, outcome.AlreadyApproved)

	// The minted token carries the scope delta.
	scopes, tokenIDs, err := f.identity.ActiveScopes(context.Background(), f.store.DB(), "ws", agent.PrincipalID)
	require.NoError(t, err)
	assert.Contains(t, tokenIDs, outcome.TokenID)
	assert.True(t, scopes.HasActionType("internal.write"))

	// Re-approving replays the original token.
	again, err := f.svc.ApproveRecommendation(context.Background(), "ws", "rec-1", approver(), "c2")
	require.NoError(t, err)
	assert.True(t, again.AlreadyApproved)
	assert.Equal(t, outcome.TokenID, again.TokenID)
}

func TestApproveRecommendationConflicts(t *testing.T) {
	f := newApprovalFixture(t)
	agent, err := f.identity.RegisterAgent(context.Background(), "ws", "worker", "c0")
	require.NoError(t, err)
	f.seedRecommendation(t, "rec-rejected", agent.AgentID, "rejected")

	_, err = f.svc.ApproveRecommendation(context.Background(), "ws", "rec-rejected", approver(), "c1")
	ce, ok := contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonRecommendationNotPending, ce.ReasonCode)

	_, err = f.svc.ApproveRecommendation(context.Background(), "ws", "rec-missing", approver(), "c2")
	ce, ok = contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonNotFound, ce.ReasonCode)
}
