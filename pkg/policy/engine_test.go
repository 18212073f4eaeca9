package policy

import (
	"context"
	"io"
	"log/slog"
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

type policyFixture struct {
	store    *store.Store
	events   *eventstore.EventStore
	identity *identity.Service
	engine   *Engine
	now      time.Time
}

func newPolicyFixture(t *testing.T) *policyFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))

	f := &policyFixture{store: st, now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.events = eventstore.New(st).WithClock(clock)
	tokens := identity.NewEngineTokenManager([]byte("test-secret"), time.Hour)
	f.identity = identity.NewService(st, f.events, tokens).WithClock(clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = NewEngine(st, f.events, projector.Default(), f.identity, NewRegistry(), logger).WithClock(clock)
	return f
}

func (f *policyFixture) registerAgent(t *testing.T) *identity.Agent {
	t.Helper()
	agent, err := f.identity.RegisterAgent(context.Background(), "ws", "worker", "corr-reg")
	require.NoError(t, err)
	return agent
}

func (f *policyFixture) grant(t *testing.T, principalID string, scopes identity.Scopes) {
	t.Helper()
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		_, err := f.identity.IssueCapabilityToken(context.Background(), tx, &identity.CapabilityToken{
			WorkspaceID: "ws",
			PrincipalID: principalID,
			Scopes:      scopes,
		})
		return err
	})
	require.NoError(t, err)
}

func (f *policyFixture) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		_, err := tx.ExecContext(context.Background(), query, args...)
		return err
	})
	require.NoError(t, err)
}

func (f *policyFixture) eventCount(t *testing.T, eventType string) int {
	t.Helper()
	n, err := f.events.CountByTypeSince(context.Background(), f.store.DB(), "ws", eventType, "", time.Time{})
	require.NoError(t, err)
	return n
}

func TestAuthorizeRequiresIdentifiers(t *testing.T) {
	f := newPolicyFixture(t)
	_, err := f.engine.Authorize(context.Background(), &Request{WorkspaceID: "ws", ActionType: "message.post"})
	ce, ok := contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonMissingRequiredField, ce.ReasonCode)
}

func TestAuthorizeKillSwitchDeniesEverything(t *testing.T) {
	f := newPolicyFixture(t)
	f.exec(t, `INSERT INTO workspace_config (workspace_id, enforcement_mode, kill_switch, updated_at)
		VALUES ('ws', 'enforce', TRUE, $1)`, f.now)

	d, err := f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "message.post", CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, DecisionKillSwitch, d.ReasonCode)
	assert.True(t, d.Blocked)
	assert.NotEmpty(t, d.DecisionHash)
}

func TestAuthorizeQuarantinedAgent(t *testing.T) {
	f := newPolicyFixture(t)
	agent := f.registerAgent(t)
	_, err := f.identity.QuarantineAgent(context.Background(), "ws", agent.AgentID, "misbehaving", "corr-q")
	require.NoError(t, err)

	d, err := f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "message.post", AgentID: agent.AgentID, CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, DecisionQuarantined, d.ReasonCode)
}

func TestAuthorizeScopeGap(t *testing.T) {
	f := newPolicyFixture(t)
	agent := f.registerAgent(t)

	// No capability tokens at all.
	d, err := f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "message.post", AgentID: agent.AgentID, CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, DecisionNoScope, d.ReasonCode)

	// Action scope granted, but the room is uncovered.
	f.grant(t, agent.PrincipalID, identity.Scopes{ActionTypes: []string{"message.post"}})
	d, err = f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "message.post", AgentID: agent.AgentID,
		RoomID: "room-1", CorrelationID: "c2",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionNoScope, d.ReasonCode)
}

func TestAuthorizeAllowWithScope(t *testing.T) {
	f := newPolicyFixture(t)
	agent := f.registerAgent(t)
	f.grant(t, agent.PrincipalID, identity.Scopes{
		Rooms:       []string{"room-1"},
		ActionTypes: []string{"message.post"},
	})

	d, err := f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "message.post", AgentID: agent.AgentID,
		RoomID: "room-1", CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)
	assert.Equal(t, DecisionAllowed, d.ReasonCode)
	assert.False(t, d.Blocked)
	assert.NotEmpty(t, d.TokenIDs)
}

func TestAuthorizePreApprovalAndZoneLadder(t *testing.T) {
	f := newPolicyFixture(t)
	agent := f.registerAgent(t)
	f.grant(t, agent.PrincipalID, identity.Scopes{ActionTypes: []string{"*"}})

	d, err := f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "external.write", AgentID: agent.AgentID,
		Zone: ZoneSupervised, CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, RequireApproval, d.Decision)
	assert.Equal(t, DecisionPreRequired, d.ReasonCode)

	// A supervised action from a sandbox caller needs escalation.
	d, err = f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "internal.write", AgentID: agent.AgentID,
		Zone: ZoneSandbox, CorrelationID: "c2",
	})
	require.NoError(t, err)
	assert.Equal(t, RequireApproval, d.Decision)
	assert.Equal(t, DecisionZoneMismatch, d.ReasonCode)

	d, err = f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "internal.write", AgentID: agent.AgentID,
		Zone: ZoneSupervised, CorrelationID: "c3",
	})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)
}

func TestAuthorizeEgressQuotaChargedOnSuccess(t *testing.T) {
	f := newPolicyFixture(t)
	agent := f.registerAgent(t)
	f.grant(t, agent.PrincipalID, identity.Scopes{
		ActionTypes:   []string{"egress.request"},
		EgressDomains: []string{"api.example.com"},
	})
	day := f.now.Format("2006-01-02")
	f.exec(t, `INSERT INTO egress_quotas (workspace_id, domain, day, used, quota_limit)
		VALUES ('ws', 'api.example.com', $1, 0, 1)`, day)

	req := func(corr string) *Request {
		return &Request{
			WorkspaceID: "ws", ActionType: "egress.request", AgentID: agent.AgentID,
			Zone: ZoneSupervised, EgressDomain: "api.example.com", CorrelationID: corr,
		}
	}

	d, err := f.engine.Authorize(context.Background(), req("c1"))
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)

	d, err = f.engine.Authorize(context.Background(), req("c2"))
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, DecisionQuotaExceeded, d.ReasonCode)
	assert.Equal(t, 1, f.eventCount(t, contracts.EventQuotaExceeded))

	var used int64
	require.NoError(t, f.store.DB().QueryRowContext(context.Background(),
		`SELECT used FROM egress_quotas WHERE workspace_id = 'ws' AND domain = 'api.example.com' AND day = $1`,
		day).Scan(&used))
	assert.Equal(t, int64(1), used, "a denied request is not charged")
}

func TestAuthorizeDryRunNeverBlocks(t *testing.T) {
	f := newPolicyFixture(t)
	f.exec(t, `INSERT INTO workspace_config (workspace_id, enforcement_mode, kill_switch, updated_at)
		VALUES ('ws', 'dry_run', TRUE, $1)`, f.now)

	d, err := f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "message.post", CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, ModeDryRun, d.EnforcementMode)
	assert.False(t, d.Blocked)
	assert.Equal(t, 1, f.eventCount(t, contracts.DryRunEventType(string(Deny))))
}

func TestAuthorizeWorkspaceRules(t *testing.T) {
	f := newPolicyFixture(t)
	f.exec(t, `INSERT INTO workspace_policy_rules (rule_id, workspace_id, expression, effect, created_at)
		VALUES ('rule-1', 'ws', 'tool == "shell"', 'deny', $1)`, f.now)

	d, err := f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "message.post", Tool: "shell",
		Zone: ZoneSandbox, CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, DecisionWorkspaceRule, d.ReasonCode)
	assert.Equal(t, "rule-1", d.Details["rule_id"])

	// A non-matching rule leaves the default allow in place.
	d, err = f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "message.post", Tool: "editor",
		Zone: ZoneSandbox, CorrelationID: "c2",
	})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)
}

func TestAuthorizeBrokenRuleFailsClosed(t *testing.T) {
	f := newPolicyFixture(t)
	f.exec(t, `INSERT INTO workspace_policy_rules (rule_id, workspace_id, expression, effect, created_at)
		VALUES ('rule-bad', 'ws', 'no_such_var == 1', 'allow', $1)`, f.now)

	d, err := f.engine.Authorize(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "message.post", Zone: ZoneSandbox, CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.Equal(t, DecisionRuleError, d.ReasonCode)
}

func TestAuthorizePurposeHintEvents(t *testing.T) {
	f := newPolicyFixture(t)
	agent := f.registerAgent(t)
	f.grant(t, agent.PrincipalID, identity.Scopes{
		ActionTypes: []string{"data.read"},
		DataRead:    true,
	})

	base := Request{
		WorkspaceID: "ws", ActionType: "data.read", AgentID: agent.AgentID,
		Zone: ZoneSandbox, DataAccess: "read",
		ResourcePurposeTags: []string{"analytics"},
		RequestPurposeTags:  []string{"support"},
	}

	unjustified := base
	unjustified.CorrelationID = "c1"
	_, err := f.engine.Authorize(context.Background(), &unjustified)
	require.NoError(t, err)
	assert.Equal(t, 1, f.eventCount(t, contracts.EventDataAccessHintMismatch))
	assert.Equal(t, 1, f.eventCount(t, contracts.EventDataAccessUnjustified))

	justified := base
	justified.CorrelationID = "c2"
	justified.Context = map[string]any{"justification": "support ticket 441"}
	_, err = f.engine.Authorize(context.Background(), &justified)
	require.NoError(t, err)
	assert.Equal(t, 1, f.eventCount(t, contracts.EventDataAccessJustified))
}

func TestAuthorizeEgressEmitsVerdictEvent(t *testing.T) {
	f := newPolicyFixture(t)
	agent := f.registerAgent(t)
	f.grant(t, agent.PrincipalID, identity.Scopes{
		ActionTypes:   []string{"egress.request"},
		EgressDomains: []string{"*.example.com"},
	})

	d, err := f.engine.AuthorizeEgress(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "egress.request", AgentID: agent.AgentID,
		Zone: ZoneSupervised, EgressDomain: "api.example.com", CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decision)
	assert.Equal(t, 1, f.eventCount(t, contracts.EventEgressAllowed))

	d, err = f.engine.AuthorizeEgress(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "egress.request", AgentID: agent.AgentID,
		Zone: ZoneSupervised, EgressDomain: "evil.invalid", CorrelationID: "c2",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Decision)
	assert.True(t, d.Blocked)
	assert.Equal(t, 1, f.eventCount(t, contracts.EventEgressBlocked))

	_, err = f.engine.AuthorizeEgress(context.Background(), &Request{
		WorkspaceID: "ws", ActionType: "egress.request", CorrelationID: "c3",
	})
	ce, ok := contracts.AsError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonMissingRequiredField, ce.ReasonCode)
}

func TestDecisionHashDeterministic(t *testing.T) {
	req := &Request{WorkspaceID: "ws", ActionType: "message.post", Zone: ZoneSandbox}
	d := &Decision{Decision: Allow, ReasonCode: DecisionAllowed}

	a, err := decisionHash(req, d)
	require.NoError(t, err)
	b, err := decisionHash(req, d)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	d.Decision = Deny
	c, err := decisionHash(req, d)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestRegistryLookupDefaults(t *testing.T) {
	r := NewRegistry()
	spec, known := r.Lookup("deploy.production")
	assert.True(t, known)
	assert.Equal(t, ZoneHighStakes, spec.ZoneRequired)

	spec, known = r.Lookup("made.up")
	assert.False(t, known)
	assert.Equal(t, ZoneSupervised, spec.ZoneRequired)
	assert.False(t, spec.Reversible)
}

func TestZoneExceeds(t *testing.T) {
	assert.True(t, ZoneSupervised.Exceeds(ZoneSandbox))
	assert.True(t, ZoneSupervised.Exceeds(""))
	assert.False(t, ZoneSupervised.Exceeds(ZoneSupervised))
	assert.False(t, ZoneSandbox.Exceeds(ZoneHighStakes))
}
