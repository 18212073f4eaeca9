package trust

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
	"github.com/crewplane/core/pkg/policy"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

type signalsFixture struct {
	store  *store.Store
	events *eventstore.EventStore
	svc    *Service
	now    time.Time
}

func newSignalsFixture(t *testing.T) *signalsFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))

	f := &signalsFixture{store: st, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.events = eventstore.New(st).WithClock(clock)
	tokens := identity.NewEngineTokenManager([]byte("test-secret"), time.Hour)
	ids := identity.NewService(st, f.events, tokens)
	f.svc = NewService(st, f.events, projector.Default(), ids, policy.NewRegistry()).WithClock(clock)
	return f
}

func (f *signalsFixture) append(t *testing.T, eventType, correlationID string, data map[string]any) {
	t.Helper()
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		_, _, appendErr := f.events.Append(context.Background(), tx, &contracts.EventEnvelope{
			EventType:     eventType,
			WorkspaceID:   "ws",
			Actor:         contracts.Actor{Type: contracts.ActorAgent, ID: "agent-1"},
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: "ws"},
			CorrelationID: correlationID,
			Data:          data,
		})
		return appendErr
	})
	require.NoError(t, err)
}

func TestPolicyViolationsCountEnforcedDenialsOnly(t *testing.T) {
	f := newSignalsFixture(t)
	ctx := context.Background()
	since := f.now.Add(-24 * time.Hour)

	// Two retries of one enforced denial dedupe to a single violation.
	f.append(t, contracts.EventEgressBlocked, "c1", map[string]any{"decision_hash": "h1"})
	f.append(t, contracts.EventEgressBlocked, "c2", map[string]any{"decision_hash": "h1"})

	// Shadow-mode denials are advisory and stay out of the tally.
	f.append(t, contracts.DryRunEventType(string(policy.Deny)), "c3",
		map[string]any{"decision_hash": "h2"})

	// Kill-switch denials are operator state, not agent behavior.
	f.append(t, contracts.EventEgressBlocked, "c4",
		map[string]any{"decision_hash": "h3", "reason_code": policy.DecisionKillSwitch})

	count, err := f.svc.policyViolations(ctx, f.store.DB(), "ws", "agent-1", since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// A distinct enforced denial adds one.
	f.append(t, contracts.EventEgressBlocked, "c5", map[string]any{"decision_hash": "h4"})
	count, err = f.svc.policyViolations(ctx, f.store.DB(), "ws", "agent-1", since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
