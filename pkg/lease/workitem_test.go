package lease

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
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

type leaseFixture struct {
	store   *store.Store
	events  *eventstore.EventStore
	manager *Manager
	now     time.Time
}

func newLeaseFixture(t *testing.T) *leaseFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))

	f := &leaseFixture{
		store: st,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.events = eventstore.New(st).WithClock(clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.manager = NewManager(st, f.events, projector.Default(), logger).WithClock(clock)
	f.manager.HeartbeatMinInterval = 0
	return f
}

func (f *leaseFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *leaseFixture) eventCount(t *testing.T, eventType string) int {
	t.Helper()
	n, err := f.events.CountByTypeSince(context.Background(), f.store.DB(), "ws", eventType, "", time.Time{})
	require.NoError(t, err)
	return n
}

func reasonCode(t *testing.T, err error) string {
	t.Helper()
	ce, ok := contracts.AsError(err)
	require.True(t, ok, "expected a reason-coded error, got %v", err)
	return ce.ReasonCode
}

func TestClaimFreshLease(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()

	outcome, err := f.manager.Claim(ctx, "ws", WorkItemApproval, "ap-1", "agent-a", "corr-1")
	require.NoError(t, err)
	assert.False(t, outcome.Replay)
	assert.False(t, outcome.Preempted)
	assert.Equal(t, int64(1), outcome.Lease.Version)
	assert.True(t, outcome.Lease.ExpiresAt.Equal(f.now.Add(f.manager.LeaseDuration)))
	assert.Equal(t, 1, f.eventCount(t, contracts.EventLeaseClaimed))
}

func TestClaimReplaySameAgentSameCorrelation(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()

	first, err := f.manager.Claim(ctx, "ws", WorkItemApproval, "ap-1", "agent-a", "corr-1")
	require.NoError(t, err)

	again, err := f.manager.Claim(ctx, "ws", WorkItemApproval, "ap-1", "agent-a", "corr-1")
	require.NoError(t, err)
	assert.True(t, again.Replay)
	assert.Equal(t, first.Lease.LeaseID, again.Lease.LeaseID)
	assert.Equal(t, 1, f.eventCount(t, contracts.EventLeaseClaimed), "replay emits nothing")
}

func TestClaimConflicts(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()

	_, err := f.manager.Claim(ctx, "ws", WorkItemApproval, "ap-1", "agent-a", "corr-1")
	require.NoError(t, err)

	_, err = f.manager.Claim(ctx, "ws", WorkItemApproval, "ap-1", "agent-b", "corr-2")
	assert.Equal(t, contracts.ReasonAlreadyClaimed, reasonCode(t, err))

	_, err = f.manager.Claim(ctx, "ws", WorkItemApproval, "ap-1", "agent-a", "corr-other")
	assert.Equal(t, contracts.ReasonCorrelationIDMismatch, reasonCode(t, err))
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()

	old, err := f.manager.Claim(ctx, "ws", WorkItemIncident, "inc-1", "agent-a", "corr-1")
	require.NoError(t, err)

	f.advance(f.manager.LeaseDuration + time.Second)
	taken, err := f.manager.Claim(ctx, "ws", WorkItemIncident, "inc-1", "agent-b", "corr-2")
	require.NoError(t, err)
	assert.True(t, taken.Preempted)
	assert.Equal(t, "agent-b", taken.Lease.AgentID)
	assert.NotEqual(t, old.Lease.LeaseID, taken.Lease.LeaseID)
	assert.Equal(t, 1, f.eventCount(t, contracts.EventLeasePreempted))
}

func TestHeartbeatExtendsAndDiagnoses(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()

	claimed, err := f.manager.Claim(ctx, "ws", WorkItemMessage, "msg-1", "agent-a", "corr-1")
	require.NoError(t, err)
	l := claimed.Lease

	f.advance(2 * time.Second)
	hb, err := f.manager.Heartbeat(ctx, "ws", WorkItemMessage, "msg-1", "agent-a", l.LeaseID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hb.Version)
	assert.True(t, hb.ExpiresAt.Equal(f.now.Add(f.manager.LeaseDuration)))

	_, err = f.manager.Heartbeat(ctx, "ws", WorkItemMessage, "msg-1", "agent-b", l.LeaseID, 2)
	assert.Equal(t, contracts.ReasonLeaseNotOwned, reasonCode(t, err))

	_, err = f.manager.Heartbeat(ctx, "ws", WorkItemMessage, "msg-1", "agent-a", "other-lease", 2)
	assert.Equal(t, contracts.ReasonLeaseNotOwned, reasonCode(t, err))

	_, err = f.manager.Heartbeat(ctx, "ws", WorkItemMessage, "msg-1", "agent-a", l.LeaseID, 1)
	assert.Equal(t, contracts.ReasonLeaseVersionMismatch, reasonCode(t, err))

	_, err = f.manager.Heartbeat(ctx, "ws", WorkItemMessage, "msg-2", "agent-a", l.LeaseID, 2)
	assert.Equal(t, contracts.ReasonLeaseNotOwned, reasonCode(t, err), "no lease at all")
}

func TestHeartbeatRateLimit(t *testing.T) {
	f := newLeaseFixture(t)
	f.manager.HeartbeatMinInterval = time.Second
	ctx := context.Background()

	claimed, err := f.manager.Claim(ctx, "ws", WorkItemMessage, "msg-1", "agent-a", "corr-1")
	require.NoError(t, err)
	l := claimed.Lease

	// Inside the minimum interval the heartbeat is refused without
	// touching the lease.
	f.advance(200 * time.Millisecond)
	_, err = f.manager.Heartbeat(ctx, "ws", WorkItemMessage, "msg-1", "agent-a", l.LeaseID, 1)
	assert.Equal(t, contracts.ReasonHeartbeatRateLimited, reasonCode(t, err))

	f.advance(time.Second)
	hb, err := f.manager.Heartbeat(ctx, "ws", WorkItemMessage, "msg-1", "agent-a", l.LeaseID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hb.Version)
}

func TestHeartbeatRefusesExpiredLease(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()

	claimed, err := f.manager.Claim(ctx, "ws", WorkItemMessage, "msg-1", "agent-a", "corr-1")
	require.NoError(t, err)

	f.advance(f.manager.LeaseDuration + time.Second)
	_, err = f.manager.Heartbeat(ctx, "ws", WorkItemMessage, "msg-1", "agent-a", claimed.Lease.LeaseID, 1)
	assert.Equal(t, contracts.ReasonLeaseNotOwned, reasonCode(t, err))
}

func TestReleaseSemantics(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()

	claimed, err := f.manager.Claim(ctx, "ws", WorkItemArtifact, "art-1", "agent-a", "corr-1")
	require.NoError(t, err)
	l := claimed.Lease

	_, err = f.manager.Release(ctx, "ws", WorkItemArtifact, "art-1", "agent-b", l.LeaseID)
	assert.Equal(t, contracts.ReasonLeaseNotOwned, reasonCode(t, err))

	stale, err := f.manager.Release(ctx, "ws", WorkItemArtifact, "art-1", "agent-a", "superseded-lease")
	require.NoError(t, err)
	assert.False(t, stale.Released)

	released, err := f.manager.Release(ctx, "ws", WorkItemArtifact, "art-1", "agent-a", l.LeaseID)
	require.NoError(t, err)
	assert.True(t, released.Released)
	assert.Equal(t, 1, f.eventCount(t, contracts.EventLeaseReleased))

	// Releasing again is a replay, not an error.
	again, err := f.manager.Release(ctx, "ws", WorkItemArtifact, "art-1", "agent-a", l.LeaseID)
	require.NoError(t, err)
	assert.False(t, again.Released)

	_, err = f.manager.Get(ctx, "ws", WorkItemArtifact, "art-1")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestParseWorkItemType(t *testing.T) {
	for _, valid := range []string{"experiment", "approval", "message", "incident", "artifact"} {
		got, err := ParseWorkItemType(valid)
		require.NoError(t, err)
		assert.Equal(t, WorkItemType(valid), got)
	}
	_, err := ParseWorkItemType("mission")
	assert.Equal(t, contracts.ReasonInvalidWorkItemType, reasonCode(t, err))
}
