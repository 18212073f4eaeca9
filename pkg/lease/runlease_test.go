package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

func (f *leaseFixture) seedQueuedRun(t *testing.T, runID string) {
	t.Helper()
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		_, err := tx.ExecContext(context.Background(), `
			INSERT INTO runs (run_id, workspace_id, status, correlation_id, created_at, updated_at)
			VALUES ($1, $2, 'queued', $3, $4, $4)`,
			runID, "ws", "corr-"+runID, f.now)
		return err
	})
	require.NoError(t, err)
}

func TestClaimRunFromQueued(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()
	f.seedQueuedRun(t, "r1")

	outcome, err := f.manager.ClaimRun(ctx, "ws", "engine-1", "engine-1", "")
	require.NoError(t, err)
	assert.Equal(t, "r1", outcome.RunID)
	assert.Equal(t, "running", outcome.Status)
	assert.Equal(t, int64(1), outcome.AttemptNo)
	assert.Equal(t, int64(1), outcome.LeaseVersion)
	assert.False(t, outcome.Preempted)
	assert.NotEmpty(t, outcome.ClaimToken)
	assert.True(t, outcome.LeaseExpiresAt.Equal(f.now.Add(f.manager.LeaseDuration)))
	assert.Equal(t, 1, f.eventCount(t, contracts.EventRunStarted))
}

func TestClaimRunNoCandidate(t *testing.T) {
	f := newLeaseFixture(t)
	_, err := f.manager.ClaimRun(context.Background(), "ws", "engine-1", "engine-1", "")
	assert.Equal(t, contracts.ReasonRunNotClaimable, reasonCode(t, err))
}

func TestClaimRunRunningLeaseIsNotClaimable(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()
	f.seedQueuedRun(t, "r1")

	_, err := f.manager.ClaimRun(ctx, "ws", "engine-1", "engine-1", "")
	require.NoError(t, err)

	_, err = f.manager.ClaimRun(ctx, "ws", "engine-2", "engine-2", "")
	assert.Equal(t, contracts.ReasonRunNotClaimable, reasonCode(t, err))
}

func TestClaimRunReclaimsExpiredLease(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()
	f.seedQueuedRun(t, "r1")

	first, err := f.manager.ClaimRun(ctx, "ws", "engine-1", "engine-1", "")
	require.NoError(t, err)

	f.advance(f.manager.LeaseDuration + time.Second)
	second, err := f.manager.ClaimRun(ctx, "ws", "engine-2", "engine-2", "")
	require.NoError(t, err)
	assert.True(t, second.Preempted)
	assert.Equal(t, int64(2), second.AttemptNo)
	assert.NotEqual(t, first.ClaimToken, second.ClaimToken)

	// The original queued -> running start event is not repeated; the
	// reclaim is recorded as a preemption instead.
	assert.Equal(t, 1, f.eventCount(t, contracts.EventRunStarted))
	assert.Equal(t, 1, f.eventCount(t, contracts.EventLeasePreempted))

	attempts, err := f.manager.ListAttempts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "engine-1", attempts[0].ClaimedByActorID)
	assert.Equal(t, "engine-2", attempts[1].ClaimedByActorID)
}

func TestHeartbeatRunLadder(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()
	f.seedQueuedRun(t, "r1")

	claimed, err := f.manager.ClaimRun(ctx, "ws", "engine-1", "engine-1", "")
	require.NoError(t, err)

	f.advance(2 * time.Second)
	hb, err := f.manager.HeartbeatRun(ctx, "ws", "r1", "engine-1", claimed.ClaimToken, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hb.Version)

	_, err = f.manager.HeartbeatRun(ctx, "ws", "r1", "engine-2", claimed.ClaimToken, 2)
	assert.Equal(t, contracts.ReasonLeaseNotOwned, reasonCode(t, err))

	_, err = f.manager.HeartbeatRun(ctx, "ws", "r1", "engine-1", claimed.ClaimToken, 1)
	assert.Equal(t, contracts.ReasonLeaseVersionMismatch, reasonCode(t, err))

	_, err = f.manager.HeartbeatRun(ctx, "ws", "missing", "engine-1", claimed.ClaimToken, 2)
	assert.Equal(t, contracts.ReasonNotFound, reasonCode(t, err))
}

func TestHeartbeatRunRateLimit(t *testing.T) {
	f := newLeaseFixture(t)
	f.manager.HeartbeatMinInterval = time.Second
	ctx := context.Background()
	f.seedQueuedRun(t, "r1")

	claimed, err := f.manager.ClaimRun(ctx, "ws", "engine-1", "engine-1", "")
	require.NoError(t, err)

	f.advance(100 * time.Millisecond)
	_, err = f.manager.HeartbeatRun(ctx, "ws", "r1", "engine-1", claimed.ClaimToken, 1)
	assert.Equal(t, contracts.ReasonHeartbeatRateLimited, reasonCode(t, err))

	f.advance(time.Second)
	hb, err := f.manager.HeartbeatRun(ctx, "ws", "r1", "engine-1", claimed.ClaimToken, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hb.Version)
}

func TestReleaseRunRequeues(t *testing.T) {
	f := newLeaseFixture(t)
	ctx := context.Background()
	f.seedQueuedRun(t, "r1")

	claimed, err := f.manager.ClaimRun(ctx, "ws", "engine-1", "engine-1", "")
	require.NoError(t, err)

	_, err = f.manager.ReleaseRun(ctx, "ws", "r1", "engine-2", claimed.ClaimToken, "stolen")
	assert.Equal(t, contracts.ReasonLeaseNotOwned, reasonCode(t, err))

	released, err := f.manager.ReleaseRun(ctx, "ws", "r1", "engine-1", claimed.ClaimToken, "handing back")
	require.NoError(t, err)
	assert.True(t, released.Released)
	assert.Equal(t, 1, f.eventCount(t, contracts.EventLeaseReleased))

	attempts, err := f.manager.ListAttempts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].ReleasedAt)
	assert.Equal(t, "handing back", attempts[0].ReleaseReason)

	// A replay of the release against the superseded token is benign.
	again, err := f.manager.ReleaseRun(ctx, "ws", "r1", "engine-1", claimed.ClaimToken, "")
	require.NoError(t, err)
	assert.False(t, again.Released)

	// The run is queued again and claimable by another engine.
	second, err := f.manager.ClaimRun(ctx, "ws", "engine-2", "engine-2", "")
	require.NoError(t, err)
	assert.Equal(t, "r1", second.RunID)
	assert.Equal(t, int64(2), second.AttemptNo)
	assert.False(t, second.Preempted)
}
