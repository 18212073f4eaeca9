package contracts

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a, err := IdempotencyKey(CommandRunClaim, map[string]any{"run_id": "r1", "claim_token": "t1"})
	require.NoError(t, err)
	b, err := IdempotencyKey(CommandRunClaim, map[string]any{"claim_token": "t1", "run_id": "r1"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "field order must not change the key")

	c, err := IdempotencyKey(CommandRunClaim, map[string]any{"run_id": "r1", "claim_token": "t2"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := IdempotencyKey(CommandLeaseClaim, map[string]any{"run_id": "r1", "claim_token": "t1"})
	require.NoError(t, err)
	assert.NotEqual(t, a, d, "command kind is part of the key")
}

func TestPreemptionKeyOrdered(t *testing.T) {
	assert.Equal(t, "lease.preempted:old:new", PreemptionKey("old", "new"))
	assert.NotEqual(t, PreemptionKey("a", "b"), PreemptionKey("b", "a"))
}

func TestStatusForReason(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusForReason(ReasonAlreadyClaimed))
	assert.Equal(t, http.StatusConflict, StatusForReason(ReasonRunNotClaimable))
	assert.Equal(t, http.StatusTooManyRequests, StatusForReason(ReasonHeartbeatRateLimited))
	assert.Equal(t, http.StatusServiceUnavailable, StatusForReason(ReasonProjectionUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusForReason("no_such_code"))
}

func TestErrorChain(t *testing.T) {
	base := NewError(ReasonLeaseNotOwned, "not yours").WithDetail("lease_id", "l1")
	wrapped := fmt.Errorf("claim: %w", base)

	ce, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ReasonLeaseNotOwned, ce.ReasonCode)
	assert.Equal(t, "l1", ce.Details["lease_id"])

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}

func TestEnvelopeValidate(t *testing.T) {
	env := &EventEnvelope{
		EventType:     EventRunCreated,
		WorkspaceID:   "ws",
		OccurredAt:    time.Now(),
		Actor:         Actor{Type: ActorUser, ID: "u1"},
		Stream:        Stream{Type: StreamWorkspace, ID: "ws"},
		CorrelationID: "c1",
	}
	require.NoError(t, env.Validate())

	missing := *env
	missing.CorrelationID = ""
	assert.ErrorIs(t, missing.Validate(), ErrMissingField)

	missing = *env
	missing.Stream = Stream{}
	assert.ErrorIs(t, missing.Validate(), ErrMissingField)
}
