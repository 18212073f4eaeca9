package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// claimCandidateBatch bounds how many runs one claim call inspects before
// giving up. Contending engines skip rows another transaction has locked.
const claimCandidateBatch = 16

// RunClaimOutcome is the result of claiming a run execution slot.
type RunClaimOutcome struct {
	RunID          string    `json:"run_id"`
	Status         string    `json:"status"`
	AttemptNo      int64     `json:"attempt_no"`
	ClaimToken     string    `json:"claim_token"`
	LeaseVersion   int64     `json:"lease_version"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Preempted      bool      `json:"preempted"`
	ServerTime     time.Time `json:"server_time"`
}

// RunAttempt is one row of the append-only attempts ledger.
type RunAttempt struct {
	RunID            string     `json:"run_id"`
	AttemptNo        int64      `json:"attempt_no"`
	ClaimToken       string     `json:"claim_token"`
	ClaimedByActorID string     `json:"claimed_by_actor_id"`
	EngineID         string     `json:"engine_id,omitempty"`
	ClaimedAt        time.Time  `json:"claimed_at"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
	ReleaseReason    string     `json:"release_reason,omitempty"`
}

type runClaimState struct {
	runID          string
	status         string
	claimToken     sql.NullString
	claimedBy      sql.NullString
	leaseVersion   int64
	leaseExpiresAt sql.NullTime
	heartbeatAt    sql.NullTime
	correlationID  sql.NullString
	roomID         sql.NullString
	threadID       sql.NullString
}

// ClaimRun hands the next claimable run to an engine. A run is claimable
// when it is queued, or running with an expired lease. Each candidate is
// taken under a per-run advisory lock and re-checked before transition, so
// concurrent claimers cannot double-assign; a locked candidate is skipped,
// not waited on.
func (m *Manager) ClaimRun(ctx context.Context, workspaceID, actorID, engineID, roomID string) (*RunClaimOutcome, error) {
	now := m.clock().UTC()
	var outcome *RunClaimOutcome
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		candidates, err := m.claimCandidates(ctx, tx, workspaceID, roomID, now)
		if err != nil {
			return err
		}
		for _, runID := range candidates {
			locked, err := tx.TryAdvisoryLock(ctx, RunLockNamespace, runID)
			if err != nil {
				return err
			}
			if !locked {
				continue
			}
			state, err := m.runClaimState(ctx, tx, workspaceID, runID)
			if errors.Is(err, contracts.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !claimable(state, now) {
				continue
			}
			outcome, err = m.claimOne(ctx, tx, workspaceID, actorID, engineID, state, now)
			if err != nil {
				return err
			}
			return nil
		}
		return contracts.NewError(contracts.ReasonRunNotClaimable, "no claimable run")
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func claimable(state *runClaimState, now time.Time) bool {
	if state.status == "queued" {
		return true
	}
	return state.status == "running" && state.leaseExpiresAt.Valid && state.leaseExpiresAt.Time.Before(now)
}

func (m *Manager) claimOne(ctx context.Context, tx *store.Tx, workspaceID, actorID, engineID string, state *runClaimState, now time.Time) (*RunClaimOutcome, error) {
	claimToken := uuid.New().String()
	expiresAt := now.Add(m.LeaseDuration)
	wasQueued := state.status == "queued"
	reclaimed := !wasQueued && state.claimToken.Valid

	attemptNo, err := m.nextAttemptNo(ctx, tx, state.runID)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = 'running', claim_token = $1, claimed_by_actor_id = $2,
		    lease_version = 1, lease_expires_at = $3, lease_heartbeat_at = $4,
		    updated_at = $4
		WHERE run_id = $5 AND workspace_id = $6
		  AND (status = 'queued' OR (status = 'running' AND lease_expires_at < $4))`,
		claimToken, actorID, expiresAt, now, state.runID, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim run %s: %w", state.runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, contracts.NewError(contracts.ReasonRunNotClaimable, "run changed concurrently")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_attempts (run_id, attempt_no, claim_token, claimed_by_actor_id, engine_id, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		state.runID, attemptNo, claimToken, actorID, nullString(engineID), now,
	); err != nil {
		return nil, fmt.Errorf("record run attempt: %w", err)
	}

	correlationID := state.correlationID.String
	if reclaimed {
		env := &contracts.EventEnvelope{
			EventType:      contracts.EventLeasePreempted,
			WorkspaceID:    workspaceID,
			RoomID:         state.roomID.String,
			ThreadID:       state.threadID.String,
			RunID:          state.runID,
			Actor:          contracts.Actor{Type: contracts.ActorAgent, ID: actorID},
			Stream:         runStream(state.roomID.String, workspaceID),
			CorrelationID:  correlationID,
			IdempotencyKey: contracts.PreemptionKey(state.claimToken.String, claimToken),
			Data: map[string]any{
				"run_id":       state.runID,
				"old_lease_id": state.claimToken.String,
				"old_agent_id": state.claimedBy.String,
				"new_lease_id": claimToken,
				"reason":       "expired_lease_reclaimed",
			},
		}
		if err := m.appendAndProject(ctx, tx, env); err != nil {
			return nil, err
		}
	}

	// run.started marks queued -> running only. A reclaim of an already
	// running run keeps the original start event.
	if wasQueued {
		startKey, err := contracts.IdempotencyKey(contracts.CommandRunClaim, map[string]any{
			"run_id":      state.runID,
			"claim_token": claimToken,
		})
		if err != nil {
			return nil, err
		}
		env := &contracts.EventEnvelope{
			EventType:      contracts.EventRunStarted,
			WorkspaceID:    workspaceID,
			RoomID:         state.roomID.String,
			ThreadID:       state.threadID.String,
			RunID:          state.runID,
			Actor:          contracts.Actor{Type: contracts.ActorAgent, ID: actorID},
			Stream:         runStream(state.roomID.String, workspaceID),
			CorrelationID:  correlationID,
			IdempotencyKey: startKey,
			Data: map[string]any{
				"run_id":      state.runID,
				"claim_token": claimToken,
				"attempt_no":  attemptNo,
				"engine_id":   engineID,
			},
		}
		if err := m.appendAndProject(ctx, tx, env); err != nil {
			return nil, err
		}
	}

	return &RunClaimOutcome{
		RunID:          state.runID,
		Status:         "running",
		AttemptNo:      attemptNo,
		ClaimToken:     claimToken,
		LeaseVersion:   1,
		LeaseExpiresAt: expiresAt,
		Preempted:      reclaimed,
		ServerTime:     now,
	}, nil
}

// HeartbeatRun extends a run lease. Same diagnosis ladder as work-item
// heartbeats: wrong holder, stale version, rate-limit window.
func (m *Manager) HeartbeatRun(ctx context.Context, workspaceID, runID, actorID, claimToken string, version int64) (*HeartbeatOutcome, error) {
	now := m.clock().UTC()
	var outcome *HeartbeatOutcome
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.TryAdvisoryLock(ctx, RunLockNamespace, runID); err != nil {
			return err
		}
		state, err := m.runClaimState(ctx, tx, workspaceID, runID)
		if errors.Is(err, contracts.ErrNotFound) {
			return contracts.NewError(contracts.ReasonNotFound, "unknown run "+runID)
		}
		if err != nil {
			return err
		}
		expired := !state.leaseExpiresAt.Valid || !state.leaseExpiresAt.Time.After(now)
		switch {
		case !state.claimToken.Valid || state.claimToken.String != claimToken || state.claimedBy.String != actorID || expired:
			return contracts.NewError(contracts.ReasonLeaseNotOwned, "run lease is not owned by caller")
		case state.leaseVersion != version:
			return contracts.NewError(contracts.ReasonLeaseVersionMismatch, "stale lease version").
				WithDetail("current_version", state.leaseVersion)
		case m.HeartbeatMinInterval > 0 && state.heartbeatAt.Valid && now.Sub(state.heartbeatAt.Time) < m.HeartbeatMinInterval:
			return contracts.NewError(contracts.ReasonHeartbeatRateLimited, "heartbeat inside minimum interval")
		}

		expiresAt := now.Add(m.LeaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET lease_version = lease_version + 1, lease_heartbeat_at = $1,
			    lease_expires_at = $2, updated_at = $1
			WHERE run_id = $3 AND workspace_id = $4
			  AND claim_token = $5 AND claimed_by_actor_id = $6 AND lease_version = $7`,
			now, expiresAt, runID, workspaceID, claimToken, actorID, version,
		)
		if err != nil {
			return fmt.Errorf("run heartbeat: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return contracts.NewError(contracts.ReasonLeaseVersionMismatch, "run lease changed concurrently")
		}
		outcome = &HeartbeatOutcome{LeaseID: claimToken, Version: version + 1, ExpiresAt: expiresAt, ServerTime: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// ReleaseRun drops the run lease without finishing the run; the run goes
// back to queued so another engine can pick it up. A release against an
// absent or superseded claim token is a replay with released=false.
func (m *Manager) ReleaseRun(ctx context.Context, workspaceID, runID, actorID, claimToken, reason string) (*ReleaseOutcome, error) {
	now := m.clock().UTC()
	var outcome *ReleaseOutcome
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.TryAdvisoryLock(ctx, RunLockNamespace, runID); err != nil {
			return err
		}
		state, err := m.runClaimState(ctx, tx, workspaceID, runID)
		if errors.Is(err, contracts.ErrNotFound) {
			return contracts.NewError(contracts.ReasonNotFound, "unknown run "+runID)
		}
		if err != nil {
			return err
		}
		if !state.claimToken.Valid || state.claimToken.String != claimToken {
			outcome = &ReleaseOutcome{Released: false, ServerTime: now}
			return nil
		}
		if state.claimedBy.String != actorID {
			return contracts.NewError(contracts.ReasonLeaseNotOwned, "run lease is not owned by caller")
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = 'queued', claim_token = NULL, claimed_by_actor_id = NULL,
			    lease_version = 0, lease_expires_at = NULL, lease_heartbeat_at = NULL,
			    updated_at = $1
			WHERE run_id = $2 AND workspace_id = $3 AND claim_token = $4`,
			now, runID, workspaceID, claimToken,
		); err != nil {
			return fmt.Errorf("release run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE run_attempts
			SET released_at = $1, release_reason = $2
			WHERE run_id = $3 AND claim_token = $4 AND released_at IS NULL`,
			now, nullString(reason), runID, claimToken,
		); err != nil {
			return fmt.Errorf("close run attempt: %w", err)
		}

		env := &contracts.EventEnvelope{
			EventType:     contracts.EventLeaseReleased,
			WorkspaceID:   workspaceID,
			RoomID:        state.roomID.String,
			ThreadID:      state.threadID.String,
			RunID:         runID,
			Actor:         contracts.Actor{Type: contracts.ActorAgent, ID: actorID},
			Stream:        runStream(state.roomID.String, workspaceID),
			CorrelationID: state.correlationID.String,
			Data: map[string]any{
				"run_id":   runID,
				"lease_id": claimToken,
				"agent_id": actorID,
				"reason":   reason,
			},
		}
		if err := m.appendAndProject(ctx, tx, env); err != nil {
			return err
		}
		outcome = &ReleaseOutcome{Released: true, ServerTime: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// ListAttempts returns the attempts ledger for a run, oldest first.
func (m *Manager) ListAttempts(ctx context.Context, runID string) ([]RunAttempt, error) {
	rows, err := m.store.DB().QueryContext(ctx, `
		SELECT run_id, attempt_no, claim_token, claimed_by_actor_id, engine_id,
		       claimed_at, released_at, release_reason
		FROM run_attempts
		WHERE run_id = $1
		ORDER BY attempt_no`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run attempts: %w", err)
	}
	defer rows.Close()

	var attempts []RunAttempt
	for rows.Next() {
		var a RunAttempt
		var engineID, releaseReason sql.NullString
		var releasedAt sql.NullTime
		if err := rows.Scan(&a.RunID, &a.AttemptNo, &a.ClaimToken, &a.ClaimedByActorID,
			&engineID, &a.ClaimedAt, &releasedAt, &releaseReason); err != nil {
			return nil, fmt.Errorf("scan run attempt: %w", err)
		}
		a.EngineID = engineID.String
		a.ReleaseReason = releaseReason.String
		if releasedAt.Valid {
			t := releasedAt.Time.UTC()
			a.ReleasedAt = &t
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (m *Manager) claimCandidates(ctx context.Context, tx *store.Tx, workspaceID, roomID string, now time.Time) ([]string, error) {
	query := `
		SELECT run_id FROM runs
		WHERE workspace_id = $1
		  AND (status = 'queued' OR (status = 'running' AND lease_expires_at < $2))`
	args := []any{workspaceID, now}
	if roomID != "" {
		query += ` AND room_id = $3`
		args = append(args, roomID)
	}
	query += ` ORDER BY created_at LIMIT ` + fmt.Sprint(claimCandidateBatch)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claim candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m *Manager) runClaimState(ctx context.Context, tx *store.Tx, workspaceID, runID string) (*runClaimState, error) {
	var s runClaimState
	err := tx.QueryRowContext(ctx, `
		SELECT run_id, status, claim_token, claimed_by_actor_id, lease_version,
		       lease_expires_at, lease_heartbeat_at, correlation_id, room_id, thread_id
		FROM runs
		WHERE run_id = $1 AND workspace_id = $2`,
		runID, workspaceID,
	).Scan(&s.runID, &s.status, &s.claimToken, &s.claimedBy, &s.leaseVersion,
		&s.leaseExpiresAt, &s.heartbeatAt, &s.correlationID, &s.roomID, &s.threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run claim state: %w", err)
	}
	return &s, nil
}

func (m *Manager) nextAttemptNo(ctx context.Context, tx *store.Tx, runID string) (int64, error) {
	var maxNo sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(attempt_no) FROM run_attempts WHERE run_id = $1`, runID,
	).Scan(&maxNo); err != nil {
		return 0, fmt.Errorf("next attempt number: %w", err)
	}
	return maxNo.Int64 + 1, nil
}

// runStream orders run events on the room stream when the run is bound to
// a room, and on the workspace stream otherwise.
func runStream(roomID, workspaceID string) contracts.Stream {
	if roomID != "" {
		return contracts.Stream{Type: contracts.StreamRoom, ID: roomID}
	}
	return contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
