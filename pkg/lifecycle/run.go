package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/lease"
	"github.com/crewplane/core/pkg/store"
)

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is the projected run row.
type Run struct {
	RunID         string     `json:"run_id"`
	WorkspaceID   string     `json:"workspace_id"`
	RoomID        string     `json:"room_id,omitempty"`
	ThreadID      string     `json:"thread_id,omitempty"`
	ExperimentID  string     `json:"experiment_id,omitempty"`
	Status        string     `json:"status"`
	Title         string     `json:"title,omitempty"`
	Goal          string     `json:"goal,omitempty"`
	Input         string     `json:"input,omitempty"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	Tags          string     `json:"tags,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	ClaimToken    string     `json:"claim_token,omitempty"`
	ClaimedBy     string     `json:"claimed_by_actor_id,omitempty"`
	LeaseVersion  int64      `json:"lease_version,omitempty"`
	LeaseExpires  *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RunInput describes a new run.
type RunInput struct {
	RoomID        string   `json:"room_id,omitempty"`
	ThreadID      string   `json:"thread_id,omitempty"`
	ExperimentID  string   `json:"experiment_id,omitempty"`
	Title         string   `json:"title"`
	Goal          string   `json:"goal,omitempty"`
	Input         any      `json:"input,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// CreateRun queues a new run.
func (svc *Service) CreateRun(ctx context.Context, workspaceID string, in *RunInput, actor contracts.Actor) (*Run, error) {
	if in.Title == "" {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "title is required")
	}
	if in.ExperimentID != "" {
		exp, err := svc.GetExperiment(ctx, workspaceID, in.ExperimentID)
		if err != nil {
			return nil, err
		}
		if exp.Status != ExperimentOpen {
			return nil, contracts.NewError(contracts.ReasonExperimentNotOpen,
				"cannot queue runs against a "+exp.Status+" experiment")
		}
	}
	runID := uuid.New().String()
	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	var created *Run
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		data := map[string]any{"title": in.Title}
		if in.Goal != "" {
			data["goal"] = in.Goal
		}
		if in.Input != nil {
			data["input"] = in.Input
		}
		if len(in.Tags) > 0 {
			data["tags"] = in.Tags
		}
		if in.ExperimentID != "" {
			data["experiment_id"] = in.ExperimentID
		}
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventRunCreated,
			WorkspaceID:   workspaceID,
			RoomID:        in.RoomID,
			ThreadID:      in.ThreadID,
			RunID:         runID,
			Actor:         actor,
			Stream:        runEventStream(in.RoomID, workspaceID),
			CorrelationID: correlationID,
			Data:          data,
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		created, err = svc.getRun(ctx, tx, workspaceID, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CompleteRun transitions a run to succeeded with its output. The caller
// must hold the run's claim token; a stale token is lease_not_owned.
func (svc *Service) CompleteRun(ctx context.Context, workspaceID, runID, claimToken string, output any, actor contracts.Actor) (*Run, error) {
	return svc.finishRun(ctx, workspaceID, runID, claimToken, actor, contracts.EventRunCompleted, map[string]any{"output": output})
}

// FailRun transitions a run to failed with an error message.
func (svc *Service) FailRun(ctx context.Context, workspaceID, runID, claimToken, errMessage string, actor contracts.Actor) (*Run, error) {
	return svc.finishRun(ctx, workspaceID, runID, claimToken, actor, contracts.EventRunFailed, map[string]any{"error": errMessage})
}

func (svc *Service) finishRun(ctx context.Context, workspaceID, runID, claimToken string, actor contracts.Actor, eventType string, data map[string]any) (*Run, error) {
	var finished *Run
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.TryAdvisoryLock(ctx, lease.RunLockNamespace, runID); err != nil {
			return err
		}
		current, err := svc.getRun(ctx, tx, workspaceID, runID)
		if err != nil {
			return err
		}
		switch current.Status {
		case RunSucceeded, RunFailed:
			// Terminal replay: nothing to do, echo the stored state.
			finished = current
			return nil
		case RunRunning:
			if current.ClaimToken != "" && current.ClaimToken != claimToken {
				return contracts.NewError(contracts.ReasonLeaseNotOwned, "run is claimed under a different token")
			}
		}

		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     eventType,
			WorkspaceID:   workspaceID,
			RoomID:        current.RoomID,
			ThreadID:      current.ThreadID,
			RunID:         runID,
			Actor:         actor,
			Stream:        runEventStream(current.RoomID, workspaceID),
			CorrelationID: current.CorrelationID,
			Data:          data,
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}

		// A finished run no longer holds an execution lease.
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET claim_token = NULL, claimed_by_actor_id = NULL,
				lease_version = 0, lease_expires_at = NULL, lease_heartbeat_at = NULL
			WHERE run_id = $1 AND workspace_id = $2`,
			runID, workspaceID,
		); err != nil {
			return fmt.Errorf("clear run lease: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE run_attempts SET released_at = $1, release_reason = $2
			WHERE run_id = $3 AND released_at IS NULL`,
			env.OccurredAt, eventType, runID,
		); err != nil {
			return fmt.Errorf("close run attempt: %w", err)
		}

		finished, err = svc.getRun(ctx, tx, workspaceID, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return finished, nil
}

// CreateStep appends a step to a running or queued run.
func (svc *Service) CreateStep(ctx context.Context, workspaceID, runID, title string, actor contracts.Actor) (string, error) {
	if title == "" {
		return "", contracts.NewError(contracts.ReasonMissingRequiredField, "title is required")
	}
	stepID := uuid.New().String()
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := svc.getRun(ctx, tx, workspaceID, runID)
		if err != nil {
			return err
		}
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventStepCreated,
			WorkspaceID:   workspaceID,
			RoomID:        current.RoomID,
			ThreadID:      current.ThreadID,
			RunID:         runID,
			StepID:        stepID,
			Actor:         actor,
			Stream:        runEventStream(current.RoomID, workspaceID),
			CorrelationID: current.CorrelationID,
			Data:          map[string]any{"title": title},
		})
		if err != nil {
			return err
		}
		return svc.registry.Apply(ctx, tx, env)
	})
	if err != nil {
		return "", err
	}
	return stepID, nil
}

// GetRun loads one run.
func (svc *Service) GetRun(ctx context.Context, workspaceID, runID string) (*Run, error) {
	return svc.getRun(ctx, svc.store.DB(), workspaceID, runID)
}

func (svc *Service) getRun(ctx context.Context, q store.Querier, workspaceID, runID string) (*Run, error) {
	var (
		r                                        Run
		roomID, threadID, experimentID           sql.NullString
		title, goal, input, output, errMsg, tags sql.NullString
		correlationID, claimToken, claimedBy     sql.NullString
		leaseExpires                             sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT run_id, workspace_id, room_id, thread_id, experiment_id, status,
		       title, goal, input, output, error, tags, correlation_id,
		       claim_token, claimed_by_actor_id, lease_version, lease_expires_at,
		       created_at, updated_at
		FROM runs WHERE workspace_id = $1 AND run_id = $2`,
		workspaceID, runID,
	).Scan(&r.RunID, &r.WorkspaceID, &roomID, &threadID, &experimentID, &r.Status,
		&title, &goal, &input, &output, &errMsg, &tags, &correlationID,
		&claimToken, &claimedBy, &r.LeaseVersion, &leaseExpires,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewError(contracts.ReasonNotFound, "run "+runID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	r.RoomID, r.ThreadID, r.ExperimentID = roomID.String, threadID.String, experimentID.String
	r.Title, r.Goal, r.Input, r.Output = title.String, goal.String, input.String, output.String
	r.Error, r.Tags = errMsg.String, tags.String
	r.CorrelationID = correlationID.String
	r.ClaimToken, r.ClaimedBy = claimToken.String, claimedBy.String
	if leaseExpires.Valid {
		t := leaseExpires.Time.UTC()
		r.LeaseExpires = &t
	}
	return &r, nil
}

// ListRuns returns workspace runs, newest first, optionally filtered by
// status. limit is clamped to [1, 200].
func (svc *Service) ListRuns(ctx context.Context, workspaceID, status string, limit int) ([]*Run, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query := `SELECT run_id FROM runs WHERE workspace_id = $1`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + fmt.Sprint(limit)

	rows, err := svc.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(ids))
	for _, id := range ids {
		r, err := svc.getRun(ctx, svc.store.DB(), workspaceID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// runEventStream orders run events on the room stream when bound to a
// room, otherwise on the workspace stream.
func runEventStream(roomID, workspaceID string) contracts.Stream {
	if roomID != "" {
		return contracts.Stream{Type: contracts.StreamRoom, ID: roomID}
	}
	return contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID}
}
