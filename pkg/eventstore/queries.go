package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

const selectEventColumns = `
	SELECT event_id, event_type, schema_version, occurred_at, workspace_id,
	       room_id, thread_id, run_id, step_id, mission_id,
	       actor_type, actor_id, actor_principal_id,
	       stream_type, stream_id, stream_position,
	       correlation_id, causation_id,
	       data, policy_context, model_context, display_context,
	       idempotency_key`

// LoadAfter returns up to limit workspace events that occurred strictly
// after the watermark, ordered by occurred_at then stream position. This
// is the catch-up read path; cross-stream ordering is wall clock with
// position tiebreak, nothing tighter.
func (es *EventStore) LoadAfter(ctx context.Context, q store.Querier, workspaceID string, after time.Time, limit int) ([]*contracts.EventEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, selectEventColumns+`
		FROM events
		WHERE workspace_id = $1 AND occurred_at > $2
		ORDER BY occurred_at ASC, stream_position ASC
		LIMIT $3`,
		workspaceID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load after: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// CountByTypeSince counts workspace events of one type in a window,
// optionally filtered by actor id. Trust-signal derivation reads through
// this.
func (es *EventStore) CountByTypeSince(ctx context.Context, q store.Querier, workspaceID, eventType, actorID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM events WHERE workspace_id = $1 AND event_type = $2 AND occurred_at >= $3`
	args := []any{workspaceID, eventType, since}
	if actorID != "" {
		query += ` AND actor_id = $4`
		args = append(args, actorID)
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("eventstore: count by type: %w", err)
	}
	return n, nil
}

// ListByTypeSince returns workspace events of one type in a window,
// oldest first.
func (es *EventStore) ListByTypeSince(ctx context.Context, q store.Querier, workspaceID, eventType string, since time.Time) ([]*contracts.EventEnvelope, error) {
	rows, err := q.QueryContext(ctx, selectEventColumns+`
		FROM events
		WHERE workspace_id = $1 AND event_type = $2 AND occurred_at >= $3
		ORDER BY occurred_at ASC, stream_position ASC`,
		workspaceID, eventType, since,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list by type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// CountByTypeForStream counts events of one type on a single stream.
func (es *EventStore) CountByTypeForStream(ctx context.Context, q store.Querier, s contracts.Stream, eventType string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE stream_type = $1 AND stream_id = $2 AND event_type = $3`,
		string(s.Type), s.ID, eventType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("eventstore: count for stream: %w", err)
	}
	return n, nil
}

// LatestEventID returns the id and time of the most recent workspace event,
// or ErrNotFound for an empty workspace.
func (es *EventStore) LatestEventID(ctx context.Context, q store.Querier, workspaceID string) (string, time.Time, error) {
	var (
		id string
		at time.Time
	)
	err := q.QueryRowContext(ctx, `
		SELECT event_id, occurred_at FROM events
		WHERE workspace_id = $1
		ORDER BY occurred_at DESC, stream_position DESC
		LIMIT 1`,
		workspaceID,
	).Scan(&id, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, contracts.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("eventstore: latest event: %w", err)
	}
	return id, at, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*contracts.EventEnvelope, error) {
	var (
		env                                        contracts.EventEnvelope
		roomID, threadID, runID, stepID, missionID sql.NullString
		principalID, causationID, idempotencyKey   sql.NullString
		schemaVersion                              sql.NullString
		data, policyCtx, modelCtx, displayCtx      sql.NullString
		actorType, streamType                      string
	)
	err := row.Scan(
		&env.EventID, &env.EventType, &schemaVersion, &env.OccurredAt, &env.WorkspaceID,
		&roomID, &threadID, &runID, &stepID, &missionID,
		&actorType, &env.Actor.ID, &principalID,
		&streamType, &env.Stream.ID, &env.StreamPosition,
		&env.CorrelationID, &causationID,
		&data, &policyCtx, &modelCtx, &displayCtx,
		&idempotencyKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: scan: %w", err)
	}
	env.SchemaVersion = schemaVersion.String
	env.RoomID, env.ThreadID, env.RunID = roomID.String, threadID.String, runID.String
	env.StepID, env.MissionID = stepID.String, missionID.String
	env.Actor.Type = contracts.ActorType(actorType)
	env.Actor.PrincipalID = principalID.String
	env.Stream.Type = contracts.StreamType(streamType)
	env.CausationID = causationID.String
	env.IdempotencyKey = idempotencyKey.String
	for _, pair := range []struct {
		raw  sql.NullString
		dest *map[string]any
	}{
		{data, &env.Data},
		{policyCtx, &env.PolicyContext},
		{modelCtx, &env.ModelContext},
		{displayCtx, &env.DisplayContext},
	} {
		if pair.raw.Valid && pair.raw.String != "" {
			if err := json.Unmarshal([]byte(pair.raw.String), pair.dest); err != nil {
				return nil, fmt.Errorf("eventstore: corrupt payload on %s: %w", env.EventID, err)
			}
		}
	}
	return &env, nil
}

func scanEvents(rows *sql.Rows) ([]*contracts.EventEnvelope, error) {
	out := make([]*contracts.EventEnvelope, 0)
	for rows.Next() {
		env, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
