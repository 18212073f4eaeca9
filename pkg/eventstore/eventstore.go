// Package eventstore is the canonical append-only log. Every mutation in
// the control plane is mediated by an append here; projections and trust
// signals are derived exclusively from what this package persists.
//
// Guarantees:
//   - at-most-once append per (workspace_id, idempotency_key); a duplicate
//     returns the first winner verbatim, including its occurred_at
//   - stream_position is monotone within (stream_type, stream_id)
//   - causation_id is preserved when provided, never synthesized
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// EventStore appends and reads event envelopes.
type EventStore struct {
	store *store.Store
	clock func() time.Time
	newID func() string
}

// New creates an event store over the transactional store.
func New(s *store.Store) *EventStore {
	return &EventStore{
		store: s,
		clock: time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (es *EventStore) WithClock(clock func() time.Time) *EventStore {
	es.clock = clock
	return es
}

// Append persists the envelope inside tx. The returned envelope is the
// canonical row: on an idempotent replay it is the first writer's row and
// replayed is true. Callers mirroring event fields into other tables must
// use the returned occurred_at, not their own clock.
func (es *EventStore) Append(ctx context.Context, tx *store.Tx, env *contracts.EventEnvelope) (*contracts.EventEnvelope, bool, error) {
	if env.EventID == "" {
		env.EventID = es.newID()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = es.clock().UTC()
	}
	if env.SchemaVersion == "" {
		env.SchemaVersion = contracts.SupportedSchemaVersion
	}
	if err := env.Validate(); err != nil {
		return nil, false, contracts.NewError(contracts.ReasonEventValidationFailed, err.Error())
	}

	if env.IdempotencyKey != "" {
		prior, err := es.findByIdempotencyKey(ctx, tx, env.WorkspaceID, env.IdempotencyKey)
		if err != nil && !errors.Is(err, contracts.ErrNotFound) {
			return nil, false, appendFailed(err)
		}
		if prior != nil {
			return prior, true, nil
		}
	}

	pos, err := es.nextStreamPosition(ctx, tx, env.Stream)
	if err != nil {
		return nil, false, appendFailed(err)
	}
	env.StreamPosition = pos

	inserted, err := es.insert(ctx, tx, env)
	if err != nil {
		return nil, false, appendFailed(err)
	}
	if !inserted {
		// Lost the idempotency race to a concurrent writer; the unique
		// index guarantees the winner is readable now.
		prior, err := es.findByIdempotencyKey(ctx, tx, env.WorkspaceID, env.IdempotencyKey)
		if err != nil {
			return nil, false, appendFailed(err)
		}
		return prior, true, nil
	}
	return env, false, nil
}

func appendFailed(err error) error {
	return contracts.NewError(contracts.ReasonEventAppendFailed, err.Error())
}

// nextStreamPosition atomically reserves the next position of a stream.
// The upsert takes a row lock on the stream row, which serializes
// concurrent appends to the same stream.
func (es *EventStore) nextStreamPosition(ctx context.Context, tx *store.Tx, s contracts.Stream) (int64, error) {
	var pos int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO event_streams (stream_type, stream_id, next_position)
		VALUES ($1, $2, 1)
		ON CONFLICT (stream_type, stream_id)
		DO UPDATE SET next_position = event_streams.next_position + 1
		RETURNING next_position`,
		string(s.Type), s.ID,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("reserve stream position: %w", err)
	}
	return pos, nil
}

func (es *EventStore) insert(ctx context.Context, tx *store.Tx, env *contracts.EventEnvelope) (bool, error) {
	data, err := marshalBag(env.Data)
	if err != nil {
		return false, err
	}
	policyCtx, err := marshalBag(env.PolicyContext)
	if err != nil {
		return false, err
	}
	modelCtx, err := marshalBag(env.ModelContext)
	if err != nil {
		return false, err
	}
	displayCtx, err := marshalBag(env.DisplayContext)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			event_id, event_type, schema_version, occurred_at, workspace_id,
			room_id, thread_id, run_id, step_id, mission_id,
			actor_type, actor_id, actor_principal_id,
			stream_type, stream_id, stream_position,
			correlation_id, causation_id,
			data, policy_context, model_context, display_context,
			idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (workspace_id, idempotency_key) WHERE idempotency_key IS NOT NULL
		DO NOTHING`,
		env.EventID, env.EventType, env.SchemaVersion, env.OccurredAt, env.WorkspaceID,
		nullable(env.RoomID), nullable(env.ThreadID), nullable(env.RunID), nullable(env.StepID), nullable(env.MissionID),
		string(env.Actor.Type), env.Actor.ID, nullable(env.Actor.PrincipalID),
		string(env.Stream.Type), env.Stream.ID, env.StreamPosition,
		env.CorrelationID, nullable(env.CausationID),
		data, policyCtx, modelCtx, displayCtx,
		nullable(env.IdempotencyKey),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (es *EventStore) findByIdempotencyKey(ctx context.Context, q store.Querier, workspaceID, key string) (*contracts.EventEnvelope, error) {
	row := q.QueryRowContext(ctx, selectEventColumns+`
		FROM events WHERE workspace_id = $1 AND idempotency_key = $2`,
		workspaceID, key,
	)
	return scanEvent(row)
}

// GetByID loads a single event by id within a workspace.
func (es *EventStore) GetByID(ctx context.Context, q store.Querier, workspaceID, eventID string) (*contracts.EventEnvelope, error) {
	row := q.QueryRowContext(ctx, selectEventColumns+`
		FROM events WHERE workspace_id = $1 AND event_id = $2`,
		workspaceID, eventID,
	)
	return scanEvent(row)
}

func marshalBag(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal payload: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
