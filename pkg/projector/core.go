package projector

import (
	"context"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// CoreProjector materializes the conversational containers: rooms,
// threads, messages.
type CoreProjector struct{}

func (p *CoreProjector) Name() string { return "core" }

func (p *CoreProjector) Handles(k Kind) bool {
	switch k {
	case KindRoomCreated, KindThreadCreated, KindMessageCreated:
		return true
	}
	return false
}

func (p *CoreProjector) Apply(ctx context.Context, q store.Querier, env *contracts.EventEnvelope) error {
	switch KindOf(env.EventType) {
	case KindRoomCreated:
		_, err := q.ExecContext(ctx, `
			INSERT INTO rooms (room_id, workspace_id, title, created_at, last_event_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (room_id) DO NOTHING`,
			env.RoomID, env.WorkspaceID, str(env.Data, "title"), env.OccurredAt, env.EventID,
		)
		return err
	case KindThreadCreated:
		_, err := q.ExecContext(ctx, `
			INSERT INTO threads (thread_id, workspace_id, room_id, title, created_at, last_event_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (thread_id) DO NOTHING`,
			env.ThreadID, env.WorkspaceID, env.RoomID, str(env.Data, "title"), env.OccurredAt, env.EventID,
		)
		return err
	case KindMessageCreated:
		_, err := q.ExecContext(ctx, `
			INSERT INTO messages (message_id, workspace_id, room_id, thread_id, author_id, created_at, last_event_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (message_id) DO NOTHING`,
			str(env.Data, "message_id"), env.WorkspaceID, env.RoomID, env.ThreadID, env.Actor.ID, env.OccurredAt, env.EventID,
		)
		return err
	}
	return nil
}
