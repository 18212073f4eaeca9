package projector

import (
	"context"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// IncidentProjector materializes the incidents and incident_learnings
// tables, maintaining the rca_updated_at and learning_count fields the
// close gate reads.
type IncidentProjector struct{}

func (p *IncidentProjector) Name() string { return "incident" }

func (p *IncidentProjector) Handles(k Kind) bool {
	switch k {
	case KindIncidentOpened, KindIncidentRCAUpdated, KindIncidentLearningLogged, KindIncidentClosed:
		return true
	}
	return false
}

func (p *IncidentProjector) Apply(ctx context.Context, q store.Querier, env *contracts.EventEnvelope) error {
	incidentID := str(env.Data, "incident_id")
	switch KindOf(env.EventType) {
	case KindIncidentOpened:
		_, err := q.ExecContext(ctx, `
			INSERT INTO incidents (
				incident_id, workspace_id, run_id, room_id, thread_id, correlation_id,
				severity, status, created_at, updated_at, last_event_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,'open',$8,$8,$9)
			ON CONFLICT (incident_id) DO NOTHING`,
			incidentID, env.WorkspaceID, env.RunID, env.RoomID, env.ThreadID, env.CorrelationID,
			str(env.Data, "severity"), env.OccurredAt, env.EventID,
		)
		return err

	case KindIncidentRCAUpdated:
		_, err := q.ExecContext(ctx, `
			UPDATE incidents SET rca = $1, rca_updated_at = $2, updated_at = $2, last_event_id = $3
			WHERE incident_id = $4 AND workspace_id = $5 AND status = 'open'`,
			jsonText(env.Data, "rca"), env.OccurredAt, env.EventID, incidentID, env.WorkspaceID,
		)
		return err

	case KindIncidentLearningLogged:
		// The learning row is keyed by event id, so a replay inserts
		// nothing and the count stays correct.
		res, err := q.ExecContext(ctx, `
			INSERT INTO incident_learnings (learning_id, incident_id, workspace_id, note, logged_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (learning_id) DO NOTHING`,
			env.EventID, incidentID, env.WorkspaceID, str(env.Data, "note"), env.Actor.ID, env.OccurredAt,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = q.ExecContext(ctx, `
			UPDATE incidents SET learning_count = learning_count + 1, updated_at = $1, last_event_id = $2
			WHERE incident_id = $3 AND workspace_id = $4`,
			env.OccurredAt, env.EventID, incidentID, env.WorkspaceID,
		)
		return err

	case KindIncidentClosed:
		_, err := q.ExecContext(ctx, `
			UPDATE incidents SET status = 'closed', updated_at = $1, last_event_id = $2
			WHERE incident_id = $3 AND workspace_id = $4 AND status = 'open'`,
			env.OccurredAt, env.EventID, incidentID, env.WorkspaceID,
		)
		return err
	}
	return nil
}
