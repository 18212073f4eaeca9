package projector

import (
	"context"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// RunProjector materializes the runs and run_steps tables from run
// lifecycle events. Claim-lease fields on the run row are owned by the
// lease manager, which writes them in the same transaction as its events;
// this projector only moves status and payload fields.
type RunProjector struct{}

func (p *RunProjector) Name() string { return "run" }

func (p *RunProjector) Handles(k Kind) bool {
	switch k {
	case KindRunCreated, KindRunStarted, KindRunCompleted, KindRunFailed, KindStepCreated:
		return true
	}
	return false
}

func (p *RunProjector) Apply(ctx context.Context, q store.Querier, env *contracts.EventEnvelope) error {
	switch KindOf(env.EventType) {
	case KindRunCreated:
		_, err := q.ExecContext(ctx, `
			INSERT INTO runs (
				run_id, workspace_id, room_id, thread_id, experiment_id,
				status, title, goal, input, tags, correlation_id,
				created_at, updated_at, last_event_id
			) VALUES ($1,$2,$3,$4,$5,'queued',$6,$7,$8,$9,$10,$11,$11,$12)
			ON CONFLICT (run_id) DO NOTHING`,
			env.RunID, env.WorkspaceID, env.RoomID, env.ThreadID, str(env.Data, "experiment_id"),
			str(env.Data, "title"), str(env.Data, "goal"), jsonText(env.Data, "input"),
			jsonText(env.Data, "tags"), env.CorrelationID,
			env.OccurredAt, env.EventID,
		)
		return err

	case KindRunStarted:
		// Transition is guarded on the queued state so a replayed start
		// cannot clobber a later completion.
		_, err := q.ExecContext(ctx, `
			UPDATE runs SET status = 'running', updated_at = $1, last_event_id = $2
			WHERE run_id = $3 AND status = 'queued'`,
			env.OccurredAt, env.EventID, env.RunID,
		)
		return err

	case KindRunCompleted:
		_, err := q.ExecContext(ctx, `
			UPDATE runs SET status = 'succeeded', output = $1, updated_at = $2, last_event_id = $3
			WHERE run_id = $4 AND status IN ('queued', 'running')`,
			jsonText(env.Data, "output"), env.OccurredAt, env.EventID, env.RunID,
		)
		return err

	case KindRunFailed:
		_, err := q.ExecContext(ctx, `
			UPDATE runs SET status = 'failed', error = $1, updated_at = $2, last_event_id = $3
			WHERE run_id = $4 AND status IN ('queued', 'running')`,
			str(env.Data, "error"), env.OccurredAt, env.EventID, env.RunID,
		)
		return err

	case KindStepCreated:
		_, err := q.ExecContext(ctx, `
			INSERT INTO run_steps (step_id, run_id, workspace_id, title, created_at, last_event_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (step_id) DO NOTHING`,
			env.StepID, env.RunID, env.WorkspaceID, str(env.Data, "title"), env.OccurredAt, env.EventID,
		)
		return err
	}
	return nil
}
