package projector

import (
	"context"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// ExperimentProjector materializes the experiments table.
type ExperimentProjector struct{}

func (p *ExperimentProjector) Name() string { return "experiment" }

func (p *ExperimentProjector) Handles(k Kind) bool {
	switch k {
	case KindExperimentCreated, KindExperimentUpdated, KindExperimentClosed:
		return true
	}
	return false
}

func (p *ExperimentProjector) Apply(ctx context.Context, q store.Querier, env *contracts.EventEnvelope) error {
	experimentID := str(env.Data, "experiment_id")
	switch KindOf(env.EventType) {
	case KindExperimentCreated:
		_, err := q.ExecContext(ctx, `
			INSERT INTO experiments (
				experiment_id, workspace_id, room_id, title, hypothesis,
				success_criteria, stop_conditions, budget_cap_units, risk_tier,
				status, created_at, updated_at, last_event_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'open',$10,$10,$11)
			ON CONFLICT (experiment_id) DO NOTHING`,
			experimentID, env.WorkspaceID, env.RoomID,
			str(env.Data, "title"), str(env.Data, "hypothesis"),
			jsonText(env.Data, "success_criteria"), jsonText(env.Data, "stop_conditions"),
			integer(env.Data, "budget_cap_units"), str(env.Data, "risk_tier"),
			env.OccurredAt, env.EventID,
		)
		return err

	case KindExperimentUpdated:
		_, err := q.ExecContext(ctx, `
			UPDATE experiments SET
				title = COALESCE(NULLIF($1, ''), title),
				hypothesis = COALESCE(NULLIF($2, ''), hypothesis),
				success_criteria = COALESCE(NULLIF($3, ''), success_criteria),
				stop_conditions = COALESCE(NULLIF($4, ''), stop_conditions),
				updated_at = $5, last_event_id = $6
			WHERE experiment_id = $7 AND workspace_id = $8 AND status = 'open'`,
			str(env.Data, "title"), str(env.Data, "hypothesis"),
			jsonText(env.Data, "success_criteria"), jsonText(env.Data, "stop_conditions"),
			env.OccurredAt, env.EventID, experimentID, env.WorkspaceID,
		)
		return err

	case KindExperimentClosed:
		// The close event carries the final status (closed or stopped) and
		// a snapshot of the active-run count at close time.
		_, err := q.ExecContext(ctx, `
			UPDATE experiments SET
				status = $1, close_reason = $2, active_run_count = $3,
				updated_at = $4, last_event_id = $5
			WHERE experiment_id = $6 AND workspace_id = $7 AND status = 'open'`,
			str(env.Data, "status"), str(env.Data, "reason"), integer(env.Data, "active_run_count"),
			env.OccurredAt, env.EventID, experimentID, env.WorkspaceID,
		)
		return err
	}
	return nil
}
