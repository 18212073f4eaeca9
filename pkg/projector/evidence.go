package projector

import (
	"context"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// EvidenceProjector materializes evidence manifests and scorecards, the
// review-side inputs of the pipeline stage resolver.
type EvidenceProjector struct{}

func (p *EvidenceProjector) Name() string { return "evidence" }

func (p *EvidenceProjector) Handles(k Kind) bool {
	switch k {
	case KindEvidenceCreated, KindEvidenceReviewed, KindScorecardRecorded:
		return true
	}
	return false
}

func (p *EvidenceProjector) Apply(ctx context.Context, q store.Querier, env *contracts.EventEnvelope) error {
	switch KindOf(env.EventType) {
	case KindEvidenceCreated:
		_, err := q.ExecContext(ctx, `
			INSERT INTO evidence_manifests (evidence_id, workspace_id, run_id, status, created_at, updated_at, last_event_id)
			VALUES ($1, $2, $3, 'created', $4, $4, $5)
			ON CONFLICT (evidence_id) DO NOTHING`,
			str(env.Data, "evidence_id"), env.WorkspaceID, env.RunID, env.OccurredAt, env.EventID,
		)
		return err

	case KindEvidenceReviewed:
		// status moves created → under_review → (accepted | rejected)
		_, err := q.ExecContext(ctx, `
			UPDATE evidence_manifests SET status = $1, updated_at = $2, last_event_id = $3
			WHERE evidence_id = $4 AND workspace_id = $5 AND status NOT IN ('accepted', 'rejected')`,
			str(env.Data, "status"), env.OccurredAt, env.EventID,
			str(env.Data, "evidence_id"), env.WorkspaceID,
		)
		return err

	case KindScorecardRecorded:
		_, err := q.ExecContext(ctx, `
			INSERT INTO scorecards (scorecard_id, workspace_id, run_id, evidence_id, decision, created_at, updated_at, last_event_id)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
			ON CONFLICT (scorecard_id) DO UPDATE SET
				decision = excluded.decision,
				updated_at = excluded.updated_at,
				last_event_id = excluded.last_event_id
			WHERE excluded.updated_at > scorecards.updated_at`,
			str(env.Data, "scorecard_id"), env.WorkspaceID, env.RunID, str(env.Data, "evidence_id"),
			str(env.Data, "decision"), env.OccurredAt, env.EventID,
		)
		return err
	}
	return nil
}
