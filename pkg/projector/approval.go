package projector

import (
	"context"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// ApprovalProjector materializes the approvals table. A terminal approval
// (approved/denied) never moves again: later approval.decided events exist
// in the log but leave the projection at the first decision, including its
// last_event_id.
type ApprovalProjector struct{}

func (p *ApprovalProjector) Name() string { return "approval" }

func (p *ApprovalProjector) Handles(k Kind) bool {
	return k == KindApprovalRequested || k == KindApprovalDecided
}

func (p *ApprovalProjector) Apply(ctx context.Context, q store.Querier, env *contracts.EventEnvelope) error {
	switch KindOf(env.EventType) {
	case KindApprovalRequested:
		var expiresAt any
		if v := str(env.Data, "expires_at"); v != "" {
			expiresAt = v
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO approvals (
				approval_id, workspace_id, action_code, scope_type, scope,
				status, requested_by, expires_at, created_at, updated_at, last_event_id
			) VALUES ($1,$2,$3,$4,$5,'pending',$6,$7,$8,$8,$9)
			ON CONFLICT (approval_id) DO NOTHING`,
			str(env.Data, "approval_id"), env.WorkspaceID,
			str(env.Data, "action_code"), str(env.Data, "scope_type"), jsonText(env.Data, "scope"),
			env.Actor.ID, expiresAt, env.OccurredAt, env.EventID,
		)
		return err

	case KindApprovalDecided:
		// Only a pending or held approval can move; the status guard makes
		// re-decisions no-ops against the projection.
		_, err := q.ExecContext(ctx, `
			UPDATE approvals
			SET status = $1, decided_by = $2, decided_at = $3, updated_at = $3, last_event_id = $4
			WHERE approval_id = $5 AND workspace_id = $6 AND status IN ('pending', 'held')`,
			str(env.Data, "decision"), env.Actor.ID, env.OccurredAt, env.EventID,
			str(env.Data, "approval_id"), env.WorkspaceID,
		)
		return err
	}
	return nil
}
