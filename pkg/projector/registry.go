package projector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// Projector applies one committed event to its derived tables. Apply must
// be a pure function of (event, tx): no clocks, no side channels, and
// reapplying the same event must leave state unchanged.
type Projector interface {
	Name() string
	Handles(k Kind) bool
	Apply(ctx context.Context, q store.Querier, env *contracts.EventEnvelope) error
}

// Registry dispatches events to registered projectors and tracks
// per-projector watermarks.
type Registry struct {
	projectors []Projector
}

// NewRegistry builds a registry with the core projector set.
func NewRegistry(projectors ...Projector) *Registry {
	return &Registry{projectors: projectors}
}

// Default returns the registry every deployment runs: rooms/threads/
// messages, runs, approvals, experiments, incidents, and the pipeline
// inputs (evidence, scorecards).
func Default() *Registry {
	return NewRegistry(
		&CoreProjector{},
		&RunProjector{},
		&ApprovalProjector{},
		&ExperimentProjector{},
		&IncidentProjector{},
		&EvidenceProjector{},
	)
}

// Projectors returns the registered projector list.
func (r *Registry) Projectors() []Projector { return r.projectors }

// Apply routes the event to every projector handling its kind, inside the
// caller's transaction, and advances the matching watermarks. Any failure
// aborts the caller's transaction, making commands all-or-nothing.
func (r *Registry) Apply(ctx context.Context, tx *store.Tx, env *contracts.EventEnvelope) error {
	kind := KindOf(env.EventType)
	if kind == KindUnknown {
		return nil
	}
	for _, p := range r.projectors {
		if !p.Handles(kind) {
			continue
		}
		if err := p.Apply(ctx, tx, env); err != nil {
			return fmt.Errorf("projector %s: event %s: %w", p.Name(), env.EventID, err)
		}
		if err := advanceWatermark(ctx, tx, p.Name(), env.WorkspaceID, env.OccurredAt, env.EventID); err != nil {
			return err
		}
	}
	return nil
}

// advanceWatermark records the last applied event per (projector,
// workspace). The watermark only moves forward; catch-up replays of older
// events leave it untouched.
func advanceWatermark(ctx context.Context, q store.Querier, projector, workspaceID string, at time.Time, eventID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO projector_watermarks (projector, workspace_id, last_applied_at, last_event_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (projector, workspace_id) DO UPDATE
		SET last_applied_at = excluded.last_applied_at,
		    last_event_id = excluded.last_event_id
		WHERE excluded.last_applied_at > projector_watermarks.last_applied_at`,
		projector, workspaceID, at, eventID,
	)
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", projector, err)
	}
	return nil
}

// Watermark reads the stored watermark for a projector and workspace.
// The zero time means no event has been applied yet.
func Watermark(ctx context.Context, q store.Querier, projector, workspaceID string) (time.Time, string, error) {
	var (
		at time.Time
		id string
	)
	err := q.QueryRowContext(ctx, `
		SELECT last_applied_at, last_event_id FROM projector_watermarks
		WHERE projector = $1 AND workspace_id = $2`,
		projector, workspaceID,
	).Scan(&at, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, "", nil
	}
	if err != nil {
		return time.Time{}, "", fmt.Errorf("read watermark %s: %w", projector, err)
	}
	return at, id, nil
}
