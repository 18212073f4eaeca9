package projector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/store"
)

// Worker replays events past the stored watermarks for projections that
// fell behind, e.g. after a deploy that added a projector. Failures retry
// with exponential backoff; an event that keeps failing is routed to the
// dead-letter table and skipped so one poison event cannot stall the
// workspace.
type Worker struct {
	store    *store.Store
	events   *eventstore.EventStore
	registry *Registry
	logger   *slog.Logger

	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
}

// NewWorker builds a catch-up worker over the registry.
func NewWorker(s *store.Store, es *eventstore.EventStore, reg *Registry, logger *slog.Logger) *Worker {
	return &Worker{
		store:        s,
		events:       es,
		registry:     reg,
		logger:       logger,
		PollInterval: 2 * time.Second,
		BatchSize:    200,
		MaxAttempts:  5,
		BaseBackoff:  100 * time.Millisecond,
	}
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context, workspaceID string) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.CatchUp(ctx, workspaceID); err != nil {
				w.logger.Error("projector catch-up failed", "workspace_id", workspaceID, "error", err)
			}
		}
	}
}

// CatchUp applies one batch per projector and returns the number of events
// applied. Each event is applied in its own transaction so a late failure
// does not roll back earlier progress.
func (w *Worker) CatchUp(ctx context.Context, workspaceID string) (int, error) {
	applied := 0
	for _, p := range w.registry.Projectors() {
		mark, _, err := Watermark(ctx, w.store.DB(), p.Name(), workspaceID)
		if err != nil {
			return applied, err
		}
		batch, err := w.events.LoadAfter(ctx, w.store.DB(), workspaceID, mark, w.BatchSize)
		if err != nil {
			return applied, err
		}
		for _, env := range batch {
			if !p.Handles(KindOf(env.EventType)) {
				continue
			}
			if err := w.applyWithRetry(ctx, p, env); err != nil {
				if dlqErr := w.deadLetter(ctx, p.Name(), env, err); dlqErr != nil {
					return applied, dlqErr
				}
				continue
			}
			applied++
		}
	}
	return applied, nil
}

func (w *Worker) applyWithRetry(ctx context.Context, p Projector, env *contracts.EventEnvelope) error {
	var lastErr error
	backoff := w.BaseBackoff
	for attempt := 1; attempt <= w.MaxAttempts; attempt++ {
		lastErr = w.store.WithTx(ctx, func(tx *store.Tx) error {
			if err := p.Apply(ctx, tx, env); err != nil {
				return err
			}
			return advanceWatermark(ctx, tx, p.Name(), env.WorkspaceID, env.OccurredAt, env.EventID)
		})
		if lastErr == nil {
			return nil
		}
		w.logger.Warn("projector retry",
			"projector", p.Name(), "event_id", env.EventID,
			"attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("projector %s: event %s: %w", p.Name(), env.EventID, lastErr)
}

func (w *Worker) deadLetter(ctx context.Context, projector string, env *contracts.EventEnvelope, cause error) error {
	w.logger.Error("projector dead-letter",
		"projector", projector, "event_id", env.EventID, "error", cause)
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projector_dlq (dlq_id, projector, workspace_id, event_id, error, attempts, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New().String(), projector, env.WorkspaceID, env.EventID,
			cause.Error(), w.MaxAttempts, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("dead-letter insert: %w", err)
		}
		// Advance the watermark past the poison event so the batch moves on.
		return advanceWatermark(ctx, tx, projector, env.WorkspaceID, env.OccurredAt, env.EventID)
	})
}

// DLQBacklog counts dead-letter rows for a workspace; the health subsystem
// degrades when this crosses its threshold.
func DLQBacklog(ctx context.Context, q store.Querier, workspaceID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projector_dlq WHERE workspace_id = $1`, workspaceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dlq backlog: %w", err)
	}
	return n, nil
}
