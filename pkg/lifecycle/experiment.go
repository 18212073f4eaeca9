// Package lifecycle implements the stateful experiment and incident
// machines: creation validation, open-only updates, and the gated close
// transitions.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

// Experiment statuses.
const (
	ExperimentOpen    = "open"
	ExperimentClosed  = "closed"
	ExperimentStopped = "stopped"
)

var riskTiers = map[string]struct{}{"low": {}, "medium": {}, "high": {}}

// Experiment is the projected experiment row.
type Experiment struct {
	ExperimentID    string    `json:"experiment_id"`
	WorkspaceID     string    `json:"workspace_id"`
	RoomID          string    `json:"room_id,omitempty"`
	Title           string    `json:"title"`
	Hypothesis      string    `json:"hypothesis,omitempty"`
	SuccessCriteria string    `json:"success_criteria,omitempty"`
	StopConditions  string    `json:"stop_conditions,omitempty"`
	BudgetCapUnits  int64     `json:"budget_cap_units"`
	RiskTier        string    `json:"risk_tier"`
	Status          string    `json:"status"`
	CloseReason     string    `json:"close_reason,omitempty"`
	ActiveRunCount  int64     `json:"active_run_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Service owns experiment and incident state.
type Service struct {
	store    *store.Store
	events   *eventstore.EventStore
	registry *projector.Registry
	clock    func() time.Time
}

// NewService wires the lifecycle service.
func NewService(s *store.Store, es *eventstore.EventStore, reg *projector.Registry) *Service {
	return &Service{store: s, events: es, registry: reg, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (svc *Service) WithClock(clock func() time.Time) *Service {
	svc.clock = clock
	return svc
}

// ExperimentInput is the create/update payload.
type ExperimentInput struct {
	Title           string `json:"title"`
	Hypothesis      string `json:"hypothesis"`
	SuccessCriteria any    `json:"success_criteria,omitempty"`
	StopConditions  any    `json:"stop_conditions,omitempty"`
	BudgetCapUnits  int64  `json:"budget_cap_units"`
	RiskTier        string `json:"risk_tier"`
	RoomID          string `json:"room_id,omitempty"`
}

// CreateExperiment validates and creates an open experiment.
func (svc *Service) CreateExperiment(ctx context.Context, workspaceID string, in *ExperimentInput, actor contracts.Actor, correlationID string) (*Experiment, error) {
	switch {
	case in.Title == "":
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "title is required")
	case in.Hypothesis == "":
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "hypothesis is required")
	case in.BudgetCapUnits < 0:
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "budget_cap_units must be >= 0")
	}
	if _, ok := riskTiers[in.RiskTier]; !ok {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField,
			"risk_tier must be low, medium, or high")
	}

	experimentID := uuid.New().String()
	var created *Experiment
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		data := map[string]any{
			"experiment_id":    experimentID,
			"title":            in.Title,
			"hypothesis":       in.Hypothesis,
			"budget_cap_units": in.BudgetCapUnits,
			"risk_tier":        in.RiskTier,
		}
		if in.SuccessCriteria != nil {
			data["success_criteria"] = in.SuccessCriteria
		}
		if in.StopConditions != nil {
			data["stop_conditions"] = in.StopConditions
		}
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventExperimentCreated,
			WorkspaceID:   workspaceID,
			RoomID:        in.RoomID,
			Actor:         actor,
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			Data:          data,
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		created, err = svc.getExperiment(ctx, tx, workspaceID, experimentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateExperiment changes mutable fields of an open experiment.
func (svc *Service) UpdateExperiment(ctx context.Context, workspaceID, experimentID string, in *ExperimentInput, actor contracts.Actor, correlationID string) (*Experiment, error) {
	var updated *Experiment
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := svc.getExperiment(ctx, tx, workspaceID, experimentID)
		if err != nil {
			return err
		}
		if current.Status != ExperimentOpen {
			return contracts.NewError(contracts.ReasonExperimentNotOpen,
				"experiment is "+current.Status).WithDetail("status", current.Status)
		}
		data := map[string]any{"experiment_id": experimentID}
		if in.Title != "" {
			data["title"] = in.Title
		}
		if in.Hypothesis != "" {
			data["hypothesis"] = in.Hypothesis
		}
		if in.SuccessCriteria != nil {
			data["success_criteria"] = in.SuccessCriteria
		}
		if in.StopConditions != nil {
			data["stop_conditions"] = in.StopConditions
		}
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventExperimentUpdated,
			WorkspaceID:   workspaceID,
			Actor:         actor,
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			Data:          data,
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		updated, err = svc.getExperiment(ctx, tx, workspaceID, experimentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CloseExperiment closes an open experiment. Active runs block the close
// unless force is set, in which case the experiment stops instead of
// closing cleanly.
func (svc *Service) CloseExperiment(ctx context.Context, workspaceID, experimentID string, force bool, reason string, actor contracts.Actor, correlationID string) (*Experiment, error) {
	var closed *Experiment
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := svc.getExperiment(ctx, tx, workspaceID, experimentID)
		if err != nil {
			return err
		}
		if current.Status != ExperimentOpen {
			return contracts.NewError(contracts.ReasonExperimentNotOpen,
				"experiment is "+current.Status).WithDetail("status", current.Status)
		}

		var activeRuns int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM runs
			WHERE workspace_id = $1 AND experiment_id = $2 AND status IN ('queued', 'running')`,
			workspaceID, experimentID,
		).Scan(&activeRuns); err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}

		finalStatus := ExperimentClosed
		if activeRuns > 0 {
			if !force {
				return contracts.NewError(contracts.ReasonExperimentHasActiveRuns,
					"experiment has active runs").WithDetail("active_run_count", activeRuns)
			}
			finalStatus = ExperimentStopped
		}

		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventExperimentClosed,
			WorkspaceID:   workspaceID,
			Actor:         actor,
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			Data: map[string]any{
				"experiment_id":    experimentID,
				"status":           finalStatus,
				"reason":           reason,
				"active_run_count": activeRuns,
			},
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		closed, err = svc.getExperiment(ctx, tx, workspaceID, experimentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// GetExperiment loads one experiment.
func (svc *Service) GetExperiment(ctx context.Context, workspaceID, experimentID string) (*Experiment, error) {
	return svc.getExperiment(ctx, svc.store.DB(), workspaceID, experimentID)
}

func (svc *Service) getExperiment(ctx context.Context, q store.Querier, workspaceID, experimentID string) (*Experiment, error) {
	var (
		e                                           Experiment
		roomID, hypothesis, criteria, stops, reason sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT experiment_id, workspace_id, room_id, title, hypothesis,
		       success_criteria, stop_conditions, budget_cap_units, risk_tier,
		       status, close_reason, active_run_count, created_at, updated_at
		FROM experiments WHERE workspace_id = $1 AND experiment_id = $2`,
		workspaceID, experimentID,
	).Scan(&e.ExperimentID, &e.WorkspaceID, &roomID, &e.Title, &hypothesis,
		&criteria, &stops, &e.BudgetCapUnits, &e.RiskTier,
		&e.Status, &reason, &e.ActiveRunCount, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewError(contracts.ReasonNotFound, "experiment "+experimentID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load experiment: %w", err)
	}
	e.RoomID = roomID.String
	e.Hypothesis = hypothesis.String
	e.SuccessCriteria = criteria.String
	e.StopConditions = stops.String
	e.CloseReason = reason.String
	return &e, nil
}
