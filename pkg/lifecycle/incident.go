package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/store"
)

// Incident statuses.
const (
	IncidentOpen   = "open"
	IncidentClosed = "closed"
)

// Incident is the projected incident row.
type Incident struct {
	IncidentID    string     `json:"incident_id"`
	WorkspaceID   string     `json:"workspace_id"`
	RunID         string     `json:"run_id,omitempty"`
	RoomID        string     `json:"room_id,omitempty"`
	ThreadID      string     `json:"thread_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Severity      string     `json:"severity"`
	Status        string     `json:"status"`
	RCA           string     `json:"rca,omitempty"`
	RCAUpdatedAt  *time.Time `json:"rca_updated_at,omitempty"`
	LearningCount int64      `json:"learning_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// OpenIncidentInput describes a new incident. Run binding is optional;
// when present, the run's room, thread, and correlation id are inherited
// unless explicitly overridden.
type OpenIncidentInput struct {
	RunID         string `json:"run_id,omitempty"`
	RoomID        string `json:"room_id,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	Severity      string `json:"severity"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// OpenIncident opens an incident, inheriting location from a bound run.
func (svc *Service) OpenIncident(ctx context.Context, workspaceID string, in *OpenIncidentInput, actor contracts.Actor) (*Incident, error) {
	if in.Severity == "" {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "severity is required")
	}
	incidentID := uuid.New().String()
	var opened *Incident
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		roomID, threadID, correlationID := in.RoomID, in.ThreadID, in.CorrelationID
		if in.RunID != "" {
			var runRoom, runThread, runCorrelation sql.NullString
			err := tx.QueryRowContext(ctx,
				`SELECT room_id, thread_id, correlation_id FROM runs WHERE workspace_id = $1 AND run_id = $2`,
				workspaceID, in.RunID,
			).Scan(&runRoom, &runThread, &runCorrelation)
			if errors.Is(err, sql.ErrNoRows) {
				return contracts.NewError(contracts.ReasonNotFound, "run "+in.RunID+" not found")
			}
			if err != nil {
				return fmt.Errorf("load bound run: %w", err)
			}
			if roomID == "" {
				roomID = runRoom.String
			}
			if threadID == "" {
				threadID = runThread.String
			}
			if correlationID == "" {
				correlationID = runCorrelation.String
			}
		}
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventIncidentOpened,
			WorkspaceID:   workspaceID,
			RoomID:        roomID,
			ThreadID:      threadID,
			RunID:         in.RunID,
			Actor:         actor,
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			Data: map[string]any{
				"incident_id": incidentID,
				"severity":    in.Severity,
			},
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		opened, err = svc.getIncident(ctx, tx, workspaceID, incidentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// UpdateRCA records the root-cause analysis of an open incident. Closed
// incidents reject every mutation with incident_closed.
func (svc *Service) UpdateRCA(ctx context.Context, workspaceID, incidentID string, rca map[string]any, actor contracts.Actor) (*Incident, error) {
	if len(rca) == 0 {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "rca payload is required")
	}
	var updated *Incident
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := svc.getIncident(ctx, tx, workspaceID, incidentID)
		if err != nil {
			return err
		}
		if current.Status != IncidentOpen {
			return contracts.NewError(contracts.ReasonIncidentClosed, "incident is closed")
		}
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventIncidentRCAUpdated,
			WorkspaceID:   workspaceID,
			Actor:         actor,
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: current.CorrelationID,
			Data:          map[string]any{"incident_id": incidentID, "rca": rca},
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		updated, err = svc.getIncident(ctx, tx, workspaceID, incidentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// LogLearning appends a learning note to an open incident.
func (svc *Service) LogLearning(ctx context.Context, workspaceID, incidentID, note string, actor contracts.Actor) (*Incident, error) {
	if note == "" {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "note is required")
	}
	var updated *Incident
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := svc.getIncident(ctx, tx, workspaceID, incidentID)
		if err != nil {
			return err
		}
		if current.Status != IncidentOpen {
			return contracts.NewError(contracts.ReasonIncidentClosed, "incident is closed")
		}
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventIncidentLearningLogged,
			WorkspaceID:   workspaceID,
			Actor:         actor,
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: current.CorrelationID,
			Data:          map[string]any{"incident_id": incidentID, "note": note},
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		updated, err = svc.getIncident(ctx, tx, workspaceID, incidentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CloseIncident closes an open incident. The close gate requires a
// recorded RCA and at least one learning; each missing piece has its own
// conflict code so the caller knows what to supply.
func (svc *Service) CloseIncident(ctx context.Context, workspaceID, incidentID string, actor contracts.Actor) (*Incident, error) {
	var closed *Incident
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := svc.getIncident(ctx, tx, workspaceID, incidentID)
		if err != nil {
			return err
		}
		if current.Status != IncidentOpen {
			return contracts.NewError(contracts.ReasonIncidentClosed, "incident is closed")
		}
		if current.RCAUpdatedAt == nil {
			return contracts.NewError(contracts.ReasonIncidentCloseMissingRCA,
				"incident close requires a recorded rca")
		}
		if current.LearningCount < 1 {
			return contracts.NewError(contracts.ReasonIncidentCloseNoLearning,
				"incident close requires at least one learning")
		}
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventIncidentClosed,
			WorkspaceID:   workspaceID,
			Actor:         actor,
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: current.CorrelationID,
			Data:          map[string]any{"incident_id": incidentID},
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		closed, err = svc.getIncident(ctx, tx, workspaceID, incidentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// GetIncident loads one incident.
func (svc *Service) GetIncident(ctx context.Context, workspaceID, incidentID string) (*Incident, error) {
	return svc.getIncident(ctx, svc.store.DB(), workspaceID, incidentID)
}

func (svc *Service) getIncident(ctx context.Context, q store.Querier, workspaceID, incidentID string) (*Incident, error) {
	var (
		i                                      Incident
		runID, roomID, threadID, correlationID sql.NullString
		rca                                    sql.NullString
		rcaUpdatedAt                           sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT incident_id, workspace_id, run_id, room_id, thread_id, correlation_id,
		       severity, status, rca, rca_updated_at, learning_count, created_at, updated_at
		FROM incidents WHERE workspace_id = $1 AND incident_id = $2`,
		workspaceID, incidentID,
	).Scan(&i.IncidentID, &i.WorkspaceID, &runID, &roomID, &threadID, &correlationID,
		&i.Severity, &i.Status, &rca, &rcaUpdatedAt, &i.LearningCount, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewError(contracts.ReasonNotFound, "incident "+incidentID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load incident: %w", err)
	}
	i.RunID, i.RoomID, i.ThreadID = runID.String, roomID.String, threadID.String
	i.CorrelationID = correlationID.String
	i.RCA = rca.String
	if rcaUpdatedAt.Valid {
		t := rcaUpdatedAt.Time.UTC()
		i.RCAUpdatedAt = &t
	}
	return &i, nil
}
