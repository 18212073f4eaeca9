// Package approval implements the approval lifecycle: requesting a gated
// decision, deciding it, resolving reaction-sourced decisions, and the
// autonomy-recommendation approval flow that mints capability tokens.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/identity"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

// Approval statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusHeld     = "held"
)

// Approval is the projected approval row.
type Approval struct {
	ApprovalID  string     `json:"approval_id"`
	WorkspaceID string     `json:"workspace_id"`
	ActionCode  string     `json:"action_code"`
	ScopeType   string     `json:"scope_type"`
	Scope       any        `json:"scope,omitempty"`
	Status      string     `json:"status"`
	RequestedBy string     `json:"requested_by,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastEventID string     `json:"last_event_id,omitempty"`
}

// Terminal reports whether the approval can no longer move.
func (a *Approval) Terminal() bool {
	return a.Status == StatusApproved || a.Status == StatusDenied
}

// Service owns approvals and autonomy-recommendation decisions.
type Service struct {
	store    *store.Store
	events   *eventstore.EventStore
	registry *projector.Registry
	identity *identity.Service
	clock    func() time.Time
}

// NewService wires the approval service.
func NewService(s *store.Store, es *eventstore.EventStore, reg *projector.Registry, ids *identity.Service) *Service {
	return &Service{store: s, events: es, registry: reg, identity: ids, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (svc *Service) WithClock(clock func() time.Time) *Service {
	svc.clock = clock
	return svc
}

// RequestInput describes a new approval.
type RequestInput struct {
	WorkspaceID   string
	ActionCode    string
	ScopeType     string
	Scope         any
	RequestedBy   contracts.Actor
	ExpiresAt     *time.Time
	CorrelationID string
}

// Request creates a pending approval via approval.requested.
func (svc *Service) Request(ctx context.Context, in *RequestInput) (*Approval, error) {
	if in.ActionCode == "" || in.ScopeType == "" {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "action_code and scope_type are required")
	}
	approvalID := uuid.New().String()
	data := map[string]any{
		"approval_id": approvalID,
		"action_code": in.ActionCode,
		"scope_type":  in.ScopeType,
	}
	if in.Scope != nil {
		data["scope"] = in.Scope
	}
	if in.ExpiresAt != nil {
		data["expires_at"] = in.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	var created *Approval
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventApprovalRequested,
			WorkspaceID:   in.WorkspaceID,
			Actor:         in.RequestedBy,
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: in.WorkspaceID},
			CorrelationID: in.CorrelationID,
			Data:          data,
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		created, err = svc.get(ctx, tx, in.WorkspaceID, approvalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DecideOutcome distinguishes a fresh decision from a terminal replay.
type DecideOutcome struct {
	Approval *Approval `json:"approval"`
	Replay   bool      `json:"replay"`
}

// Decide transitions an approval to approved/denied/held. Deciding an
// already-terminal approval appends the event to the log but leaves the
// projection at the first decision; the caller sees the stored state with
// replay=true.
func (svc *Service) Decide(ctx context.Context, workspaceID, approvalID, decision string, decidedBy contracts.Actor, source map[string]any, correlationID string) (*DecideOutcome, error) {
	switch decision {
	case StatusApproved, StatusDenied, StatusHeld:
	default:
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "decision must be approved, denied, or held")
	}
	var outcome *DecideOutcome
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, err := svc.get(ctx, tx, workspaceID, approvalID)
		if err != nil {
			return err
		}
		terminalBefore := existing.Terminal()

		data := map[string]any{
			"approval_id": approvalID,
			"decision":    decision,
		}
		for k, v := range source {
			data[k] = v
		}
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventApprovalDecided,
			WorkspaceID:   workspaceID,
			Actor:         decidedBy,
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			CausationID:   existing.LastEventID,
			Data:          data,
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}
		current, err := svc.get(ctx, tx, workspaceID, approvalID)
		if err != nil {
			return err
		}
		outcome = &DecideOutcome{Approval: current, Replay: terminalBefore}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// reactionDecisions maps chat emoji to decisions.
var reactionDecisions = map[string]string{
	"✅": StatusApproved,
	"👍": StatusApproved,
	"❌": StatusDenied,
	"👎": StatusDenied,
	"✋": StatusHeld,
}

// ResolveReaction maps an emoji reaction on a reply message back to the
// approval the replied-to message requested, and decides it with source
// metadata. The referenced event must be an approval.requested.
func (svc *Service) ResolveReaction(ctx context.Context, workspaceID, referencedEventID, emoji string, reactor contracts.Actor, correlationID string) (*DecideOutcome, error) {
	decision, ok := reactionDecisions[emoji]
	if !ok {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "unrecognized reaction "+emoji)
	}
	var approvalID string
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		env, err := svc.events.GetByID(ctx, tx, workspaceID, referencedEventID)
		if err != nil {
			return err
		}
		if env.EventType != contracts.EventApprovalRequested {
			return contracts.NewError(contracts.ReasonNotFound, "referenced event is not an approval request")
		}
		if id, ok := env.Data["approval_id"].(string); ok {
			approvalID = id
		}
		if approvalID == "" {
			return contracts.NewError(contracts.ReasonNotFound, "approval request carries no approval_id")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return svc.Decide(ctx, workspaceID, approvalID, decision, reactor, map[string]any{
		"source":          "reaction",
		"source_emoji":    emoji,
		"source_event_id": referencedEventID,
	}, correlationID)
}

// RecommendationOutcome is the result of approving an autonomy
// recommendation.
type RecommendationOutcome struct {
	RecommendationID string `json:"recommendation_id"`
	Status           string `json:"status"`
	TokenID          string `json:"token_id"`
	AlreadyApproved  bool   `json:"already_approved"`
}

// ApproveRecommendation consumes a pending autonomy recommendation: it
// issues a capability token carrying the recommendation's scope delta to
// the agent's principal, emits agent.capability.granted and
// autonomy.upgrade.approved, and marks the recommendation approved.
// Re-approving returns the original token id with already_approved=true;
// approving a rejected recommendation is a conflict.
func (svc *Service) ApproveRecommendation(ctx context.Context, workspaceID, recommendationID string, approvedBy contracts.Actor, correlationID string) (*RecommendationOutcome, error) {
	now := svc.clock().UTC()
	var outcome *RecommendationOutcome
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		var (
			agentID, status string
			scopeDeltaRaw   string
			tokenID         sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
			SELECT agent_id, status, scope_delta, token_id
			FROM autonomy_recommendations
			WHERE workspace_id = $1 AND recommendation_id = $2`,
			workspaceID, recommendationID,
		).Scan(&agentID, &status, &scopeDeltaRaw, &tokenID)
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.NewError(contracts.ReasonNotFound, "recommendation "+recommendationID+" not found")
		}
		if err != nil {
			return fmt.Errorf("load recommendation: %w", err)
		}

		switch status {
		case "approved":
			outcome = &RecommendationOutcome{
				RecommendationID: recommendationID,
				Status:           status,
				TokenID:          tokenID.String,
				AlreadyApproved:  true,
			}
			return nil
		case "pending":
		default:
			return contracts.NewError(contracts.ReasonRecommendationNotPending,
				"recommendation is "+status).WithDetail("status", status)
		}

		var scopes identity.Scopes
		if err := json.Unmarshal([]byte(scopeDeltaRaw), &scopes); err != nil {
			return fmt.Errorf("corrupt scope_delta for %s: %w", recommendationID, err)
		}
		agent, err := svc.identity.GetAgent(ctx, tx, workspaceID, agentID)
		if err != nil {
			return err
		}
		token, err := svc.identity.IssueCapabilityToken(ctx, tx, &identity.CapabilityToken{
			WorkspaceID:         workspaceID,
			PrincipalID:         agent.PrincipalID,
			IssuedByPrincipalID: approvedBy.PrincipalID,
			Scopes:              scopes,
			CreatedAt:           now,
		})
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE autonomy_recommendations
			SET status = 'approved', token_id = $1, decided_at = $2
			WHERE workspace_id = $3 AND recommendation_id = $4 AND status = 'pending'`,
			token.TokenID, now, workspaceID, recommendationID,
		); err != nil {
			return fmt.Errorf("approve recommendation: %w", err)
		}

		for _, eventType := range []string{contracts.EventAgentCapabilityGranted, contracts.EventAutonomyUpgradeApproved} {
			env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
				EventType:     eventType,
				WorkspaceID:   workspaceID,
				Actor:         approvedBy,
				Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
				CorrelationID: correlationID,
				Data: map[string]any{
					"recommendation_id": recommendationID,
					"agent_id":          agentID,
					"principal_id":      agent.PrincipalID,
					"token_id":          token.TokenID,
				},
			})
			if err != nil {
				return err
			}
			if err := svc.registry.Apply(ctx, tx, env); err != nil {
				return err
			}
		}

		outcome = &RecommendationOutcome{
			RecommendationID: recommendationID,
			Status:           "approved",
			TokenID:          token.TokenID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Get loads an approval by id.
func (svc *Service) Get(ctx context.Context, workspaceID, approvalID string) (*Approval, error) {
	return svc.get(ctx, svc.store.DB(), workspaceID, approvalID)
}

func (svc *Service) get(ctx context.Context, q store.Querier, workspaceID, approvalID string) (*Approval, error) {
	var (
		a           Approval
		scope       sql.NullString
		requestedBy sql.NullString
		decidedBy   sql.NullString
		decidedAt   sql.NullTime
		expiresAt   sql.NullTime
		lastEventID sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT approval_id, workspace_id, action_code, scope_type, scope, status,
		       requested_by, decided_by, decided_at, expires_at, created_at, last_event_id
		FROM approvals WHERE workspace_id = $1 AND approval_id = $2`,
		workspaceID, approvalID,
	).Scan(&a.ApprovalID, &a.WorkspaceID, &a.ActionCode, &a.ScopeType, &scope, &a.Status,
		&requestedBy, &decidedBy, &decidedAt, &expiresAt, &a.CreatedAt, &lastEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewError(contracts.ReasonNotFound, "approval "+approvalID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load approval: %w", err)
	}
	if scope.Valid && scope.String != "" {
		var v any
		if err := json.Unmarshal([]byte(scope.String), &v); err == nil {
			a.Scope = v
		}
	}
	a.RequestedBy = requestedBy.String
	a.DecidedBy = decidedBy.String
	a.LastEventID = lastEventID.String
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		a.DecidedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		a.ExpiresAt = &t
	}
	return &a, nil
}

// List returns workspace approvals, newest first, optionally filtered by
// status. limit is clamped to [1, 200].
func (svc *Service) List(ctx context.Context, workspaceID, status string, limit int) ([]*Approval, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query := `
		SELECT approval_id FROM approvals
		WHERE workspace_id = $1`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + fmt.Sprint(limit)

	rows, err := svc.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Approval, 0, len(ids))
	for _, id := range ids {
		a, err := svc.get(ctx, svc.store.DB(), workspaceID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
