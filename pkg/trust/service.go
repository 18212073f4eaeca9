package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/identity"
	"github.com/crewplane/core/pkg/policy"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

// scoreEpsilon is the emission threshold: score deltas at or below it are
// silent.
const scoreEpsilon = 1e-4

// State is the persisted trust row for an agent.
type State struct {
	WorkspaceID string     `json:"workspace_id"`
	AgentID     string     `json:"agent_id"`
	Score       float64    `json:"score"`
	Components  Components `json:"components"`
	ComputedAt  time.Time  `json:"computed_at"`
}

// Service owns trust scores and autonomy recommendations.
type Service struct {
	store    *store.Store
	events   *eventstore.EventStore
	registry *projector.Registry
	identity *identity.Service
	actions  *policy.Registry
	clock    func() time.Time
}

// NewService wires the trust service.
func NewService(s *store.Store, es *eventstore.EventStore, reg *projector.Registry, ids *identity.Service, actions *policy.Registry) *Service {
	return &Service{store: s, events: es, registry: reg, identity: ids, actions: actions, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (svc *Service) WithClock(clock func() time.Time) *Service {
	svc.clock = clock
	return svc
}

// Recompute derives the agent's trust signals, applies any overrides,
// stores the new score, and emits agent.trust.increased or .decreased when
// the score moved by more than epsilon.
func (svc *Service) Recompute(ctx context.Context, workspaceID, agentID string, overrides *Overrides, correlationID string) (*State, error) {
	now := svc.clock().UTC()
	var state *State
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := svc.identity.GetAgent(ctx, tx, workspaceID, agentID); err != nil {
			return err
		}
		derived, err := svc.deriveComponents(ctx, tx, workspaceID, agentID, now)
		if err != nil {
			return err
		}
		components := overrides.Apply(derived)
		score := components.Score()

		prior, hadPrior, err := svc.load(ctx, tx, workspaceID, agentID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_trust (
				workspace_id, agent_id, score, success_rate_7d, eval_quality_trend,
				user_feedback_score, policy_violations_7d, time_in_service_days, computed_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (workspace_id, agent_id) DO UPDATE SET
				score = excluded.score,
				success_rate_7d = excluded.success_rate_7d,
				eval_quality_trend = excluded.eval_quality_trend,
				user_feedback_score = excluded.user_feedback_score,
				policy_violations_7d = excluded.policy_violations_7d,
				time_in_service_days = excluded.time_in_service_days,
				computed_at = excluded.computed_at`,
			workspaceID, agentID, score, components.SuccessRate7d, components.EvalQualityTrend,
			components.UserFeedbackScore, components.PolicyViolations7d, components.TimeInServiceDays, now,
		); err != nil {
			return fmt.Errorf("trust: store score: %w", err)
		}

		if hadPrior {
			delta := score - prior.Score
			if math.Abs(delta) > scoreEpsilon {
				eventType := contracts.EventTrustIncreased
				if delta < 0 {
					eventType = contracts.EventTrustDecreased
				}
				env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
					EventType:     eventType,
					WorkspaceID:   workspaceID,
					Actor:         contracts.Actor{Type: contracts.ActorService, ID: "trust-engine"},
					Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
					CorrelationID: correlationID,
					Data: map[string]any{
						"agent_id":  agentID,
						"old_score": prior.Score,
						"new_score": score,
					},
				})
				if err != nil {
					return err
				}
				if err := svc.registry.Apply(ctx, tx, env); err != nil {
					return err
				}
			}
		}

		state = &State{
			WorkspaceID: workspaceID,
			AgentID:     agentID,
			Score:       score,
			Components:  components,
			ComputedAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Get returns the stored trust state for an agent, or not_found.
func (svc *Service) Get(ctx context.Context, workspaceID, agentID string) (*State, error) {
	state, ok, err := svc.load(ctx, svc.store.DB(), workspaceID, agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, contracts.NewError(contracts.ReasonNotFound, "no trust state for agent "+agentID)
	}
	return state, nil
}

func (svc *Service) load(ctx context.Context, q store.Querier, workspaceID, agentID string) (*State, bool, error) {
	var s State
	err := q.QueryRowContext(ctx, `
		SELECT workspace_id, agent_id, score, success_rate_7d, eval_quality_trend,
		       user_feedback_score, policy_violations_7d, time_in_service_days, computed_at
		FROM agent_trust WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID,
	).Scan(&s.WorkspaceID, &s.AgentID, &s.Score,
		&s.Components.SuccessRate7d, &s.Components.EvalQualityTrend,
		&s.Components.UserFeedbackScore, &s.Components.PolicyViolations7d,
		&s.Components.TimeInServiceDays, &s.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("trust: load state: %w", err)
	}
	return &s, true, nil
}

// Recommendation is a pending autonomy upgrade.
type Recommendation struct {
	RecommendationID string          `json:"recommendation_id"`
	WorkspaceID      string          `json:"workspace_id"`
	AgentID          string          `json:"agent_id"`
	ScopeDelta       identity.Scopes `json:"scope_delta"`
	TrustBefore      float64         `json:"trust_before"`
	TrustAfter       float64         `json:"trust_after"`
	Status           string          `json:"status"`
	TokenID          string          `json:"token_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// CreateRecommendation records a pending scope-delta recommendation for an
// agent, capturing the current trust score as the before value.
func (svc *Service) CreateRecommendation(ctx context.Context, workspaceID, agentID string, scopeDelta identity.Scopes, trustAfter float64, correlationID string) (*Recommendation, error) {
	now := svc.clock().UTC()
	rec := &Recommendation{
		RecommendationID: uuid.New().String(),
		WorkspaceID:      workspaceID,
		AgentID:          agentID,
		ScopeDelta:       scopeDelta,
		TrustAfter:       clamp01(trustAfter),
		Status:           "pending",
		CreatedAt:        now,
	}
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := svc.identity.GetAgent(ctx, tx, workspaceID, agentID); err != nil {
			return err
		}
		state, ok, err := svc.load(ctx, tx, workspaceID, agentID)
		if err != nil {
			return err
		}
		if ok {
			rec.TrustBefore = state.Score
		}
		raw, err := json.Marshal(scopeDelta)
		if err != nil {
			return fmt.Errorf("trust: marshal scope delta: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO autonomy_recommendations (
				recommendation_id, workspace_id, agent_id, scope_delta,
				trust_before, trust_after, status, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,'pending',$7)`,
			rec.RecommendationID, workspaceID, agentID, string(raw),
			rec.TrustBefore, rec.TrustAfter, now,
		); err != nil {
			return fmt.Errorf("trust: insert recommendation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RejectRecommendation marks a pending recommendation rejected.
func (svc *Service) RejectRecommendation(ctx context.Context, workspaceID, recommendationID string) error {
	now := svc.clock().UTC()
	return svc.store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE autonomy_recommendations
			SET status = 'rejected', decided_at = $1
			WHERE workspace_id = $2 AND recommendation_id = $3 AND status = 'pending'`,
			now, workspaceID, recommendationID,
		)
		if err != nil {
			return fmt.Errorf("trust: reject recommendation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return contracts.NewError(contracts.ReasonRecommendationNotPending,
				"recommendation is not pending")
		}
		return nil
	})
}
