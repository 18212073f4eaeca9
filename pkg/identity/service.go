package identity

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
	"github.com/crewplane/core/pkg/store"
)

// Service owns principal, agent, engine, and capability-token state.
// Mutations append events and mirror entity rows in the same transaction,
// using the event's occurred_at so replays echo the first writer.
type Service struct {
	store  *store.Store
	events *eventstore.EventStore
	tokens *EngineTokenManager
	clock  func() time.Time
}

// NewService wires the identity service.
func NewService(s *store.Store, es *eventstore.EventStore, tokens *EngineTokenManager) *Service {
	return &Service{store: s, events: es, tokens: tokens, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (svc *Service) WithClock(clock func() time.Time) *Service {
	svc.clock = clock
	return svc
}

// RegisterAgent creates the agent and its principal and emits
// agent.registered.
func (svc *Service) RegisterAgent(ctx context.Context, workspaceID, displayName, correlationID string) (*Agent, error) {
	if displayName == "" {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "display_name is required")
	}
	agent := &Agent{
		AgentID:     uuid.New().String(),
		WorkspaceID: workspaceID,
		PrincipalID: uuid.New().String(),
		DisplayName: displayName,
	}
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventAgentRegistered,
			WorkspaceID:   workspaceID,
			Actor:         contracts.Actor{Type: contracts.ActorAgent, ID: agent.AgentID, PrincipalID: agent.PrincipalID},
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			Data: map[string]any{
				"agent_id":     agent.AgentID,
				"principal_id": agent.PrincipalID,
				"display_name": displayName,
			},
		})
		if err != nil {
			return err
		}
		agent.CreatedAt = env.OccurredAt
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO principals (principal_id, workspace_id, type, display_name, created_at)
			VALUES ($1, $2, 'agent', $3, $4)`,
			agent.PrincipalID, workspaceID, displayName, env.OccurredAt,
		); err != nil {
			return fmt.Errorf("insert principal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (agent_id, workspace_id, principal_id, display_name, created_at, last_event_id)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			agent.AgentID, workspaceID, agent.PrincipalID, displayName, env.OccurredAt, env.EventID,
		); err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// QuarantineResult reports the outcome of a quarantine command.
type QuarantineResult struct {
	Agent   *Agent `json:"agent"`
	Changed bool   `json:"changed"`
}

// QuarantineAgent is idempotent: quarantining an already-quarantined agent
// emits nothing and returns the stored state, including the originally
// stored reason rather than the new request's reason.
func (svc *Service) QuarantineAgent(ctx context.Context, workspaceID, agentID, reason, correlationID string) (*QuarantineResult, error) {
	var result QuarantineResult
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		agent, err := svc.getAgent(ctx, tx, workspaceID, agentID)
		if err != nil {
			return err
		}
		if agent.Quarantined() {
			result = QuarantineResult{Agent: agent, Changed: false}
			return nil
		}
		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventAgentQuarantined,
			WorkspaceID:   workspaceID,
			Actor:         contracts.Actor{Type: contracts.ActorService, ID: "control-plane"},
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			Data:          map[string]any{"agent_id": agentID, "reason": reason},
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET quarantined_at = $1, quarantine_reason = $2, last_event_id = $3
			WHERE agent_id = $4 AND workspace_id = $5`,
			env.OccurredAt, reason, env.EventID, agentID, workspaceID,
		); err != nil {
			return fmt.Errorf("quarantine agent: %w", err)
		}
		at := env.OccurredAt
		agent.QuarantinedAt = &at
		agent.QuarantineReason = reason
		result = QuarantineResult{Agent: agent, Changed: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAgent loads an agent within a workspace.
func (svc *Service) GetAgent(ctx context.Context, q store.Querier, workspaceID, agentID string) (*Agent, error) {
	return svc.getAgentQ(ctx, q, workspaceID, agentID)
}

func (svc *Service) getAgent(ctx context.Context, tx *store.Tx, workspaceID, agentID string) (*Agent, error) {
	return svc.getAgentQ(ctx, tx, workspaceID, agentID)
}

func (svc *Service) getAgentQ(ctx context.Context, q store.Querier, workspaceID, agentID string) (*Agent, error) {
	var (
		agent            Agent
		quarantinedAt    sql.NullTime
		quarantineReason sql.NullString
		revokedAt        sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT agent_id, workspace_id, principal_id, display_name, created_at,
		       quarantined_at, quarantine_reason, revoked_at
		FROM agents WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID,
	).Scan(
		&agent.AgentID, &agent.WorkspaceID, &agent.PrincipalID, &agent.DisplayName, &agent.CreatedAt,
		&quarantinedAt, &quarantineReason, &revokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewError(contracts.ReasonUnknownAgent, "agent "+agentID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if quarantinedAt.Valid {
		agent.QuarantinedAt = &quarantinedAt.Time
	}
	agent.QuarantineReason = quarantineReason.String
	if revokedAt.Valid {
		agent.RevokedAt = &revokedAt.Time
	}
	return &agent, nil
}

// RegisterEngine creates an engine with its own service principal and
// returns the engine plus a signed engine token.
func (svc *Service) RegisterEngine(ctx context.Context, workspaceID, name string, allowedRooms, actions []string) (*Engine, string, error) {
	if name == "" {
		return nil, "", contracts.NewError(contracts.ReasonMissingRequiredField, "name is required")
	}
	engine := &Engine{
		EngineID:    uuid.New().String(),
		WorkspaceID: workspaceID,
		PrincipalID: uuid.New().String(),
		Name:        name,
		Active:      true,
		CreatedAt:   svc.clock().UTC(),
	}
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO principals (principal_id, workspace_id, type, display_name, created_at)
			VALUES ($1, $2, 'service', $3, $4)`,
			engine.PrincipalID, workspaceID, name, engine.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert engine principal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO engines (engine_id, workspace_id, principal_id, name, active, created_at)
			VALUES ($1, $2, $3, $4, TRUE, $5)`,
			engine.EngineID, workspaceID, engine.PrincipalID, name, engine.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert engine: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	token, err := svc.tokens.Mint(engine, allowedRooms, actions)
	if err != nil {
		return nil, "", fmt.Errorf("mint engine token: %w", err)
	}
	return engine, token, nil
}

// DeactivateEngine marks the engine inactive and revokes every active
// capability token issued to its principal.
func (svc *Service) DeactivateEngine(ctx context.Context, workspaceID, engineID string) error {
	now := svc.clock().UTC()
	return svc.store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE engines SET active = FALSE, deactivated_at = $1
			WHERE engine_id = $2 AND workspace_id = $3 AND active`,
			now, engineID, workspaceID,
		)
		if err != nil {
			return fmt.Errorf("deactivate engine: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return contracts.NewError(contracts.ReasonNotFound, "engine "+engineID+" not found or inactive")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE capability_tokens SET revoked_at = $1
			WHERE workspace_id = $2
			  AND principal_id = (SELECT principal_id FROM engines WHERE engine_id = $3)
			  AND revoked_at IS NULL`,
			now, workspaceID, engineID,
		)
		if err != nil {
			return fmt.Errorf("revoke engine tokens: %w", err)
		}
		return nil
	})
}

// GetEngine loads an engine within a workspace.
func (svc *Service) GetEngine(ctx context.Context, q store.Querier, workspaceID, engineID string) (*Engine, error) {
	var (
		e             Engine
		deactivatedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT engine_id, workspace_id, principal_id, name, active, created_at, deactivated_at
		FROM engines WHERE workspace_id = $1 AND engine_id = $2`,
		workspaceID, engineID,
	).Scan(&e.EngineID, &e.WorkspaceID, &e.PrincipalID, &e.Name, &e.Active, &e.CreatedAt, &deactivatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewError(contracts.ReasonNotFound, "engine "+engineID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load engine: %w", err)
	}
	if deactivatedAt.Valid {
		e.DeactivatedAt = &deactivatedAt.Time
	}
	return &e, nil
}

// IssueCapabilityToken persists a token grant inside tx and returns it.
// The caller is responsible for emitting agent.capability.granted.
func (svc *Service) IssueCapabilityToken(ctx context.Context, tx *store.Tx, token *CapabilityToken) (*CapabilityToken, error) {
	if token.TokenID == "" {
		token.TokenID = uuid.New().String()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = svc.clock().UTC()
	}
	rooms, tools, actionTypes, domains, err := marshalScopeLists(token.Scopes)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO capability_tokens (
			token_id, workspace_id, principal_id, issued_by_principal_id,
			rooms, tools, action_types, egress_domains, data_read, data_write,
			valid_until, parent_token_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		token.TokenID, token.WorkspaceID, token.PrincipalID, nullString(token.IssuedByPrincipalID),
		rooms, tools, actionTypes, domains, token.Scopes.DataRead, token.Scopes.DataWrite,
		nullTime(token.ValidUntil), nullString(token.ParentTokenID), token.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert capability token: %w", err)
	}
	return token, nil
}

// ActiveScopes returns the union of all valid capability-token scopes held
// by a principal, plus the contributing token ids.
func (svc *Service) ActiveScopes(ctx context.Context, q store.Querier, workspaceID, principalID string) (Scopes, []string, error) {
	now := svc.clock().UTC()
	rows, err := q.QueryContext(ctx, `
		SELECT t.token_id, t.rooms, t.tools, t.action_types, t.egress_domains,
		       t.data_read, t.data_write
		FROM capability_tokens t
		JOIN principals p ON p.principal_id = t.principal_id
		WHERE t.workspace_id = $1 AND t.principal_id = $2
		  AND t.revoked_at IS NULL
		  AND p.revoked_at IS NULL
		  AND (t.valid_until IS NULL OR t.valid_until > $3)`,
		workspaceID, principalID, now,
	)
	if err != nil {
		return Scopes{}, nil, fmt.Errorf("load active tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		union    Scopes
		tokenIDs []string
	)
	for rows.Next() {
		var (
			tokenID                            string
			rooms, tools, actionTypes, domains sql.NullString
			dataRead, dataWrite                bool
		)
		if err := rows.Scan(&tokenID, &rooms, &tools, &actionTypes, &domains, &dataRead, &dataWrite); err != nil {
			return Scopes{}, nil, fmt.Errorf("scan token: %w", err)
		}
		scopes := Scopes{DataRead: dataRead, DataWrite: dataWrite}
		for _, pair := range []struct {
			raw  sql.NullString
			dest *[]string
		}{
			{rooms, &scopes.Rooms},
			{tools, &scopes.Tools},
			{actionTypes, &scopes.ActionTypes},
			{domains, &scopes.EgressDomains},
		} {
			if pair.raw.Valid && pair.raw.String != "" {
				if err := json.Unmarshal([]byte(pair.raw.String), pair.dest); err != nil {
					return Scopes{}, nil, fmt.Errorf("corrupt token scopes %s: %w", tokenID, err)
				}
			}
		}
		union = union.Union(scopes)
		tokenIDs = append(tokenIDs, tokenID)
	}
	if err := rows.Err(); err != nil {
		return Scopes{}, nil, err
	}
	return union, tokenIDs, nil
}

func marshalScopeLists(s Scopes) (rooms, tools, actionTypes, domains sql.NullString, err error) {
	marshal := func(list []string) (sql.NullString, error) {
		if len(list) == 0 {
			return sql.NullString{}, nil
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return sql.NullString{}, err
		}
		return sql.NullString{String: string(raw), Valid: true}, nil
	}
	if rooms, err = marshal(s.Rooms); err != nil {
		return
	}
	if tools, err = marshal(s.Tools); err != nil {
		return
	}
	if actionTypes, err = marshal(s.ActionTypes); err != nil {
		return
	}
	domains, err = marshal(s.EgressDomains)
	return
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
