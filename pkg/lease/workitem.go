package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

// Manager implements the work-item lease protocol and run-execution
// leases.
type Manager struct {
	store    *store.Store
	events   *eventstore.EventStore
	registry *projector.Registry
	logger   *slog.Logger
	clock    func() time.Time

	// LeaseDuration is how long a claim or heartbeat holds the lease.
	LeaseDuration time.Duration
	// HeartbeatMinInterval is the anti-thrash guard between heartbeats.
	// Zero disables rate limiting (test mode).
	HeartbeatMinInterval time.Duration
}

// NewManager wires a lease manager with the default durations.
func NewManager(s *store.Store, es *eventstore.EventStore, reg *projector.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		store:                s,
		events:               es,
		registry:             reg,
		logger:               logger,
		clock:                time.Now,
		LeaseDuration:        30 * time.Second,
		HeartbeatMinInterval: time.Second,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Claim attempts an exclusive hold on (workspace, type, id) for agentID.
// An expired lease held by anyone is reclaimed, emitting lease.preempted
// exactly once per (old, new) lease pair. A repeat claim by the same agent
// with the same correlation id is a replay and returns the live lease.
func (m *Manager) Claim(ctx context.Context, workspaceID string, itemType WorkItemType, itemID, agentID, correlationID string) (*ClaimOutcome, error) {
	now := m.clock().UTC()
	newLease := &Lease{
		WorkspaceID:   workspaceID,
		WorkItemType:  itemType,
		WorkItemID:    itemID,
		LeaseID:       uuid.New().String(),
		AgentID:       agentID,
		CorrelationID: correlationID,
		Version:       1,
		ClaimedAt:     now,
		HeartbeatAt:   now,
		ExpiresAt:     now.Add(m.LeaseDuration),
	}

	var outcome *ClaimOutcome
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		prior, err := m.get(ctx, tx, workspaceID, itemType, itemID)
		if err != nil && !errors.Is(err, contracts.ErrNotFound) {
			return err
		}

		var claimedLeaseID string
		scanErr := tx.QueryRowContext(ctx, `
			INSERT INTO work_item_leases (
				workspace_id, work_item_type, work_item_id, lease_id, agent_id,
				correlation_id, version, claimed_at, heartbeat_at, expires_at
			) VALUES ($1,$2,$3,$4,$5,$6,1,$7,$7,$8)
			ON CONFLICT (workspace_id, work_item_type, work_item_id) DO UPDATE SET
				lease_id = excluded.lease_id,
				agent_id = excluded.agent_id,
				correlation_id = excluded.correlation_id,
				version = 1,
				claimed_at = excluded.claimed_at,
				heartbeat_at = excluded.heartbeat_at,
				expires_at = excluded.expires_at
			WHERE work_item_leases.expires_at < excluded.claimed_at
			RETURNING lease_id`,
			workspaceID, string(itemType), itemID, newLease.LeaseID, agentID,
			correlationID, now, newLease.ExpiresAt,
		).Scan(&claimedLeaseID)

		if scanErr == nil {
			preempted := prior != nil && prior.LeaseID != newLease.LeaseID
			if preempted {
				if err := m.emitPreempted(ctx, tx, prior, newLease); err != nil {
					return err
				}
			}
			if err := m.emitLeaseEvent(ctx, tx, contracts.EventLeaseClaimed, newLease, ""); err != nil {
				return err
			}
			outcome = &ClaimOutcome{Lease: newLease, Replay: false, Preempted: preempted, ServerTime: now}
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("lease claim upsert: %w", scanErr)
		}

		// Upsert returned nothing: the lease is live. Diagnose against the
		// current holder.
		current, err := m.get(ctx, tx, workspaceID, itemType, itemID)
		if err != nil {
			return err
		}
		if current.AgentID == agentID && current.CorrelationID == correlationID {
			outcome = &ClaimOutcome{Lease: current, Replay: true, ServerTime: now}
			return nil
		}
		if current.AgentID == agentID {
			return contracts.NewError(contracts.ReasonCorrelationIDMismatch,
				"lease held by this agent under a different correlation id").
				WithDetail("held_correlation_id", current.CorrelationID)
		}
		return contracts.NewError(contracts.ReasonAlreadyClaimed, "work item is leased").
			WithDetail("expires_at", current.ExpiresAt)
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Heartbeat extends a live lease and increments its version. Diagnoses, in
// order: wrong holder, stale version, inside the rate-limit window.
func (m *Manager) Heartbeat(ctx context.Context, workspaceID string, itemType WorkItemType, itemID, agentID, leaseID string, version int64) (*HeartbeatOutcome, error) {
	now := m.clock().UTC()
	var outcome *HeartbeatOutcome
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := m.get(ctx, tx, workspaceID, itemType, itemID)
		if errors.Is(err, contracts.ErrNotFound) {
			return contracts.NewError(contracts.ReasonLeaseNotOwned, "no lease on this work item")
		}
		if err != nil {
			return err
		}
		switch {
		case current.LeaseID != leaseID || current.AgentID != agentID || current.Expired(now):
			return contracts.NewError(contracts.ReasonLeaseNotOwned, "lease is not owned by caller")
		case current.Version != version:
			return contracts.NewError(contracts.ReasonLeaseVersionMismatch, "stale lease version").
				WithDetail("current_version", current.Version)
		case m.HeartbeatMinInterval > 0 && now.Sub(current.HeartbeatAt) < m.HeartbeatMinInterval:
			return contracts.NewError(contracts.ReasonHeartbeatRateLimited, "heartbeat inside minimum interval")
		}

		expiresAt := now.Add(m.LeaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE work_item_leases
			SET version = version + 1, heartbeat_at = $1, expires_at = $2
			WHERE workspace_id = $3 AND work_item_type = $4 AND work_item_id = $5
			  AND lease_id = $6 AND agent_id = $7 AND version = $8`,
			now, expiresAt, workspaceID, string(itemType), itemID, leaseID, agentID, version,
		)
		if err != nil {
			return fmt.Errorf("lease heartbeat: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return contracts.NewError(contracts.ReasonLeaseVersionMismatch, "lease changed concurrently")
		}
		outcome = &HeartbeatOutcome{LeaseID: leaseID, Version: version + 1, ExpiresAt: expiresAt, ServerTime: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Release deletes the lease and emits lease.released. A release of an
// absent or superseded lease is a replay with released=false. A release of
// the live lease by a different agent is lease_not_owned.
func (m *Manager) Release(ctx context.Context, workspaceID string, itemType WorkItemType, itemID, agentID, leaseID string) (*ReleaseOutcome, error) {
	now := m.clock().UTC()
	var outcome *ReleaseOutcome
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := m.get(ctx, tx, workspaceID, itemType, itemID)
		if errors.Is(err, contracts.ErrNotFound) {
			outcome = &ReleaseOutcome{Released: false, ServerTime: now}
			return nil
		}
		if err != nil {
			return err
		}
		if current.LeaseID != leaseID {
			outcome = &ReleaseOutcome{Released: false, ServerTime: now}
			return nil
		}
		if current.AgentID != agentID {
			return contracts.NewError(contracts.ReasonLeaseNotOwned, "lease is not owned by caller")
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM work_item_leases
			WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3 AND lease_id = $4`,
			workspaceID, string(itemType), itemID, leaseID,
		); err != nil {
			return fmt.Errorf("lease release: %w", err)
		}
		if err := m.emitLeaseEvent(ctx, tx, contracts.EventLeaseReleased, current, ""); err != nil {
			return err
		}
		outcome = &ReleaseOutcome{Released: true, ServerTime: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Get returns the live lease for a work item, if any.
func (m *Manager) Get(ctx context.Context, workspaceID string, itemType WorkItemType, itemID string) (*Lease, error) {
	return m.get(ctx, m.store.DB(), workspaceID, itemType, itemID)
}

func (m *Manager) get(ctx context.Context, q store.Querier, workspaceID string, itemType WorkItemType, itemID string) (*Lease, error) {
	var l Lease
	var itemTypeRaw string
	err := q.QueryRowContext(ctx, `
		SELECT workspace_id, work_item_type, work_item_id, lease_id, agent_id,
		       correlation_id, version, claimed_at, heartbeat_at, expires_at
		FROM work_item_leases
		WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3`,
		workspaceID, string(itemType), itemID,
	).Scan(
		&l.WorkspaceID, &itemTypeRaw, &l.WorkItemID, &l.LeaseID, &l.AgentID,
		&l.CorrelationID, &l.Version, &l.ClaimedAt, &l.HeartbeatAt, &l.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load lease: %w", err)
	}
	l.WorkItemType = WorkItemType(itemTypeRaw)
	return &l, nil
}

func (m *Manager) emitPreempted(ctx context.Context, tx *store.Tx, old, replacement *Lease) error {
	env := &contracts.EventEnvelope{
		EventType:      contracts.EventLeasePreempted,
		WorkspaceID:    replacement.WorkspaceID,
		Actor:          contracts.Actor{Type: contracts.ActorAgent, ID: replacement.AgentID},
		Stream:         contracts.Stream{Type: contracts.StreamWorkspace, ID: replacement.WorkspaceID},
		CorrelationID:  replacement.CorrelationID,
		IdempotencyKey: contracts.PreemptionKey(old.LeaseID, replacement.LeaseID),
		Data: map[string]any{
			"work_item_type": string(old.WorkItemType),
			"work_item_id":   old.WorkItemID,
			"old_lease_id":   old.LeaseID,
			"old_agent_id":   old.AgentID,
			"new_lease_id":   replacement.LeaseID,
			"reason":         "expired_lease_reclaimed",
		},
	}
	return m.appendAndProject(ctx, tx, env)
}

func (m *Manager) emitLeaseEvent(ctx context.Context, tx *store.Tx, eventType string, l *Lease, reason string) error {
	data := map[string]any{
		"work_item_type": string(l.WorkItemType),
		"work_item_id":   l.WorkItemID,
		"lease_id":       l.LeaseID,
		"agent_id":       l.AgentID,
		"version":        l.Version,
	}
	if reason != "" {
		data["reason"] = reason
	}
	env := &contracts.EventEnvelope{
		EventType:     eventType,
		WorkspaceID:   l.WorkspaceID,
		Actor:         contracts.Actor{Type: contracts.ActorAgent, ID: l.AgentID},
		Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: l.WorkspaceID},
		CorrelationID: l.CorrelationID,
		Data:          data,
	}
	return m.appendAndProject(ctx, tx, env)
}

func (m *Manager) appendAndProject(ctx context.Context, tx *store.Tx, env *contracts.EventEnvelope) error {
	persisted, replayed, err := m.events.Append(ctx, tx, env)
	if err != nil {
		return err
	}
	if replayed {
		return nil
	}
	return m.registry.Apply(ctx, tx, persisted)
}
