// Package lease provides distributed mutual exclusion over work items and
// over run execution slots. Work-item leases resolve contention with
// row-level conflicts and an expired-reclaim predicate; run claims
// serialize on a per-run advisory lock so the lookup/transition window is
// race free.
package lease

import (
	"time"

	"github.com/crewplane/core/pkg/contracts"
)

// WorkItemType enumerates the leasable work-item families.
type WorkItemType string

const (
	WorkItemExperiment WorkItemType = "experiment"
	WorkItemApproval   WorkItemType = "approval"
	WorkItemMessage    WorkItemType = "message"
	WorkItemIncident   WorkItemType = "incident"
	WorkItemArtifact   WorkItemType = "artifact"
)

// ParseWorkItemType validates a wire value.
func ParseWorkItemType(s string) (WorkItemType, error) {
	switch WorkItemType(s) {
	case WorkItemExperiment, WorkItemApproval, WorkItemMessage, WorkItemIncident, WorkItemArtifact:
		return WorkItemType(s), nil
	}
	return "", contracts.NewError(contracts.ReasonInvalidWorkItemType, "invalid work_item_type "+s)
}

// Lease is one exclusive hold on a work item.
type Lease struct {
	WorkspaceID   string       `json:"workspace_id"`
	WorkItemType  WorkItemType `json:"work_item_type"`
	WorkItemID    string       `json:"work_item_id"`
	LeaseID       string       `json:"lease_id"`
	AgentID       string       `json:"agent_id"`
	CorrelationID string       `json:"correlation_id"`
	Version       int64        `json:"version"`
	ClaimedAt     time.Time    `json:"claimed_at"`
	HeartbeatAt   time.Time    `json:"heartbeat_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool { return !l.ExpiresAt.After(now) }

// ClaimOutcome distinguishes a fresh claim from an idempotent replay.
type ClaimOutcome struct {
	Lease      *Lease    `json:"lease"`
	Replay     bool      `json:"replay"`
	Preempted  bool      `json:"preempted"`
	ServerTime time.Time `json:"server_time"`
}

// HeartbeatOutcome carries the extended lease after a heartbeat.
type HeartbeatOutcome struct {
	LeaseID    string    `json:"lease_id"`
	Version    int64     `json:"version"`
	ExpiresAt  time.Time `json:"expires_at"`
	ServerTime time.Time `json:"server_time"`
}

// ReleaseOutcome reports whether a release removed a live lease. Released
// false means the row was already gone or held under a different lease id;
// both are replay-safe outcomes, not errors.
type ReleaseOutcome struct {
	Released   bool      `json:"released"`
	ServerTime time.Time `json:"server_time"`
}

// RunLockNamespace is the advisory-lock namespace serializing run claim
// transitions.
const RunLockNamespace = 215
