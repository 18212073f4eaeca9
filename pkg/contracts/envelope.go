// Package contracts defines the stable contracts of the Crewplane control
// plane: the event envelope, actor and stream identities, the reason-code
// table, schema versioning, and idempotency-key synthesis.
//
// Everything that crosses a component boundary is expressed in these types.
package contracts

import (
	"fmt"
	"time"
)

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorService ActorType = "service"
	ActorAgent   ActorType = "agent"
)

// Actor is the identity attached to every event.
type Actor struct {
	Type        ActorType `json:"type"`
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id,omitempty"`
}

// StreamType is the ordering axis of an event.
type StreamType string

const (
	StreamRoom      StreamType = "room"
	StreamWorkspace StreamType = "workspace"
	StreamThread    StreamType = "thread"
)

// Stream identifies the ordered sequence an event belongs to.
type Stream struct {
	Type StreamType `json:"type"`
	ID   string     `json:"id"`
}

// EventEnvelope is the canonical shape of every persisted event.
// Envelopes are immutable once appended; StreamPosition is assigned by
// the event store and is monotone within (Stream.Type, Stream.ID).
type EventEnvelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	SchemaVersion  string         `json:"schema_version,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	WorkspaceID    string         `json:"workspace_id"`
	RoomID         string         `json:"room_id,omitempty"`
	ThreadID       string         `json:"thread_id,omitempty"`
	RunID          string         `json:"run_id,omitempty"`
	StepID         string         `json:"step_id,omitempty"`
	MissionID      string         `json:"mission_id,omitempty"`
	Actor          Actor          `json:"actor"`
	Stream         Stream         `json:"stream"`
	CorrelationID  string         `json:"correlation_id"`
	CausationID    string         `json:"causation_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	PolicyContext  map[string]any `json:"policy_context,omitempty"`
	ModelContext   map[string]any `json:"model_context,omitempty"`
	DisplayContext map[string]any `json:"display_context,omitempty"`
	StreamPosition int64          `json:"stream_position,omitempty"`
}

// Validate checks the minimum fields the event store requires.
func (e *EventEnvelope) Validate() error {
	switch {
	case e.EventType == "":
		return fmt.Errorf("%w: event_type", ErrMissingField)
	case e.WorkspaceID == "":
		return fmt.Errorf("%w: workspace_id", ErrMissingField)
	case e.Stream.Type == "" || e.Stream.ID == "":
		return fmt.Errorf("%w: stream", ErrMissingField)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at", ErrMissingField)
	case e.CorrelationID == "":
		return fmt.Errorf("%w: correlation_id", ErrMissingField)
	case e.Actor.Type == "" || e.Actor.ID == "":
		return fmt.Errorf("%w: actor", ErrMissingField)
	}
	return nil
}

// Event type names understood by the core. The event store accepts any
// type; these are the ones projectors and engines attach semantics to.
const (
	EventRoomCreated    = "room.created"
	EventThreadCreated  = "thread.created"
	EventMessageCreated = "message.created"

	EventRunCreated   = "run.created"
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventStepCreated  = "step.created"

	EventApprovalRequested = "approval.requested"
	EventApprovalDecided   = "approval.decided"

	EventExperimentCreated = "experiment.created"
	EventExperimentUpdated = "experiment.updated"
	EventExperimentClosed  = "experiment.closed"

	EventIncidentOpened         = "incident.opened"
	EventIncidentRCAUpdated     = "incident.rca.updated"
	EventIncidentLearningLogged = "incident.learning.logged"
	EventIncidentClosed         = "incident.closed"

	EventAgentRegistered         = "agent.registered"
	EventAgentQuarantined        = "agent.quarantined"
	EventAgentCapabilityGranted  = "agent.capability.granted"
	EventAutonomyUpgradeApproved = "autonomy.upgrade.approved"

	EventLeaseClaimed   = "lease.claimed"
	EventLeasePreempted = "lease.preempted"
	EventLeaseReleased  = "lease.released"

	EventSkillPackageInstalled   = "skill.package.installed"
	EventSkillPackageVerified    = "skill.package.verified"
	EventSkillPackageQuarantined = "skill.package.quarantined"
	EventAgentSkillPrimarySet    = "agent.skill.primary_set"

	EventTrustIncreased = "agent.trust.increased"
	EventTrustDecreased = "agent.trust.decreased"

	EventEgressAllowed          = "egress.allowed"
	EventEgressBlocked          = "egress.blocked"
	EventQuotaExceeded          = "quota.exceeded"
	EventDataAccessHintMismatch = "data.access.purpose_hint_mismatch"
	EventDataAccessJustified    = "data.access.justified"
	EventDataAccessUnjustified  = "data.access.unjustified"

	EventEvidenceCreated   = "evidence.created"
	EventEvidenceReviewed  = "evidence.reviewed"
	EventScorecardRecorded = "scorecard.recorded"
)

// DryRunEventType names the informational event emitted when the policy
// engine runs in dry-run mode, e.g. "policy.dry_run.deny".
func DryRunEventType(decision string) string {
	return "policy.dry_run." + decision
}
