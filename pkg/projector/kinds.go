// Package projector materializes query-optimized views from the event log.
// Projectors run synchronously inside the appending transaction on write
// paths, and asynchronously from a watermark on the catch-up path. Every
// projector is idempotent: reapplying an already-applied event is a no-op.
package projector

import "github.com/crewplane/core/pkg/contracts"

// Kind is the typed tag of an event the registry can dispatch on. String
// event types are resolved to kinds once, at the registry boundary, so
// projectors switch over a closed set instead of raw strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindRoomCreated
	KindThreadCreated
	KindMessageCreated
	KindRunCreated
	KindRunStarted
	KindRunCompleted
	KindRunFailed
	KindStepCreated
	KindApprovalRequested
	KindApprovalDecided
	KindExperimentCreated
	KindExperimentUpdated
	KindExperimentClosed
	KindIncidentOpened
	KindIncidentRCAUpdated
	KindIncidentLearningLogged
	KindIncidentClosed
	KindEvidenceCreated
	KindEvidenceReviewed
	KindScorecardRecorded
)

var kindByType = map[string]Kind{
	contracts.EventRoomCreated:            KindRoomCreated,
	contracts.EventThreadCreated:          KindThreadCreated,
	contracts.EventMessageCreated:         KindMessageCreated,
	contracts.EventRunCreated:             KindRunCreated,
	contracts.EventRunStarted:             KindRunStarted,
	contracts.EventRunCompleted:           KindRunCompleted,
	contracts.EventRunFailed:              KindRunFailed,
	contracts.EventStepCreated:            KindStepCreated,
	contracts.EventApprovalRequested:      KindApprovalRequested,
	contracts.EventApprovalDecided:        KindApprovalDecided,
	contracts.EventExperimentCreated:      KindExperimentCreated,
	contracts.EventExperimentUpdated:      KindExperimentUpdated,
	contracts.EventExperimentClosed:       KindExperimentClosed,
	contracts.EventIncidentOpened:         KindIncidentOpened,
	contracts.EventIncidentRCAUpdated:     KindIncidentRCAUpdated,
	contracts.EventIncidentLearningLogged: KindIncidentLearningLogged,
	contracts.EventIncidentClosed:         KindIncidentClosed,
	contracts.EventEvidenceCreated:        KindEvidenceCreated,
	contracts.EventEvidenceReviewed:       KindEvidenceReviewed,
	contracts.EventScorecardRecorded:      KindScorecardRecorded,
}

// KindOf resolves an event type string to its kind. Unregistered types
// resolve to KindUnknown and are skipped by the registry.
func KindOf(eventType string) Kind {
	return kindByType[eventType]
}
