// Package pipeline resolves every interesting workspace entity into one of
// six delivery stages from a normalized snapshot of its run, evidence,
// scorecard, incident, and approval state.
package pipeline

import "time"

// Stage names, in board order.
const (
	StageInbox           = "1_inbox"
	StagePendingApproval = "2_pending_approval"
	StageExecute         = "3_execute_workspace"
	StageReviewEvidence  = "4_review_evidence"
	StagePromoted        = "5_promoted"
	StageDemoted         = "6_demoted"
)

// Stages lists the stage names in board order.
var Stages = []string{
	StageInbox, StagePendingApproval, StageExecute,
	StageReviewEvidence, StagePromoted, StageDemoted,
}

// Diagnostics attached when a rule needed a fallback.
const (
	DiagMissingData    = "missing_data"
	DiagGhostEvidence  = "ghost_evidence_or_mismatch"
	DiagUnmatchedState = "unmatched_state"
)

// Snapshot is the normalized per-entity input to the stage resolver. All
// statuses are already normalized: run status uses created/started/
// completed vocabulary, scorecard warn reads as pending.
type Snapshot struct {
	EntityType string    `json:"entity_type"` // run | experiment
	EntityID   string    `json:"entity_id"`
	OwnStatus  string    `json:"own_status"`
	UpdatedAt  time.Time `json:"updated_at"`

	RunID     string `json:"run_id,omitempty"`
	RunStatus string `json:"run_status,omitempty"` // created | started | completed | failed | timed_out | cancelled

	EvidenceID     string `json:"evidence_id,omitempty"`
	EvidenceStatus string `json:"evidence_status,omitempty"` // created | under_review | accepted | rejected
	EvidenceRunID  string `json:"evidence_run_id,omitempty"`

	ScorecardDecision   string `json:"scorecard_decision,omitempty"` // pass | fail | pending
	ScorecardRunID      string `json:"scorecard_run_id,omitempty"`
	ScorecardEvidenceID string `json:"scorecard_evidence_id,omitempty"`

	IncidentActive  bool `json:"incident_active"`
	ApprovalPending bool `json:"approval_pending"`
	IsArchived      bool `json:"is_archived"`
	IsDeleted       bool `json:"is_deleted"`
}

// Placement is a resolved snapshot.
type Placement struct {
	Stage      string `json:"stage"`
	Diagnostic string `json:"diagnostic,omitempty"`
	Skip       bool   `json:"-"`
}

// normalizeRunStatus maps stored run statuses onto the resolver
// vocabulary.
func normalizeRunStatus(status string) string {
	switch status {
	case "queued":
		return "created"
	case "running":
		return "started"
	case "succeeded":
		return "completed"
	default:
		return status
	}
}

// normalizeScorecard maps warn onto pending; everything else passes
// through.
func normalizeScorecard(decision string) string {
	if decision == "warn" {
		return "pending"
	}
	return decision
}

// Resolve runs the ordered stage rules; the first match places the
// entity.
func Resolve(s Snapshot) Placement {
	switch {
	case s.IsArchived || s.IsDeleted:
		return Placement{Skip: true}

	case s.EntityType == "" || s.EntityID == "":
		return Placement{Stage: StageInbox, Diagnostic: DiagMissingData}

	case s.IncidentActive:
		return Placement{Stage: StageDemoted}

	case s.RunStatus == "failed" || s.RunStatus == "timed_out" || s.RunStatus == "cancelled":
		return Placement{Stage: StageDemoted}

	case s.ScorecardDecision == "fail":
		return Placement{Stage: StageDemoted}

	case s.EvidenceStatus == "rejected":
		return Placement{Stage: StageExecute}

	case s.RunStatus == "completed" && (s.ScorecardDecision == "" || s.ScorecardDecision == "pending"):
		return Placement{Stage: StageReviewEvidence}

	case s.ScorecardDecision == "pass":
		if promotable(s) {
			return Placement{Stage: StagePromoted}
		}
		return Placement{Stage: StageReviewEvidence, Diagnostic: DiagGhostEvidence}

	case s.EvidenceStatus == "created" || s.EvidenceStatus == "under_review":
		return Placement{Stage: StageReviewEvidence}

	case s.RunStatus == "created" || s.RunStatus == "started":
		return Placement{Stage: StageExecute}

	case s.ApprovalPending:
		return Placement{Stage: StagePendingApproval}

	case s.EntityType == "experiment" && s.OwnStatus == "open":
		return Placement{Stage: StageInbox}

	default:
		return Placement{Stage: StageInbox, Diagnostic: DiagUnmatchedState}
	}
}

// promotable checks the pass-scorecard bindings: the evidence must belong
// to the entity's run and the scorecard must bind the same run and
// evidence. A scorecard with a null run id but a matching evidence id is
// accepted.
func promotable(s Snapshot) bool {
	if s.IncidentActive {
		return false
	}
	if s.EvidenceID == "" {
		return false
	}
	if s.RunID != "" && s.EvidenceRunID != "" && s.EvidenceRunID != s.RunID {
		return false
	}
	if s.ScorecardRunID != "" && s.RunID != "" && s.ScorecardRunID != s.RunID {
		return false
	}
	if s.ScorecardEvidenceID != "" && s.ScorecardEvidenceID != s.EvidenceID {
		return false
	}
	if s.ScorecardRunID == "" && s.ScorecardEvidenceID == "" {
		return false
	}
	return true
}
