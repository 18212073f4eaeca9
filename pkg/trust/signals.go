package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/policy"
	"github.com/crewplane/core/pkg/store"
)

const (
	signalWindow7d  = 7 * 24 * time.Hour
	signalWindow30d = 30 * 24 * time.Hour

	// neutralSignal stands in when a window holds no observations at all.
	neutralSignal = 0.5
)

// deriveComponents computes the default trust signals for an agent from
// the event log and projection tables.
func (svc *Service) deriveComponents(ctx context.Context, q store.Querier, workspaceID, agentID string, now time.Time) (Components, error) {
	since := now.Add(-signalWindow7d)

	success, err := svc.successRate(ctx, q, workspaceID, agentID, since)
	if err != nil {
		return Components{}, err
	}
	violations, err := svc.policyViolations(ctx, q, workspaceID, agentID, since)
	if err != nil {
		return Components{}, err
	}
	feedback, err := svc.feedbackScore(ctx, q, workspaceID, agentID, since)
	if err != nil {
		return Components{}, err
	}
	trend, err := svc.evalTrend(ctx, q, workspaceID, agentID, since)
	if err != nil {
		return Components{}, err
	}
	tenure, err := svc.tenureDays(ctx, q, workspaceID, agentID, now)
	if err != nil {
		return Components{}, err
	}

	return Components{
		SuccessRate7d:      success,
		EvalQualityTrend:   trend,
		UserFeedbackScore:  feedback,
		PolicyViolations7d: violations,
		TimeInServiceDays:  tenure,
	}.Normalize(), nil
}

// successRate is completed/(completed+failed) over the agent's runs in the
// window, falling back to the workspace-wide rate when the agent ran
// nothing, and to a neutral 0.5 when the workspace ran nothing either.
func (svc *Service) successRate(ctx context.Context, q store.Querier, workspaceID, agentID string, since time.Time) (float64, error) {
	completed, err := svc.events.CountByTypeSince(ctx, q, workspaceID, contracts.EventRunCompleted, agentID, since)
	if err != nil {
		return 0, err
	}
	failed, err := svc.events.CountByTypeSince(ctx, q, workspaceID, contracts.EventRunFailed, agentID, since)
	if err != nil {
		return 0, err
	}
	if completed+failed > 0 {
		return float64(completed) / float64(completed+failed), nil
	}
	completed, err = svc.events.CountByTypeSince(ctx, q, workspaceID, contracts.EventRunCompleted, "", since)
	if err != nil {
		return 0, err
	}
	failed, err = svc.events.CountByTypeSince(ctx, q, workspaceID, contracts.EventRunFailed, "", since)
	if err != nil {
		return 0, err
	}
	if completed+failed == 0 {
		return neutralSignal, nil
	}
	return float64(completed) / float64(completed+failed), nil
}

// policyViolations counts enforced denials attributed to the agent,
// deduplicated by decision hash so one decision retried N times counts
// once. Dry-run denials are advisory and never queried here; kill-switch
// and quarantine denials are workspace or operator state, not agent
// behavior, and are excluded.
func (svc *Service) policyViolations(ctx context.Context, q store.Querier, workspaceID, agentID string, since time.Time) (int64, error) {
	var count int64
	seen := make(map[string]struct{})
	events, err := svc.events.ListByTypeSince(ctx, q, workspaceID, contracts.EventEgressBlocked, since)
	if err != nil {
		return 0, err
	}
	for _, env := range events {
		if env.Actor.ID != agentID {
			continue
		}
		reason, _ := env.Data["reason_code"].(string)
		if reason == policy.DecisionKillSwitch || reason == policy.DecisionQuarantined {
			continue
		}
		key, _ := env.Data["decision_hash"].(string)
		if key == "" {
			key = env.CorrelationID + ":" + env.EventType
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		count++
	}
	return count, nil
}

// feedbackScore is the approval rate of the agent's decided autonomy
// recommendations in the window; neutral with no decisions.
func (svc *Service) feedbackScore(ctx context.Context, q store.Querier, workspaceID, agentID string, since time.Time) (float64, error) {
	var approved, denied int64
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'approved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END), 0)
		FROM autonomy_recommendations
		WHERE workspace_id = $1 AND agent_id = $2 AND decided_at >= $3`,
		workspaceID, agentID, since,
	).Scan(&approved, &denied)
	if err != nil {
		return 0, fmt.Errorf("trust: feedback tally: %w", err)
	}
	if approved+denied == 0 {
		return neutralSignal, nil
	}
	return float64(approved) / float64(approved+denied), nil
}

// evalTrend maps the agent's recent assessment pass rate onto [-1, 1];
// zero (flat) when no assessments landed in the window.
func (svc *Service) evalTrend(ctx context.Context, q store.Querier, workspaceID, agentID string, since time.Time) (float64, error) {
	var total, passed int64
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END), 0)
		FROM skill_assessments
		WHERE workspace_id = $1 AND agent_id = $2 AND created_at >= $3 AND status <> 'started'`,
		workspaceID, agentID, since,
	).Scan(&total, &passed)
	if err != nil {
		return 0, fmt.Errorf("trust: eval trend: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return 2*(float64(passed)/float64(total)) - 1, nil
}

func (svc *Service) tenureDays(ctx context.Context, q store.Querier, workspaceID, agentID string, now time.Time) (int64, error) {
	var createdAt time.Time
	err := q.QueryRowContext(ctx,
		`SELECT created_at FROM agents WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID,
	).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, contracts.NewError(contracts.ReasonUnknownAgent, "agent "+agentID+" not found")
	}
	if err != nil {
		return 0, fmt.Errorf("trust: agent tenure: %w", err)
	}
	days := int64(now.Sub(createdAt).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days, nil
}

// riskSignals are the dampening inputs for autonomy recommendations.
type riskSignals struct {
	RepeatedMistakes7d int64   `json:"repeated_mistakes_7d"`
	AutonomyRate7d     float64 `json:"autonomy_rate_7d"`
	AssessmentFailed7d int64   `json:"assessment_failed_7d"`
	PassRate30d        float64 `json:"pass_rate_30d"`
	Attempts30d        int64   `json:"attempts_30d"`
}

func (svc *Service) deriveRiskSignals(ctx context.Context, q store.Querier, workspaceID, agentID string, now time.Time) (riskSignals, error) {
	since7d := now.Add(-signalWindow7d)
	since30d := now.Add(-signalWindow30d)
	var rs riskSignals

	failed, err := svc.events.CountByTypeSince(ctx, q, workspaceID, contracts.EventRunFailed, agentID, since7d)
	if err != nil {
		return rs, err
	}
	rs.RepeatedMistakes7d = int64(failed)

	// Autonomy rate: share of the agent's runs in the window that finished
	// without an approval gate on the same correlation.
	completed, err := svc.events.CountByTypeSince(ctx, q, workspaceID, contracts.EventRunCompleted, agentID, since7d)
	if err != nil {
		return rs, err
	}
	gated, err := svc.events.CountByTypeSince(ctx, q, workspaceID, contracts.EventApprovalRequested, agentID, since7d)
	if err != nil {
		return rs, err
	}
	total := completed + failed
	if total == 0 {
		rs.AutonomyRate7d = 1
	} else {
		free := total - gated
		if free < 0 {
			free = 0
		}
		rs.AutonomyRate7d = float64(free) / float64(total)
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM skill_assessments
		WHERE workspace_id = $1 AND agent_id = $2 AND created_at >= $3 AND status = 'failed'`,
		workspaceID, agentID, since7d,
	).Scan(&rs.AssessmentFailed7d)
	if err != nil {
		return rs, fmt.Errorf("trust: failed assessments: %w", err)
	}

	var passed30 int64
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END), 0)
		FROM skill_assessments
		WHERE workspace_id = $1 AND agent_id = $2 AND created_at >= $3 AND status <> 'started'`,
		workspaceID, agentID, since30d,
	).Scan(&rs.Attempts30d, &passed30)
	if err != nil {
		return rs, fmt.Errorf("trust: 30d pass rate: %w", err)
	}
	if rs.Attempts30d > 0 {
		rs.PassRate30d = float64(passed30) / float64(rs.Attempts30d)
	} else {
		rs.PassRate30d = 1
	}
	return rs, nil
}
