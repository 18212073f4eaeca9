package trust

import (
	"context"
	"time"

	"github.com/crewplane/core/pkg/policy"
	"github.com/crewplane/core/pkg/store"
)

// Approval-mode targets and modes.
const (
	TargetInternalWrite = "internal_write"
	TargetExternalWrite = "external_write"
	TargetHighStakes    = "high_stakes"
)

// Mode is how much oversight an action family needs.
type Mode string

const (
	ModeAuto    Mode = "auto"    // act, no review
	ModePost    Mode = "post"    // act, reviewed afterwards
	ModePre     Mode = "pre"     // approval before acting
	ModeBlocked Mode = "blocked" // not available at all
)

// downgrade moves a mode one step toward more oversight, stopping at pre.
// Dampening never blocks; only quarantine does.
func downgrade(m Mode) Mode {
	switch m {
	case ModeAuto:
		return ModePost
	case ModePost:
		return ModePre
	default:
		return m
	}
}

// TargetRecommendation is one row of the approval-mode recommendation.
type TargetRecommendation struct {
	Target      string            `json:"target"`
	Mode        Mode              `json:"mode"`
	Reasons     []string          `json:"reasons,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ApprovalModes is the full recommendation: one row per target plus the
// inputs that produced it.
type ApprovalModes struct {
	AgentID    string                 `json:"agent_id"`
	TrustScore float64                `json:"trust_score"`
	Targets    []TargetRecommendation `json:"targets"`
	ComputedAt time.Time              `json:"computed_at"`
}

// RecommendApprovalModes builds the three-target approval-mode
// recommendation for an agent: a trust-derived base mode per target, then
// monotone dampening from recent risk signals. Dampening only ever
// tightens oversight.
func (svc *Service) RecommendApprovalModes(ctx context.Context, workspaceID, agentID string) (*ApprovalModes, error) {
	now := svc.clock().UTC()
	var out *ApprovalModes
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		agent, err := svc.identity.GetAgent(ctx, tx, workspaceID, agentID)
		if err != nil {
			return err
		}
		state, hasState, err := svc.load(ctx, tx, workspaceID, agentID)
		if err != nil {
			return err
		}
		var score float64
		if hasState {
			score = state.Score
		}
		risks, err := svc.deriveRiskSignals(ctx, tx, workspaceID, agentID, now)
		if err != nil {
			return err
		}
		scopes, _, err := svc.identity.ActiveScopes(ctx, tx, workspaceID, agent.PrincipalID)
		if err != nil {
			return err
		}

		out = &ApprovalModes{AgentID: agentID, TrustScore: score, ComputedAt: now}
		for _, target := range []string{TargetInternalWrite, TargetExternalWrite, TargetHighStakes} {
			row := TargetRecommendation{Target: target, Annotations: map[string]string{}}

			if agent.Quarantined() {
				row.Mode = ModeBlocked
				row.Reasons = append(row.Reasons, "agent_quarantined")
				out.Targets = append(out.Targets, row)
				continue
			}

			row.Mode = baseMode(target, score)

			// Registry annotations for the actions the agent can currently
			// reach in this target family. High cost or hard recovery is a
			// dampening step of its own.
			cost, recovery := svc.annotate(target, scopes.ActionTypes)
			row.Annotations["cost_impact"] = string(cost)
			row.Annotations["recovery_difficulty"] = string(recovery)
			if cost == policy.CostHigh || recovery == policy.RecoveryHard {
				row.Mode = downgrade(row.Mode)
				row.Reasons = append(row.Reasons, "costly_or_hard_to_recover")
			}

			if risks.RepeatedMistakes7d >= 2 {
				row.Mode = downgrade(row.Mode)
				row.Reasons = append(row.Reasons, "repeated_mistakes_7d")
			}
			if risks.AutonomyRate7d < 0.5 {
				row.Mode = downgrade(row.Mode)
				row.Reasons = append(row.Reasons, "low_autonomy_rate_7d")
			}
			if risks.AssessmentFailed7d >= 2 || (risks.Attempts30d >= 3 && risks.PassRate30d < 0.6) {
				row.Mode = downgrade(row.Mode)
				row.Reasons = append(row.Reasons, "weak_assessment_record")
			}

			out.Targets = append(out.Targets, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// baseMode maps trust score to the undampened mode per target.
func baseMode(target string, score float64) Mode {
	switch target {
	case TargetInternalWrite:
		switch {
		case score >= 0.75:
			return ModeAuto
		case score >= 0.45:
			return ModePost
		default:
			return ModePre
		}
	case TargetExternalWrite:
		switch {
		case score >= 0.85:
			return ModeAuto
		case score >= 0.65:
			return ModePost
		default:
			return ModePre
		}
	default: // high stakes never runs unsupervised
		if score >= 0.9 {
			return ModePost
		}
		return ModePre
	}
}

// annotate reports the worst cost/recovery annotations among the scoped
// registry actions belonging to the target family.
func (svc *Service) annotate(target string, scopedActions []string) (policy.CostImpact, policy.RecoveryDifficulty) {
	cost, recovery := policy.CostLow, policy.RecoveryEasy
	for _, actionType := range scopedActions {
		if actionType == "*" {
			continue
		}
		spec, known := svc.actions.Lookup(actionType)
		if !known || !inTarget(target, spec) {
			continue
		}
		if costRank(spec.CostImpact) > costRank(cost) {
			cost = spec.CostImpact
		}
		if recoveryRank(spec.RecoveryDifficulty) > recoveryRank(recovery) {
			recovery = spec.RecoveryDifficulty
		}
	}
	return cost, recovery
}

func inTarget(target string, spec policy.ActionSpec) bool {
	switch target {
	case TargetHighStakes:
		return spec.ZoneRequired == policy.ZoneHighStakes
	case TargetExternalWrite:
		return spec.ZoneRequired != policy.ZoneHighStakes && !spec.Reversible
	default:
		return spec.ZoneRequired != policy.ZoneHighStakes && spec.Reversible
	}
}

func costRank(c policy.CostImpact) int {
	switch c {
	case policy.CostHigh:
		return 3
	case policy.CostMedium:
		return 2
	default:
		return 1
	}
}

func recoveryRank(r policy.RecoveryDifficulty) int {
	switch r {
	case policy.RecoveryHard:
		return 3
	case policy.RecoveryModerate:
		return 2
	default:
		return 1
	}
}
