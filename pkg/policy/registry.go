// Package policy implements the synchronous authorization decision
// function: capability-scope checks, action-registry gating, egress
// quotas, workspace CEL rules, and enforcement-mode handling.
package policy

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Zone is an action-risk tier.
type Zone string

const (
	ZoneSandbox    Zone = "sandbox"
	ZoneSupervised Zone = "supervised"
	ZoneHighStakes Zone = "high_stakes"
)

var zoneRank = map[Zone]int{
	ZoneSandbox:    1,
	ZoneSupervised: 2,
	ZoneHighStakes: 3,
}

// Exceeds reports whether z requires a higher tier than the caller's
// current zone. An unknown caller zone counts as sandbox.
func (z Zone) Exceeds(current Zone) bool {
	cur, ok := zoneRank[current]
	if !ok {
		cur = zoneRank[ZoneSandbox]
	}
	return zoneRank[z] > cur
}

// CostImpact and RecoveryDifficulty annotate registry actions for the
// autonomy recommendation engine.
type CostImpact string

const (
	CostLow    CostImpact = "low"
	CostMedium CostImpact = "medium"
	CostHigh   CostImpact = "high"
)

type RecoveryDifficulty string

const (
	RecoveryEasy     RecoveryDifficulty = "easy"
	RecoveryModerate RecoveryDifficulty = "moderate"
	RecoveryHard     RecoveryDifficulty = "hard"
)

// ActionSpec describes one known action type.
type ActionSpec struct {
	ActionType          string             `yaml:"action_type" json:"action_type"`
	Reversible          bool               `yaml:"reversible" json:"reversible"`
	ZoneRequired        Zone               `yaml:"zone_required" json:"zone_required"`
	RequiresPreApproval bool               `yaml:"requires_pre_approval" json:"requires_pre_approval"`
	PostReviewRequired  bool               `yaml:"post_review_required" json:"post_review_required"`
	CostImpact          CostImpact         `yaml:"cost_impact" json:"cost_impact"`
	RecoveryDifficulty  RecoveryDifficulty `yaml:"recovery_difficulty" json:"recovery_difficulty"`
}

// Registry is the action-type catalogue. Lookups on unknown actions
// return the conservative default: supervised zone, irreversible.
type Registry struct {
	actions map[string]ActionSpec
}

// defaultActions seed every deployment; a YAML registry file extends or
// overrides them.
var defaultActions = []ActionSpec{
	{ActionType: "message.post", Reversible: true, ZoneRequired: ZoneSandbox, CostImpact: CostLow, RecoveryDifficulty: RecoveryEasy},
	{ActionType: "artifact.create", Reversible: true, ZoneRequired: ZoneSandbox, CostImpact: CostLow, RecoveryDifficulty: RecoveryEasy},
	{ActionType: "internal.write", Reversible: true, ZoneRequired: ZoneSupervised, CostImpact: CostMedium, RecoveryDifficulty: RecoveryModerate},
	{ActionType: "external.write", Reversible: false, ZoneRequired: ZoneSupervised, RequiresPreApproval: true, PostReviewRequired: true, CostImpact: CostMedium, RecoveryDifficulty: RecoveryModerate},
	{ActionType: "egress.request", Reversible: false, ZoneRequired: ZoneSupervised, CostImpact: CostMedium, RecoveryDifficulty: RecoveryModerate},
	{ActionType: "data.read", Reversible: true, ZoneRequired: ZoneSandbox, CostImpact: CostLow, RecoveryDifficulty: RecoveryEasy},
	{ActionType: "data.write", Reversible: false, ZoneRequired: ZoneSupervised, PostReviewRequired: true, CostImpact: CostMedium, RecoveryDifficulty: RecoveryModerate},
	{ActionType: "deploy.production", Reversible: false, ZoneRequired: ZoneHighStakes, RequiresPreApproval: true, PostReviewRequired: true, CostImpact: CostHigh, RecoveryDifficulty: RecoveryHard},
	{ActionType: "billing.charge", Reversible: false, ZoneRequired: ZoneHighStakes, RequiresPreApproval: true, CostImpact: CostHigh, RecoveryDifficulty: RecoveryHard},
}

// NewRegistry returns a registry seeded with the default actions.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]ActionSpec, len(defaultActions))}
	for _, a := range defaultActions {
		r.actions[a.ActionType] = a
	}
	return r
}

// LoadFile merges action specs from a YAML file into the registry.
// File entries override defaults with the same action_type.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read action registry: %w", err)
	}
	var doc struct {
		Actions []ActionSpec `yaml:"actions"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("policy: parse action registry: %w", err)
	}
	for _, a := range doc.Actions {
		if a.ActionType == "" {
			return fmt.Errorf("policy: action registry entry missing action_type")
		}
		if a.ZoneRequired == "" {
			a.ZoneRequired = ZoneSupervised
		}
		r.actions[a.ActionType] = a
	}
	return nil
}

// Lookup returns the spec for an action type and whether it is known.
func (r *Registry) Lookup(actionType string) (ActionSpec, bool) {
	spec, ok := r.actions[actionType]
	if !ok {
		return ActionSpec{
			ActionType:         actionType,
			ZoneRequired:       ZoneSupervised,
			CostImpact:         CostMedium,
			RecoveryDifficulty: RecoveryModerate,
		}, false
	}
	return spec, true
}

// ActionTypes lists the registered action types, sorted.
func (r *Registry) ActionTypes() []string {
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
