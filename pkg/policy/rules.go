package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/crewplane/core/pkg/store"
)

// WorkspaceRule is an operator-authored CEL predicate evaluated during
// authorization. Effect is applied when the expression evaluates true.
type WorkspaceRule struct {
	RuleID      string
	WorkspaceID string
	Expression  string
	Effect      string // deny | require_approval | allow
	Description string
}

// Rule effects.
const (
	EffectDeny            = "deny"
	EffectRequireApproval = "require_approval"
	EffectAllow           = "allow"
)

// ruleEnv declares the variables a workspace rule may reference.
func ruleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("room_id", cel.StringType),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("zone", cel.StringType),
		cel.Variable("egress_domain", cel.StringType),
		cel.Variable("reversible", cel.BoolType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// loadWorkspaceRules reads the workspace rule set, oldest first so rule
// authors get a deterministic evaluation order.
func loadWorkspaceRules(ctx context.Context, q store.Querier, workspaceID string) ([]WorkspaceRule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rule_id, workspace_id, expression, effect, description
		FROM workspace_policy_rules
		WHERE workspace_id = $1
		ORDER BY created_at, rule_id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("policy: load workspace rules: %w", err)
	}
	defer rows.Close()

	var rules []WorkspaceRule
	for rows.Next() {
		var r WorkspaceRule
		var description any
		if err := rows.Scan(&r.RuleID, &r.WorkspaceID, &r.Expression, &r.Effect, &description); err != nil {
			return nil, fmt.Errorf("policy: scan workspace rule: %w", err)
		}
		if s, ok := description.(string); ok {
			r.Description = s
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// evaluateRules runs the workspace rule set against the request. The first
// rule that evaluates true decides; a compile or evaluation failure fails
// closed with matched=true and effect deny, so a broken rule can never
// widen access.
func evaluateRules(rules []WorkspaceRule, activation map[string]any) (matched bool, effect, ruleID string, err error) {
	if len(rules) == 0 {
		return false, "", "", nil
	}
	env, err := ruleEnv()
	if err != nil {
		return true, EffectDeny, "", fmt.Errorf("policy: build rule env: %w", err)
	}
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return true, EffectDeny, rule.RuleID, fmt.Errorf("policy: compile rule %s: %w", rule.RuleID, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return true, EffectDeny, rule.RuleID, fmt.Errorf("policy: program rule %s: %w", rule.RuleID, err)
		}
		out, _, err := prg.Eval(activation)
		if err != nil {
			return true, EffectDeny, rule.RuleID, fmt.Errorf("policy: eval rule %s: %w", rule.RuleID, err)
		}
		truth, ok := out.Value().(bool)
		if !ok {
			return true, EffectDeny, rule.RuleID, fmt.Errorf("policy: rule %s is not a boolean predicate", rule.RuleID)
		}
		if truth {
			return true, rule.Effect, rule.RuleID, nil
		}
	}
	return false, "", "", nil
}
