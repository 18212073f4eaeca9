package policy

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/identity"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

// Effect is the authorization verdict.
type Effect string

const (
	Allow           Effect = "allow"
	Deny            Effect = "deny"
	RequireApproval Effect = "require_approval"
)

// Decision reason codes. These travel inside the decision payload and in
// emitted events; they are not HTTP reason codes.
const (
	DecisionKillSwitch      = "kill_switch_active"
	DecisionQuarantined     = "agent_quarantined"
	DecisionNoScope         = "no_scope"
	DecisionPreRequired     = "pre_required"
	DecisionHighStakes      = "high_stakes"
	DecisionZoneMismatch    = "zone_mismatch"
	DecisionQuotaExceeded   = "quota_exceeded"
	DecisionRuleError       = "policy_rule_error"
	DecisionWorkspaceRule   = "workspace_rule"
	DecisionAllowed         = "allowed"
	DecisionPurposeMismatch = "purpose_hint_mismatch"
)

// Enforcement modes.
const (
	ModeEnforce = "enforce"
	ModeDryRun  = "dry_run"
)

// Request is one authorization question.
type Request struct {
	WorkspaceID         string         `json:"workspace_id"`
	ActionType          string         `json:"action_type"`
	Tool                string         `json:"tool,omitempty"`
	RoomID              string         `json:"room_id,omitempty"`
	RunID               string         `json:"run_id,omitempty"`
	StepID              string         `json:"step_id,omitempty"`
	AgentID             string         `json:"agent_id,omitempty"`
	PrincipalID         string         `json:"principal_id,omitempty"`
	Zone                Zone           `json:"zone,omitempty"`
	EgressDomain        string         `json:"egress_domain,omitempty"`
	DataAccess          string         `json:"data_access,omitempty"` // "", "read", "write"
	ResourcePurposeTags []string       `json:"resource_purpose_tags,omitempty"`
	RequestPurposeTags  []string       `json:"request_purpose_tags,omitempty"`
	CorrelationID       string         `json:"correlation_id"`
	Context             map[string]any `json:"context,omitempty"`
}

// Decision is the full authorization answer.
type Decision struct {
	Decision        Effect         `json:"decision"`
	ReasonCode      string         `json:"reason_code"`
	Reason          string         `json:"reason,omitempty"`
	EnforcementMode string         `json:"enforcement_mode"`
	Blocked         bool           `json:"blocked"`
	DecisionHash    string         `json:"decision_hash"`
	TokenIDs        []string       `json:"token_ids,omitempty"`
	Action          ActionSpec     `json:"action"`
	Details         map[string]any `json:"details,omitempty"`
}

// Engine evaluates authorization requests against capability scopes, the
// action registry, egress quotas, and workspace rules.
type Engine struct {
	store    *store.Store
	events   *eventstore.EventStore
	registry *projector.Registry
	identity *identity.Service
	actions  *Registry
	logger   *slog.Logger
	clock    func() time.Time
}

// NewEngine wires a policy engine.
func NewEngine(s *store.Store, es *eventstore.EventStore, reg *projector.Registry, ids *identity.Service, actions *Registry, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		events:   es,
		registry: reg,
		identity: ids,
		actions:  actions,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Authorize answers a policy question inside its own transaction, emitting
// any informational events the evaluation produces (quota.exceeded,
// policy.dry_run.*, data.access.*).
func (e *Engine) Authorize(ctx context.Context, req *Request) (*Decision, error) {
	var decision *Decision
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		decision, err = e.AuthorizeTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// AuthorizeTx evaluates the decision inside the caller's transaction so a
// command can combine authorization with its own writes atomically.
func (e *Engine) AuthorizeTx(ctx context.Context, tx *store.Tx, req *Request) (*Decision, error) {
	if req.WorkspaceID == "" || req.ActionType == "" {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "workspace_id and action_type are required")
	}
	if req.CorrelationID == "" {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "correlation_id is required")
	}

	cfg, err := e.workspaceConfig(ctx, tx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	spec, _ := e.actions.Lookup(req.ActionType)

	decision, err := e.decide(ctx, tx, req, cfg, spec)
	if err != nil {
		return nil, err
	}

	decision.EnforcementMode = cfg.enforcementMode
	decision.Action = spec
	decision.Blocked = decision.Decision != Allow && cfg.enforcementMode == ModeEnforce

	hash, err := decisionHash(req, decision)
	if err != nil {
		return nil, err
	}
	decision.DecisionHash = hash

	if cfg.enforcementMode == ModeDryRun && decision.Decision != Allow {
		if err := e.emit(ctx, tx, req, contracts.DryRunEventType(string(decision.Decision)), map[string]any{
			"action_type":   req.ActionType,
			"reason_code":   decision.ReasonCode,
			"decision_hash": decision.DecisionHash,
		}); err != nil {
			return nil, err
		}
	}
	return decision, nil
}

// AuthorizeEgress evaluates an egress request and records the verdict as
// egress.allowed or egress.blocked in the same transaction.
func (e *Engine) AuthorizeEgress(ctx context.Context, req *Request) (*Decision, error) {
	if req.EgressDomain == "" {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "egress_domain is required")
	}
	var decision *Decision
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		decision, err = e.AuthorizeTx(ctx, tx, req)
		if err != nil {
			return err
		}
		eventType := contracts.EventEgressAllowed
		if decision.Blocked {
			eventType = contracts.EventEgressBlocked
		}
		return e.emit(ctx, tx, req, eventType, map[string]any{
			"domain":        req.EgressDomain,
			"decision":      string(decision.Decision),
			"reason_code":   decision.ReasonCode,
			"decision_hash": decision.DecisionHash,
		})
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

type workspaceConfig struct {
	enforcementMode string
	killSwitch      bool
}

func (e *Engine) workspaceConfig(ctx context.Context, q store.Querier, workspaceID string) (workspaceConfig, error) {
	cfg := workspaceConfig{enforcementMode: ModeEnforce}
	err := q.QueryRowContext(ctx, `
		SELECT enforcement_mode, kill_switch FROM workspace_config WHERE workspace_id = $1`,
		workspaceID,
	).Scan(&cfg.enforcementMode, &cfg.killSwitch)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("policy: load workspace config: %w", err)
	}
	return cfg, nil
}

// decide walks the decision ladder in order; the first match wins.
func (e *Engine) decide(ctx context.Context, tx *store.Tx, req *Request, cfg workspaceConfig, spec ActionSpec) (*Decision, error) {
	if cfg.killSwitch {
		return &Decision{Decision: Deny, ReasonCode: DecisionKillSwitch, Reason: "workspace kill switch is active"}, nil
	}

	var (
		scopes   identity.Scopes
		tokenIDs []string
	)
	if req.AgentID != "" {
		agent, err := e.identity.GetAgent(ctx, tx, req.WorkspaceID, req.AgentID)
		if err != nil {
			return nil, err
		}
		if agent.Quarantined() {
			return &Decision{Decision: Deny, ReasonCode: DecisionQuarantined, Reason: "agent is quarantined"}, nil
		}
		if req.PrincipalID == "" {
			req.PrincipalID = agent.PrincipalID
		}
	}
	if req.PrincipalID != "" {
		var err error
		scopes, tokenIDs, err = e.identity.ActiveScopes(ctx, tx, req.WorkspaceID, req.PrincipalID)
		if err != nil {
			return nil, err
		}
	}

	if reason, ok := scopeGap(req, scopes); !ok {
		return &Decision{Decision: Deny, ReasonCode: DecisionNoScope, Reason: reason, TokenIDs: tokenIDs}, nil
	}

	// Purpose-tag hint is informational: mismatch emits events, then the
	// standard ladder continues.
	if err := e.purposeHint(ctx, tx, req); err != nil {
		return nil, err
	}

	switch {
	case spec.RequiresPreApproval:
		return &Decision{Decision: RequireApproval, ReasonCode: DecisionPreRequired, Reason: "action requires pre-approval", TokenIDs: tokenIDs}, nil
	case spec.ZoneRequired == ZoneHighStakes:
		return &Decision{Decision: RequireApproval, ReasonCode: DecisionHighStakes, Reason: "high-stakes action requires approval", TokenIDs: tokenIDs}, nil
	case spec.ZoneRequired.Exceeds(req.Zone):
		return &Decision{Decision: RequireApproval, ReasonCode: DecisionZoneMismatch,
			Reason: fmt.Sprintf("action requires zone %s, caller is in %s", spec.ZoneRequired, req.Zone), TokenIDs: tokenIDs}, nil
	}

	if req.EgressDomain != "" {
		exceeded, err := e.consumeEgressQuota(ctx, tx, req)
		if err != nil {
			return nil, err
		}
		if exceeded {
			if err := e.emit(ctx, tx, req, contracts.EventQuotaExceeded, map[string]any{
				"domain": req.EgressDomain,
			}); err != nil {
				return nil, err
			}
			return &Decision{Decision: Deny, ReasonCode: DecisionQuotaExceeded, Reason: "egress quota exceeded for " + req.EgressDomain, TokenIDs: tokenIDs}, nil
		}
	}

	rules, err := loadWorkspaceRules(ctx, tx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	matched, effect, ruleID, ruleErr := evaluateRules(rules, map[string]any{
		"action":        req.ActionType,
		"tool":          req.Tool,
		"room_id":       req.RoomID,
		"agent_id":      req.AgentID,
		"zone":          string(req.Zone),
		"egress_domain": req.EgressDomain,
		"reversible":    spec.Reversible,
		"context":       nonNilContext(req.Context),
	})
	if ruleErr != nil {
		// Fail closed: a rule we cannot evaluate can never widen access.
		e.logger.Warn("workspace policy rule failed", "workspace_id", req.WorkspaceID, "rule_id", ruleID, "error", ruleErr)
		return &Decision{Decision: Deny, ReasonCode: DecisionRuleError,
			Reason: "workspace policy rule could not be evaluated", TokenIDs: tokenIDs,
			Details: map[string]any{"rule_id": ruleID}}, nil
	}
	if matched {
		d := &Decision{ReasonCode: DecisionWorkspaceRule, Reason: "matched workspace rule", TokenIDs: tokenIDs,
			Details: map[string]any{"rule_id": ruleID}}
		switch effect {
		case EffectDeny:
			d.Decision = Deny
		case EffectRequireApproval:
			d.Decision = RequireApproval
		case EffectAllow:
			d.Decision = Allow
			d.ReasonCode = DecisionAllowed
		default:
			d.Decision = Deny
			d.ReasonCode = DecisionRuleError
		}
		return d, nil
	}

	return &Decision{Decision: Allow, ReasonCode: DecisionAllowed, TokenIDs: tokenIDs}, nil
}

// scopeGap reports whether the active scope union covers every surface the
// request touches. The empty-token case reads as an uncovered gap too.
func scopeGap(req *Request, scopes identity.Scopes) (string, bool) {
	if req.AgentID == "" && req.PrincipalID == "" {
		// Services without an identity are authorized elsewhere (engine
		// tokens); nothing to check here.
		return "", true
	}
	if req.RoomID != "" && !scopes.HasRoom(req.RoomID) {
		return "no capability scope for room " + req.RoomID, false
	}
	if req.Tool != "" && !scopes.HasTool(req.Tool) {
		return "no capability scope for tool " + req.Tool, false
	}
	if !scopes.HasActionType(req.ActionType) {
		return "no capability scope for action " + req.ActionType, false
	}
	if req.EgressDomain != "" && !scopes.HasEgressDomain(req.EgressDomain) {
		return "no capability scope for egress domain " + req.EgressDomain, false
	}
	if req.DataAccess == "read" && !scopes.DataRead {
		return "no data-read capability", false
	}
	if req.DataAccess == "write" && !scopes.DataWrite {
		return "no data-write capability", false
	}
	return "", true
}

// purposeHint implements the data-access purpose-tag advisory: when both
// tag sets are non-empty and disjoint, emit the mismatch event followed by
// justified or unjustified depending on whether the caller explained
// itself.
func (e *Engine) purposeHint(ctx context.Context, tx *store.Tx, req *Request) error {
	if req.DataAccess == "" || len(req.ResourcePurposeTags) == 0 || len(req.RequestPurposeTags) == 0 {
		return nil
	}
	if overlaps(req.ResourcePurposeTags, req.RequestPurposeTags) {
		return nil
	}
	payload := map[string]any{
		"resource_purpose_tags": req.ResourcePurposeTags,
		"request_purpose_tags":  req.RequestPurposeTags,
		"data_access":           req.DataAccess,
	}
	if err := e.emit(ctx, tx, req, contracts.EventDataAccessHintMismatch, payload); err != nil {
		return err
	}
	followUp := contracts.EventDataAccessUnjustified
	if justification, ok := req.Context["justification"].(string); ok && justification != "" {
		followUp = contracts.EventDataAccessJustified
		payload["justification"] = justification
	}
	return e.emit(ctx, tx, req, followUp, payload)
}

func overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// consumeEgressQuota charges one unit against the per-day domain quota.
// Returns true when the quota is already exhausted; the unit is only
// charged on success. Domains without a quota row are unmetered.
func (e *Engine) consumeEgressQuota(ctx context.Context, tx *store.Tx, req *Request) (bool, error) {
	day := e.clock().UTC().Format("2006-01-02")
	var used, limit int64
	err := tx.QueryRowContext(ctx, `
		SELECT used, quota_limit FROM egress_quotas
		WHERE workspace_id = $1 AND domain = $2 AND day = $3`,
		req.WorkspaceID, req.EgressDomain, day,
	).Scan(&used, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("policy: load egress quota: %w", err)
	}
	if used >= limit {
		return true, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE egress_quotas SET used = used + 1
		WHERE workspace_id = $1 AND domain = $2 AND day = $3 AND used < quota_limit`,
		req.WorkspaceID, req.EgressDomain, day,
	); err != nil {
		return false, fmt.Errorf("policy: charge egress quota: %w", err)
	}
	return false, nil
}

func (e *Engine) emit(ctx context.Context, tx *store.Tx, req *Request, eventType string, data map[string]any) error {
	actor := contracts.Actor{Type: contracts.ActorService, ID: "policy-engine"}
	if req.AgentID != "" {
		actor = contracts.Actor{Type: contracts.ActorAgent, ID: req.AgentID, PrincipalID: req.PrincipalID}
	}
	stream := contracts.Stream{Type: contracts.StreamWorkspace, ID: req.WorkspaceID}
	if req.RoomID != "" {
		stream = contracts.Stream{Type: contracts.StreamRoom, ID: req.RoomID}
	}
	env, _, err := e.events.Append(ctx, tx, &contracts.EventEnvelope{
		EventType:     eventType,
		WorkspaceID:   req.WorkspaceID,
		RoomID:        req.RoomID,
		RunID:         req.RunID,
		StepID:        req.StepID,
		Actor:         actor,
		Stream:        stream,
		CorrelationID: req.CorrelationID,
		Data:          data,
	})
	if err != nil {
		return err
	}
	return e.registry.Apply(ctx, tx, env)
}

// decisionHash is a deterministic digest over the request surface and the
// verdict, canonicalized with JCS so field order cannot change the hash.
func decisionHash(req *Request, d *Decision) (string, error) {
	record := map[string]any{
		"workspace_id": req.WorkspaceID,
		"action_type":  req.ActionType,
		"tool":         req.Tool,
		"room_id":      req.RoomID,
		"agent_id":     req.AgentID,
		"zone":         string(req.Zone),
		"domain":       req.EgressDomain,
		"decision":     string(d.Decision),
		"reason_code":  d.ReasonCode,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("policy: hash decision: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize decision: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func nonNilContext(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
