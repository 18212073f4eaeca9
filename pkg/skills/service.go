package skills

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

// Package is the stored skill-package row.
type Package struct {
	PackageID    string          `json:"package_id"`
	WorkspaceID  string          `json:"workspace_id"`
	SkillName    string          `json:"skill_name"`
	Version      string          `json:"version"`
	Hash         string          `json:"hash,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	Manifest     json.RawMessage `json:"manifest,omitempty"`
	Status       Status          `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ImportItem is one package submission.
type ImportItem struct {
	SkillName string          `json:"skill_name"`
	Version   string          `json:"version"`
	Hash      string          `json:"hash"`
	Manifest  json.RawMessage `json:"manifest,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// ImportResultItem reports one package's outcome.
type ImportResultItem struct {
	SkillName string `json:"skill_name"`
	Version   string `json:"version"`
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// ImportSummary tallies an import batch.
type ImportSummary struct {
	Total       int `json:"total"`
	Verified    int `json:"verified"`
	Pending     int `json:"pending"`
	Quarantined int `json:"quarantined"`
}

// ImportResult is the full import response.
type ImportResult struct {
	Items   []ImportResultItem `json:"items"`
	Summary ImportSummary      `json:"summary"`
}

// Service owns the skills ledger.
type Service struct {
	store    *store.Store
	events   *eventstore.EventStore
	registry *projector.Registry
	clock    func() time.Time
}

// NewService wires the skills service.
func NewService(s *store.Store, es *eventstore.EventStore, reg *projector.Registry) *Service {
	return &Service{store: s, events: es, registry: reg, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (svc *Service) WithClock(clock func() time.Time) *Service {
	svc.clock = clock
	return svc
}

// Import runs the import decision for each submitted package and merges it
// into the ledger. Existing packages only move toward higher-ranked
// statuses; a replayed import of a quarantined package keeps the stored
// reason. When agentID is set, an agent-skill row is upserted per package.
func (svc *Service) Import(ctx context.Context, workspaceID, agentID string, items []ImportItem, correlationID string) (*ImportResult, error) {
	if len(items) == 0 {
		return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "packages are required")
	}
	for _, item := range items {
		if item.SkillName == "" || item.Version == "" {
			return nil, contracts.NewError(contracts.ReasonMissingRequiredField, "skill_name and version are required")
		}
		if _, err := semver.NewVersion(item.Version); err != nil {
			return nil, contracts.NewError(contracts.ReasonMissingRequiredField,
				"version "+item.Version+" is not valid semver").WithDetail("skill_name", item.SkillName)
		}
	}

	result := &ImportResult{}
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, item := range items {
			final, reason, err := svc.importOne(ctx, tx, workspaceID, agentID, item, correlationID)
			if err != nil {
				return err
			}
			result.Items = append(result.Items, ImportResultItem{
				SkillName: item.SkillName,
				Version:   item.Version,
				Status:    final,
				Reason:    reason,
			})
			result.Summary.Total++
			switch final {
			case StatusVerified:
				result.Summary.Verified++
			case StatusPending:
				result.Summary.Pending++
			case StatusQuarantined:
				result.Summary.Quarantined++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (svc *Service) importOne(ctx context.Context, tx *store.Tx, workspaceID, agentID string, item ImportItem, correlationID string) (Status, string, error) {
	now := svc.clock().UTC()
	decision := DecideImport(item.Hash, item.Manifest, item.Signature)

	existing, found, err := svc.loadPackage(ctx, tx, workspaceID, item.SkillName, item.Version)
	if err != nil {
		return "", "", err
	}

	final := decision.Status
	reason := decision.Reason
	if found {
		final = Merge(existing.Status, decision.Status)
		if final == existing.Status {
			reason = existing.StatusReason
		}
	}

	if !found {
		pkg := &Package{
			PackageID:   uuid.New().String(),
			WorkspaceID: workspaceID,
			SkillName:   item.SkillName,
			Version:     item.Version,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO skill_packages (
				package_id, workspace_id, skill_name, version, hash, signature,
				manifest, status, status_reason, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
			pkg.PackageID, workspaceID, item.SkillName, item.Version,
			nullString(item.Hash), nullString(item.Signature), nullString(string(item.Manifest)),
			string(final), nullString(reason), now,
		); err != nil {
			return "", "", fmt.Errorf("skills: insert package: %w", err)
		}
		if err := svc.emitPackageEvent(ctx, tx, workspaceID, agentID, item.SkillName, item.Version,
			contracts.EventSkillPackageInstalled, map[string]any{"status": string(final)}, correlationID); err != nil {
			return "", "", err
		}
	} else if final != existing.Status {
		if _, err := tx.ExecContext(ctx, `
			UPDATE skill_packages SET status = $1, status_reason = $2, updated_at = $3
			WHERE workspace_id = $4 AND skill_name = $5 AND version = $6`,
			string(final), nullString(reason), now, workspaceID, item.SkillName, item.Version,
		); err != nil {
			return "", "", fmt.Errorf("skills: merge package status: %w", err)
		}
	}

	// Status-change events only fire when the merge actually moved the
	// package into verified or quarantined.
	if !found || final != existing.Status {
		switch final {
		case StatusVerified:
			if err := svc.emitPackageEvent(ctx, tx, workspaceID, agentID, item.SkillName, item.Version,
				contracts.EventSkillPackageVerified, nil, correlationID); err != nil {
				return "", "", err
			}
		case StatusQuarantined:
			if err := svc.emitPackageEvent(ctx, tx, workspaceID, agentID, item.SkillName, item.Version,
				contracts.EventSkillPackageQuarantined, map[string]any{"reason": reason}, correlationID); err != nil {
				return "", "", err
			}
		}
	}

	if agentID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_skills (workspace_id, agent_id, skill_name, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (workspace_id, agent_id, skill_name) DO UPDATE
			SET updated_at = excluded.updated_at`,
			workspaceID, agentID, item.SkillName, now,
		); err != nil {
			return "", "", fmt.Errorf("skills: upsert agent skill: %w", err)
		}
	}
	return final, reason, nil
}

// ReviewOutcome reports one package reviewed out of pending.
type ReviewOutcome struct {
	SkillName string `json:"skill_name"`
	Version   string `json:"version"`
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// ReviewPending re-decides every pending package in the workspace against
// its stored fields. Pending is not a resting state under review: packages
// either verify or quarantine.
func (svc *Service) ReviewPending(ctx context.Context, workspaceID, agentID, correlationID string) ([]ReviewOutcome, error) {
	var outcomes []ReviewOutcome
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		outcomes, err = svc.reviewPendingTx(ctx, tx, workspaceID, agentID, correlationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (svc *Service) reviewPendingTx(ctx context.Context, tx *store.Tx, workspaceID, agentID, correlationID string) ([]ReviewOutcome, error) {
	now := svc.clock().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT skill_name, version, hash, signature, manifest
		FROM skill_packages
		WHERE workspace_id = $1 AND status = $2
		ORDER BY skill_name, version`,
		workspaceID, string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("skills: list pending: %w", err)
	}
	type pendingPkg struct {
		name, version, hash, signature string
		manifest                       json.RawMessage
	}
	var pending []pendingPkg
	for rows.Next() {
		var p pendingPkg
		var hash, signature, manifest sql.NullString
		if err := rows.Scan(&p.name, &p.version, &hash, &signature, &manifest); err != nil {
			rows.Close()
			return nil, fmt.Errorf("skills: scan pending: %w", err)
		}
		p.hash, p.signature = hash.String, signature.String
		p.manifest = json.RawMessage(manifest.String)
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var outcomes []ReviewOutcome
	for _, p := range pending {
		decision := DecideReview(p.hash, p.manifest, p.signature)
		if _, err := tx.ExecContext(ctx, `
			UPDATE skill_packages SET status = $1, status_reason = $2, updated_at = $3
			WHERE workspace_id = $4 AND skill_name = $5 AND version = $6 AND status = $7`,
			string(decision.Status), nullString(decision.Reason), now,
			workspaceID, p.name, p.version, string(StatusPending),
		); err != nil {
			return nil, fmt.Errorf("skills: review package: %w", err)
		}
		eventType := contracts.EventSkillPackageVerified
		var data map[string]any
		if decision.Status == StatusQuarantined {
			eventType = contracts.EventSkillPackageQuarantined
			data = map[string]any{"reason": decision.Reason}
		}
		if err := svc.emitPackageEvent(ctx, tx, workspaceID, agentID, p.name, p.version, eventType, data, correlationID); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, ReviewOutcome{SkillName: p.name, Version: p.version, Status: decision.Status, Reason: decision.Reason})
	}
	return outcomes, nil
}

// AssessOutcome reports synthetic assessments created for an agent.
type AssessOutcome struct {
	SkillName    string `json:"skill_name"`
	AssessmentID string `json:"assessment_id"`
	Skipped      bool   `json:"skipped,omitempty"`
}

// AssessImported creates a synthetic passed assessment for each of the
// agent's skills backed by a verified package, guaranteeing
// assessment_total >= 1 for primary eligibility. With onlyUnassessed,
// skills that already have any assessment are skipped.
func (svc *Service) AssessImported(ctx context.Context, workspaceID, agentID string, onlyUnassessed bool) ([]AssessOutcome, error) {
	var outcomes []AssessOutcome
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		outcomes, err = svc.assessImportedTx(ctx, tx, workspaceID, agentID, onlyUnassessed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (svc *Service) assessImportedTx(ctx context.Context, tx *store.Tx, workspaceID, agentID string, onlyUnassessed bool) ([]AssessOutcome, error) {
	now := svc.clock().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT s.skill_name, s.assessment_total
		FROM agent_skills s
		JOIN skill_packages p
		  ON p.workspace_id = s.workspace_id AND p.skill_name = s.skill_name
		WHERE s.workspace_id = $1 AND s.agent_id = $2 AND p.status = $3
		ORDER BY s.skill_name`,
		workspaceID, agentID, string(StatusVerified),
	)
	if err != nil {
		return nil, fmt.Errorf("skills: list assessable: %w", err)
	}
	type candidate struct {
		name  string
		total int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.name, &c.total); err != nil {
			rows.Close()
			return nil, fmt.Errorf("skills: scan assessable: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var outcomes []AssessOutcome
	for _, c := range candidates {
		if onlyUnassessed && c.total > 0 {
			outcomes = append(outcomes, AssessOutcome{SkillName: c.name, Skipped: true})
			continue
		}
		assessmentID := uuid.New().String()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO skill_assessments (assessment_id, workspace_id, agent_id, skill_name, status, score, created_at)
			VALUES ($1, $2, $3, $4, 'passed', 1.0, $5)`,
			assessmentID, workspaceID, agentID, c.name, now,
		); err != nil {
			return nil, fmt.Errorf("skills: insert assessment: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_skills
			SET assessment_total = assessment_total + 1,
			    assessment_passed = assessment_passed + 1,
			    updated_at = $1
			WHERE workspace_id = $2 AND agent_id = $3 AND skill_name = $4`,
			now, workspaceID, agentID, c.name,
		); err != nil {
			return nil, fmt.Errorf("skills: bump assessment counters: %w", err)
		}
		outcomes = append(outcomes, AssessOutcome{SkillName: c.name, AssessmentID: assessmentID})
	}
	return outcomes, nil
}

// CertifyResult is the composite review + assess outcome.
type CertifyResult struct {
	Reviewed []ReviewOutcome `json:"reviewed"`
	Assessed []AssessOutcome `json:"assessed"`
}

// CertifyImported composes review-pending and assess-imported in one
// transaction under a shared correlation id.
func (svc *Service) CertifyImported(ctx context.Context, workspaceID, agentID string, onlyUnassessed bool, correlationID string) (*CertifyResult, error) {
	result := &CertifyResult{}
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		reviewed, err := svc.reviewPendingTx(ctx, tx, workspaceID, agentID, correlationID)
		if err != nil {
			return err
		}
		assessed, err := svc.assessImportedTx(ctx, tx, workspaceID, agentID, onlyUnassessed)
		if err != nil {
			return err
		}
		result.Reviewed, result.Assessed = reviewed, assessed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordUsage bumps the usage counters of an agent skill.
func (svc *Service) RecordUsage(ctx context.Context, workspaceID, agentID, skillName string) error {
	now := svc.clock().UTC()
	return svc.store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_skills
			SET usage_total = usage_total + 1,
			    usage_7d = usage_7d + 1,
			    usage_30d = usage_30d + 1,
			    updated_at = $1
			WHERE workspace_id = $2 AND agent_id = $3 AND skill_name = $4`,
			now, workspaceID, agentID, skillName,
		)
		if err != nil {
			return fmt.Errorf("skills: record usage: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return contracts.NewError(contracts.ReasonNotFound, "agent skill "+skillName+" not found")
		}
		return nil
	})
}

// AgentSkill is the projected per-agent skill row.
type AgentSkill struct {
	WorkspaceID      string    `json:"workspace_id"`
	AgentID          string    `json:"agent_id"`
	SkillName        string    `json:"skill_name"`
	Level            int64     `json:"level"`
	UsageTotal       int64     `json:"usage_total"`
	Usage7d          int64     `json:"usage_7d"`
	Usage30d         int64     `json:"usage_30d"`
	AssessmentTotal  int64     `json:"assessment_total"`
	AssessmentPassed int64     `json:"assessment_passed"`
	ReliabilityScore float64   `json:"reliability_score"`
	IsPrimary        bool      `json:"is_primary"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SetPrimary picks the agent's primary skill: the top row by usage, then
// reliability, then level, then recency, restricted to skills with at
// least one assessment. The partial unique index allows at most one
// primary per agent, so the flip is two-phased inside one transaction:
// clear, then set.
func (svc *Service) SetPrimary(ctx context.Context, workspaceID, agentID, correlationID string) (*AgentSkill, error) {
	now := svc.clock().UTC()
	var primary *AgentSkill
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx, `
			SELECT skill_name FROM agent_skills
			WHERE workspace_id = $1 AND agent_id = $2 AND assessment_total >= 1
			ORDER BY usage_total DESC, reliability_score DESC, level DESC, updated_at DESC
			LIMIT 1`,
			workspaceID, agentID,
		).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.NewError(contracts.ReasonNotFound, "no assessed skill eligible for primary")
		}
		if err != nil {
			return fmt.Errorf("skills: pick primary: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_skills SET is_primary = FALSE, updated_at = $1
			WHERE workspace_id = $2 AND agent_id = $3 AND is_primary`,
			now, workspaceID, agentID,
		); err != nil {
			return fmt.Errorf("skills: clear primary: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_skills SET is_primary = TRUE, updated_at = $1
			WHERE workspace_id = $2 AND agent_id = $3 AND skill_name = $4`,
			now, workspaceID, agentID, name,
		); err != nil {
			return fmt.Errorf("skills: set primary: %w", err)
		}

		env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
			EventType:     contracts.EventAgentSkillPrimarySet,
			WorkspaceID:   workspaceID,
			Actor:         contracts.Actor{Type: contracts.ActorService, ID: "skills-ledger"},
			Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			Data:          map[string]any{"agent_id": agentID, "skill_name": name},
		})
		if err != nil {
			return err
		}
		if err := svc.registry.Apply(ctx, tx, env); err != nil {
			return err
		}

		primary, err = svc.loadAgentSkill(ctx, tx, workspaceID, agentID, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return primary, nil
}

// ListAgentSkills returns the agent's skill rows, primary first.
func (svc *Service) ListAgentSkills(ctx context.Context, workspaceID, agentID string) ([]*AgentSkill, error) {
	rows, err := svc.store.DB().QueryContext(ctx, `
		SELECT workspace_id, agent_id, skill_name, level, usage_total, usage_7d, usage_30d,
		       assessment_total, assessment_passed, reliability_score, is_primary, updated_at
		FROM agent_skills
		WHERE workspace_id = $1 AND agent_id = $2
		ORDER BY is_primary DESC, usage_total DESC, skill_name`,
		workspaceID, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("skills: list agent skills: %w", err)
	}
	defer rows.Close()

	var out []*AgentSkill
	for rows.Next() {
		s, err := scanAgentSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetPackage loads one skill package.
func (svc *Service) GetPackage(ctx context.Context, workspaceID, skillName, version string) (*Package, error) {
	pkg, found, err := svc.loadPackage(ctx, svc.store.DB(), workspaceID, skillName, version)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, contracts.NewError(contracts.ReasonNotFound, "skill package "+skillName+"@"+version+" not found")
	}
	return pkg, nil
}

func (svc *Service) loadPackage(ctx context.Context, q store.Querier, workspaceID, skillName, version string) (*Package, bool, error) {
	var (
		pkg                       Package
		hash, signature, manifest sql.NullString
		statusReason              sql.NullString
		status                    string
	)
	err := q.QueryRowContext(ctx, `
		SELECT package_id, workspace_id, skill_name, version, hash, signature, manifest,
		       status, status_reason, created_at, updated_at
		FROM skill_packages
		WHERE workspace_id = $1 AND skill_name = $2 AND version = $3`,
		workspaceID, skillName, version,
	).Scan(&pkg.PackageID, &pkg.WorkspaceID, &pkg.SkillName, &pkg.Version,
		&hash, &signature, &manifest, &status, &statusReason, &pkg.CreatedAt, &pkg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("skills: load package: %w", err)
	}
	pkg.Hash, pkg.Signature = hash.String, signature.String
	pkg.Manifest = json.RawMessage(manifest.String)
	pkg.Status = Status(status)
	pkg.StatusReason = statusReason.String
	return &pkg, true, nil
}

func (svc *Service) loadAgentSkill(ctx context.Context, q store.Querier, workspaceID, agentID, skillName string) (*AgentSkill, error) {
	row := q.QueryRowContext(ctx, `
		SELECT workspace_id, agent_id, skill_name, level, usage_total, usage_7d, usage_30d,
		       assessment_total, assessment_passed, reliability_score, is_primary, updated_at
		FROM agent_skills
		WHERE workspace_id = $1 AND agent_id = $2 AND skill_name = $3`,
		workspaceID, agentID, skillName,
	)
	s, err := scanAgentSkill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewError(contracts.ReasonNotFound, "agent skill "+skillName+" not found")
	}
	return s, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentSkill(row rowScanner) (*AgentSkill, error) {
	var s AgentSkill
	err := row.Scan(&s.WorkspaceID, &s.AgentID, &s.SkillName, &s.Level,
		&s.UsageTotal, &s.Usage7d, &s.Usage30d,
		&s.AssessmentTotal, &s.AssessmentPassed, &s.ReliabilityScore,
		&s.IsPrimary, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (svc *Service) emitPackageEvent(ctx context.Context, tx *store.Tx, workspaceID, agentID, skillName, version, eventType string, extra map[string]any, correlationID string) error {
	actor := contracts.Actor{Type: contracts.ActorService, ID: "skills-ledger"}
	if agentID != "" {
		actor = contracts.Actor{Type: contracts.ActorAgent, ID: agentID}
	}
	data := map[string]any{"skill_name": skillName, "version": version}
	for k, v := range extra {
		data[k] = v
	}
	env, _, err := svc.events.Append(ctx, tx, &contracts.EventEnvelope{
		EventType:     eventType,
		WorkspaceID:   workspaceID,
		Actor:         actor,
		Stream:        contracts.Stream{Type: contracts.StreamWorkspace, ID: workspaceID},
		CorrelationID: correlationID,
		Data:          data,
	})
	if err != nil {
		return err
	}
	return svc.registry.Apply(ctx, tx, env)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
