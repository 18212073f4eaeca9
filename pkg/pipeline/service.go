package pipeline

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/store"
)

// Item is one placed entity in the projection output.
type Item struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Stage      string    `json:"stage"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	Snapshot   Snapshot  `json:"snapshot"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StageBucket groups items placed into one stage.
type StageBucket struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Items []*Item `json:"items"`
}

// Meta carries pagination and freshness data for the envelope shape.
type Meta struct {
	WatermarkEventID string    `json:"watermark_event_id,omitempty"`
	GeneratedAt      time.Time `json:"generated_at"`
	Count            int       `json:"count"`
	NextCursor       string    `json:"next_cursor,omitempty"`
}

// Envelope is the meta+stages output shape.
type Envelope struct {
	Meta   Meta           `json:"meta"`
	Stages []*StageBucket `json:"stages"`
}

// Page is the legacy flat output shape.
type Page struct {
	Items      []*Item `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// Service builds the pipeline projection from the entity tables.
type Service struct {
	store  *store.Store
	events *eventstore.EventStore
	logger *slog.Logger
	clock  func() time.Time
}

// NewService wires the pipeline projection reader.
func NewService(s *store.Store, es *eventstore.EventStore, logger *slog.Logger) *Service {
	return &Service{store: s, events: es, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (svc *Service) WithClock(clock func() time.Time) *Service {
	svc.clock = clock
	return svc
}

// cursor is the resume point of a page: the (updated_at, entity_type,
// entity_id) tuple of the last item returned.
type cursor struct {
	UpdatedAt  time.Time
	EntityType string
	EntityID   string
}

func encodeCursor(c cursor) string {
	raw := c.UpdatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.EntityType + "|" + c.EntityID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, contracts.NewError(contracts.ReasonMissingRequiredField, "malformed cursor")
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 {
		return cursor{}, contracts.NewError(contracts.ReasonMissingRequiredField, "malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return cursor{}, contracts.NewError(contracts.ReasonMissingRequiredField, "malformed cursor")
	}
	return cursor{UpdatedAt: at, EntityType: parts[1], EntityID: parts[2]}, nil
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// List returns the next page of placed entities in (updated_at,
// entity_type, entity_id) order.
func (svc *Service) List(ctx context.Context, workspaceID, afterCursor string, limit int) (*Page, error) {
	limit = clampLimit(limit)
	var after *cursor
	if afterCursor != "" {
		c, err := decodeCursor(afterCursor)
		if err != nil {
			return nil, err
		}
		after = &c
	}

	snapshots, err := svc.loadSnapshots(ctx, workspaceID, after, limit)
	if err != nil {
		return nil, err
	}

	page := &Page{Items: make([]*Item, 0, len(snapshots))}
	var last *Snapshot
	for i := range snapshots {
		s := snapshots[i]
		placement := Resolve(s)
		last = &snapshots[i]
		if placement.Skip {
			continue
		}
		page.Items = append(page.Items, &Item{
			EntityType: s.EntityType,
			EntityID:   s.EntityID,
			Stage:      placement.Stage,
			Diagnostic: placement.Diagnostic,
			Snapshot:   s,
			UpdatedAt:  s.UpdatedAt,
		})
	}
	if len(snapshots) == limit && last != nil {
		page.NextCursor = encodeCursor(cursor{
			UpdatedAt: last.UpdatedAt, EntityType: last.EntityType, EntityID: last.EntityID,
		})
	}
	return page, nil
}

// ListEnvelope returns the same page grouped by stage with freshness
// metadata. The watermark is the newest event the projection has seen.
func (svc *Service) ListEnvelope(ctx context.Context, workspaceID, afterCursor string, limit int) (*Envelope, error) {
	page, err := svc.List(ctx, workspaceID, afterCursor, limit)
	if err != nil {
		return nil, err
	}

	byStage := make(map[string][]*Item, len(Stages))
	for _, item := range page.Items {
		byStage[item.Stage] = append(byStage[item.Stage], item)
	}
	env := &Envelope{
		Meta: Meta{
			GeneratedAt: svc.clock().UTC(),
			Count:       len(page.Items),
			NextCursor:  page.NextCursor,
		},
		Stages: make([]*StageBucket, 0, len(Stages)),
	}
	for _, stage := range Stages {
		items := byStage[stage]
		if items == nil {
			items = []*Item{}
		}
		env.Stages = append(env.Stages, &StageBucket{Stage: stage, Count: len(items), Items: items})
	}

	watermarkID, _, err := svc.events.LatestEventID(ctx, svc.store.DB(), workspaceID)
	if err != nil && !errors.Is(err, contracts.ErrNotFound) {
		return nil, fmt.Errorf("pipeline watermark: %w", err)
	}
	env.Meta.WatermarkEventID = watermarkID
	return env, nil
}

// loadSnapshots merges run and experiment snapshots in cursor order and
// returns at most limit of them.
func (svc *Service) loadSnapshots(ctx context.Context, workspaceID string, after *cursor, limit int) ([]Snapshot, error) {
	runs, err := svc.runSnapshots(ctx, workspaceID, after, limit)
	if err != nil {
		return nil, err
	}
	experiments, err := svc.experimentSnapshots(ctx, workspaceID, after, limit)
	if err != nil {
		return nil, err
	}
	merged := mergeOrdered(runs, experiments)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// cursorLess is the projection's total order.
func cursorLess(a, b Snapshot) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}
	if a.EntityType != b.EntityType {
		return a.EntityType < b.EntityType
	}
	return a.EntityID < b.EntityID
}

func mergeOrdered(a, b []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if cursorLess(a[i], b[j]) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// afterPredicate renders the cursor comparison for one entity type. The
// tuple comparison is spelled out because sqlite and postgres disagree on
// row-value support across versions.
func afterPredicate(after *cursor, entityType, idColumn string, args *[]any) string {
	if after == nil {
		return ""
	}
	n := len(*args)
	*args = append(*args, after.UpdatedAt, after.UpdatedAt, after.EntityType, after.UpdatedAt, after.EntityType, after.EntityID)
	return fmt.Sprintf(` AND (updated_at > $%d
		OR (updated_at = $%d AND '%s' > $%d)
		OR (updated_at = $%d AND '%s' = $%d AND %s > $%d))`,
		n+1, n+2, entityType, n+3, n+4, entityType, n+5, idColumn, n+6)
}

func (svc *Service) runSnapshots(ctx context.Context, workspaceID string, after *cursor, limit int) ([]Snapshot, error) {
	args := []any{workspaceID}
	query := `SELECT run_id, status, updated_at FROM runs WHERE workspace_id = $1`
	query += afterPredicate(after, "run", "run_id", &args)
	query += fmt.Sprintf(` ORDER BY updated_at, run_id LIMIT %d`, limit)

	rows, err := svc.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pipeline runs: %w", err)
	}
	defer rows.Close()

	type runRow struct {
		id, status string
		updatedAt  time.Time
	}
	var runRows []runRow
	for rows.Next() {
		var r runRow
		if err := rows.Scan(&r.id, &r.status, &r.updatedAt); err != nil {
			return nil, err
		}
		runRows = append(runRows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(runRows))
	for _, r := range runRows {
		s := Snapshot{
			EntityType: "run",
			EntityID:   r.id,
			OwnStatus:  normalizeRunStatus(r.status),
			UpdatedAt:  r.updatedAt.UTC(),
			RunID:      r.id,
			RunStatus:  normalizeRunStatus(r.status),
		}
		if err := svc.attachRunContext(ctx, workspaceID, r.id, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (svc *Service) experimentSnapshots(ctx context.Context, workspaceID string, after *cursor, limit int) ([]Snapshot, error) {
	args := []any{workspaceID}
	query := `SELECT experiment_id, status, updated_at FROM experiments WHERE workspace_id = $1`
	query += afterPredicate(after, "experiment", "experiment_id", &args)
	query += fmt.Sprintf(` ORDER BY updated_at, experiment_id LIMIT %d`, limit)

	rows, err := svc.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pipeline experiments: %w", err)
	}
	defer rows.Close()

	type expRow struct {
		id, status string
		updatedAt  time.Time
	}
	var expRows []expRow
	for rows.Next() {
		var e expRow
		if err := rows.Scan(&e.id, &e.status, &e.updatedAt); err != nil {
			return nil, err
		}
		expRows = append(expRows, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(expRows))
	for _, e := range expRows {
		s := Snapshot{
			EntityType: "experiment",
			EntityID:   e.id,
			OwnStatus:  e.status,
			UpdatedAt:  e.updatedAt.UTC(),
		}
		// An experiment reads through its most recently updated run.
		var runID, runStatus sql.NullString
		err := svc.store.DB().QueryRowContext(ctx, `
			SELECT run_id, status FROM runs
			WHERE workspace_id = $1 AND experiment_id = $2
			ORDER BY updated_at DESC, run_id DESC LIMIT 1`,
			workspaceID, e.id,
		).Scan(&runID, &runStatus)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pipeline experiment run: %w", err)
		}
		if runID.Valid {
			s.RunID = runID.String
			s.RunStatus = normalizeRunStatus(runStatus.String)
			if err := svc.attachRunContext(ctx, workspaceID, runID.String, &s); err != nil {
				return nil, err
			}
		}
		if pending, err := svc.pendingApproval(ctx, workspaceID, e.id); err != nil {
			return nil, err
		} else if pending {
			s.ApprovalPending = true
		}
		out = append(out, s)
	}
	return out, nil
}

// attachRunContext fills the evidence, scorecard, incident, and approval
// signals for a run-backed snapshot.
func (svc *Service) attachRunContext(ctx context.Context, workspaceID, runID string, s *Snapshot) error {
	db := svc.store.DB()

	var evidenceID, evidenceStatus, evidenceRunID sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT evidence_id, status, run_id FROM evidence_manifests
		WHERE workspace_id = $1 AND run_id = $2
		ORDER BY updated_at DESC, evidence_id DESC LIMIT 1`,
		workspaceID, runID,
	).Scan(&evidenceID, &evidenceStatus, &evidenceRunID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pipeline evidence: %w", err)
	}
	if evidenceID.Valid {
		s.EvidenceID = evidenceID.String
		s.EvidenceStatus = evidenceStatus.String
		s.EvidenceRunID = evidenceRunID.String
	}

	// Scorecards may bind by run id, by evidence id, or both.
	var scRunID, scEvidenceID, scDecision sql.NullString
	query := `
		SELECT run_id, evidence_id, decision FROM scorecards
		WHERE workspace_id = $1 AND (run_id = $2`
	args := []any{workspaceID, runID}
	if s.EvidenceID != "" {
		query += ` OR evidence_id = $3`
		args = append(args, s.EvidenceID)
	}
	query += `) ORDER BY updated_at DESC, scorecard_id DESC LIMIT 1`
	err = db.QueryRowContext(ctx, query, args...).Scan(&scRunID, &scEvidenceID, &scDecision)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pipeline scorecard: %w", err)
	}
	if scDecision.Valid {
		s.ScorecardDecision = normalizeScorecard(scDecision.String)
		s.ScorecardRunID = scRunID.String
		s.ScorecardEvidenceID = scEvidenceID.String
	}

	var openIncidents int64
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM incidents
		WHERE workspace_id = $1 AND run_id = $2 AND status = 'open'`,
		workspaceID, runID,
	).Scan(&openIncidents); err != nil {
		return fmt.Errorf("pipeline incidents: %w", err)
	}
	s.IncidentActive = openIncidents > 0

	pending, err := svc.pendingApproval(ctx, workspaceID, runID)
	if err != nil {
		return err
	}
	if pending {
		s.ApprovalPending = true
	}
	return nil
}

// pendingApproval reports whether any pending approval scopes the entity.
// Scopes are stored as JSON, so membership is a containment check on the
// serialized form.
func (svc *Service) pendingApproval(ctx context.Context, workspaceID, entityID string) (bool, error) {
	var n int64
	err := svc.store.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approvals
		WHERE workspace_id = $1 AND status = 'pending' AND scope LIKE $2`,
		workspaceID, "%"+entityID+"%",
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("pipeline approvals: %w", err)
	}
	return n > 0, nil
}
