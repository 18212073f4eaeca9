package store

import (
	"context"
	"fmt"
)

// schemaStatements is the portable DDL for every table the core owns.
// Types are restricted to TEXT / BIGINT / REAL / BOOLEAN / TIMESTAMP so the
// same statements run on Postgres and SQLite.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		schema_version TEXT,
		occurred_at TIMESTAMP NOT NULL,
		workspace_id TEXT NOT NULL,
		room_id TEXT,
		thread_id TEXT,
		run_id TEXT,
		step_id TEXT,
		mission_id TEXT,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_principal_id TEXT,
		stream_type TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		stream_position BIGINT NOT NULL,
		correlation_id TEXT NOT NULL,
		causation_id TEXT,
		data TEXT,
		policy_context TEXT,
		model_context TEXT,
		display_context TEXT,
		idempotency_key TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS events_idempotency
		ON events (workspace_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS events_stream_position
		ON events (stream_type, stream_id, stream_position)`,
	`CREATE INDEX IF NOT EXISTS events_workspace_time
		ON events (workspace_id, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS event_streams (
		stream_type TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		next_position BIGINT NOT NULL,
		PRIMARY KEY (stream_type, stream_id)
	)`,

	`CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT,
		created_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		title TEXT,
		created_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		room_id TEXT,
		thread_id TEXT,
		author_id TEXT,
		created_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		room_id TEXT,
		thread_id TEXT,
		experiment_id TEXT,
		status TEXT NOT NULL,
		title TEXT,
		goal TEXT,
		input TEXT,
		output TEXT,
		error TEXT,
		tags TEXT,
		correlation_id TEXT,
		claim_token TEXT,
		claimed_by_actor_id TEXT,
		lease_version BIGINT NOT NULL DEFAULT 0,
		lease_expires_at TIMESTAMP,
		lease_heartbeat_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS runs_workspace_status
		ON runs (workspace_id, status)`,
	`CREATE TABLE IF NOT EXISTS run_steps (
		step_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		title TEXT,
		created_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS run_attempts (
		run_id TEXT NOT NULL,
		attempt_no BIGINT NOT NULL,
		claim_token TEXT NOT NULL,
		claimed_by_actor_id TEXT NOT NULL,
		engine_id TEXT,
		claimed_at TIMESTAMP NOT NULL,
		released_at TIMESTAMP,
		release_reason TEXT,
		PRIMARY KEY (run_id, attempt_no)
	)`,

	`CREATE TABLE IF NOT EXISTS experiments (
		experiment_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		room_id TEXT,
		title TEXT NOT NULL,
		hypothesis TEXT,
		success_criteria TEXT,
		stop_conditions TEXT,
		budget_cap_units BIGINT NOT NULL,
		risk_tier TEXT NOT NULL,
		status TEXT NOT NULL,
		close_reason TEXT,
		active_run_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		action_code TEXT NOT NULL,
		scope_type TEXT NOT NULL,
		scope TEXT,
		status TEXT NOT NULL,
		requested_by TEXT,
		decided_by TEXT,
		decided_at TIMESTAMP,
		expires_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS incidents (
		incident_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		run_id TEXT,
		room_id TEXT,
		thread_id TEXT,
		correlation_id TEXT,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		rca TEXT,
		rca_updated_at TIMESTAMP,
		learning_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS incident_learnings (
		learning_id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		note TEXT NOT NULL,
		logged_by TEXT,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS principals (
		principal_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		type TEXT NOT NULL,
		display_name TEXT,
		created_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		quarantined_at TIMESTAMP,
		quarantine_reason TEXT,
		revoked_at TIMESTAMP,
		last_event_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS engines (
		engine_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deactivated_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS capability_tokens (
		token_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		issued_by_principal_id TEXT,
		rooms TEXT,
		tools TEXT,
		action_types TEXT,
		egress_domains TEXT,
		data_read BOOLEAN NOT NULL DEFAULT FALSE,
		data_write BOOLEAN NOT NULL DEFAULT FALSE,
		valid_until TIMESTAMP,
		revoked_at TIMESTAMP,
		parent_token_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS capability_tokens_principal
		ON capability_tokens (workspace_id, principal_id)`,

	`CREATE TABLE IF NOT EXISTS skill_packages (
		package_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		skill_name TEXT NOT NULL,
		version TEXT NOT NULL,
		hash TEXT,
		signature TEXT,
		manifest TEXT,
		status TEXT NOT NULL,
		status_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS skill_packages_identity
		ON skill_packages (workspace_id, skill_name, version)`,
	`CREATE TABLE IF NOT EXISTS agent_skills (
		workspace_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		skill_name TEXT NOT NULL,
		level BIGINT NOT NULL DEFAULT 0,
		usage_total BIGINT NOT NULL DEFAULT 0,
		usage_7d BIGINT NOT NULL DEFAULT 0,
		usage_30d BIGINT NOT NULL DEFAULT 0,
		assessment_total BIGINT NOT NULL DEFAULT 0,
		assessment_passed BIGINT NOT NULL DEFAULT 0,
		reliability_score REAL NOT NULL DEFAULT 0,
		is_primary BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, agent_id, skill_name)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS agent_skills_one_primary
		ON agent_skills (workspace_id, agent_id)
		WHERE is_primary`,
	`CREATE TABLE IF NOT EXISTS skill_assessments (
		assessment_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		skill_name TEXT NOT NULL,
		status TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS agent_trust (
		workspace_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		score REAL NOT NULL,
		success_rate_7d REAL NOT NULL,
		eval_quality_trend REAL NOT NULL,
		user_feedback_score REAL NOT NULL,
		policy_violations_7d BIGINT NOT NULL,
		time_in_service_days BIGINT NOT NULL,
		computed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS autonomy_recommendations (
		recommendation_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		scope_delta TEXT NOT NULL,
		trust_before REAL NOT NULL,
		trust_after REAL NOT NULL,
		status TEXT NOT NULL,
		token_id TEXT,
		created_at TIMESTAMP NOT NULL,
		decided_at TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS work_item_leases (
		workspace_id TEXT NOT NULL,
		work_item_type TEXT NOT NULL,
		work_item_id TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		claimed_at TIMESTAMP NOT NULL,
		heartbeat_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, work_item_type, work_item_id)
	)`,

	`CREATE TABLE IF NOT EXISTS projector_watermarks (
		projector TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		last_applied_at TIMESTAMP NOT NULL,
		last_event_id TEXT NOT NULL,
		PRIMARY KEY (projector, workspace_id)
	)`,
	`CREATE TABLE IF NOT EXISTS projector_dlq (
		dlq_id TEXT PRIMARY KEY,
		projector TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		error TEXT,
		attempts BIGINT NOT NULL,
		failed_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS egress_quotas (
		workspace_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		day TEXT NOT NULL,
		used BIGINT NOT NULL DEFAULT 0,
		quota_limit BIGINT NOT NULL,
		PRIMARY KEY (workspace_id, domain, day)
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_config (
		workspace_id TEXT PRIMARY KEY,
		enforcement_mode TEXT NOT NULL DEFAULT 'enforce',
		kill_switch BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_policy_rules (
		rule_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		expression TEXT NOT NULL,
		effect TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS evidence_manifests (
		evidence_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		run_id TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS scorecards (
		scorecard_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		run_id TEXT,
		evidence_id TEXT,
		decision TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_event_id TEXT
	)`,
}

// EnsureSchema creates every table and index the core owns. Statements are
// idempotent, so repeated startup is safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}
