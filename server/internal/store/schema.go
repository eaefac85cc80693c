package store

// schemaV1 creates every table named in spec.md §6's "Persisted state
// layout" list. Column shapes mirror the domain package's structs; JSON-
// valued columns (selectors, labels, definitions, params, rule snapshots)
// are stored as TEXT and marshaled/unmarshaled at the Go boundary, matching
// how original_source/backend's SQLAlchemy models keep JSON columns typed
// as JSON/Text depending on the field's query needs.
const schemaV1 = `
CREATE TABLE docker_hosts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	connection_type TEXT NOT NULL,
	engine_id TEXT,
	replaced_by_host_id TEXT,
	tls_ca_cert TEXT,
	tls_cert TEXT,
	tls_key TEXT,
	created_by TEXT,
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX idx_hosts_engine_id ON docker_hosts(engine_id) WHERE engine_id IS NOT NULL AND replaced_by_host_id IS NULL;

CREATE TABLE agents (
	id TEXT PRIMARY KEY,
	host_id TEXT NOT NULL UNIQUE REFERENCES docker_hosts(id),
	engine_id TEXT NOT NULL UNIQUE,
	version TEXT,
	proto_version TEXT,
	capabilities TEXT,
	status TEXT NOT NULL,
	last_seen_at TEXT,
	agent_os TEXT,
	agent_arch TEXT
);

CREATE TABLE registration_tokens (
	token TEXT PRIMARY KEY,
	created_by_user TEXT,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	used INTEGER NOT NULL DEFAULT 0,
	used_at TEXT
);

CREATE TABLE alert_rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	scope TEXT NOT NULL,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	metric TEXT,
	operator TEXT,
	threshold REAL,
	clear_threshold REAL,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	clear_duration_seconds INTEGER NOT NULL DEFAULT 0,
	occurrences INTEGER NOT NULL DEFAULT 1,
	grace_seconds INTEGER NOT NULL DEFAULT 0,
	cooldown_seconds INTEGER NOT NULL DEFAULT 0,
	notification_cooldown_seconds INTEGER NOT NULL DEFAULT 0,
	host_selector TEXT,
	container_selector TEXT,
	labels TEXT,
	notify_channels TEXT,
	depends_on TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE TABLE alerts (
	id TEXT PRIMARY KEY,
	dedup_key TEXT NOT NULL,
	rule_id TEXT NOT NULL REFERENCES alert_rules(id),
	rule_version INTEGER NOT NULL,
	scope_type TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	host_id TEXT,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	state TEXT NOT NULL,
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 1,
	current_value REAL,
	threshold REAL,
	clear_started_at TEXT,
	resolved_at TEXT,
	resolved_reason TEXT,
	rule_snapshot TEXT
);
CREATE INDEX idx_alerts_dedup_key ON alerts(dedup_key);
CREATE INDEX idx_alerts_state ON alerts(state);

CREATE TABLE rule_runtime (
	rule_id TEXT NOT NULL,
	scope_type TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	window_start TEXT,
	samples TEXT,
	breach_count INTEGER NOT NULL DEFAULT 0,
	breach_started_at TEXT,
	clear_started_at TEXT,
	last_eval_at TEXT,
	PRIMARY KEY (rule_id, scope_type, scope_id)
);

CREATE TABLE rule_evaluations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_id TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	value REAL,
	breached INTEGER NOT NULL,
	at TEXT NOT NULL
);
CREATE INDEX idx_rule_evaluations_rule_scope ON rule_evaluations(rule_id, scope_id);

CREATE TABLE container_updates (
	container_id TEXT PRIMARY KEY,
	host_id TEXT NOT NULL,
	current_image TEXT,
	current_digest TEXT,
	latest_image TEXT,
	latest_digest TEXT,
	update_available INTEGER NOT NULL DEFAULT 0,
	floating_tag_mode TEXT NOT NULL DEFAULT 'exact',
	registry_url TEXT,
	platform TEXT,
	last_checked_at TEXT
);

CREATE TABLE deployments (
	id TEXT PRIMARY KEY,
	host_id TEXT NOT NULL,
	deployment_type TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	definition TEXT,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	current_stage TEXT,
	error_message TEXT,
	started_at TEXT,
	completed_at TEXT,
	committed INTEGER NOT NULL DEFAULT 0,
	rollback_on_failure INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE notification_channels (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	config TEXT,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE api_keys (
	id TEXT PRIMARY KEY,
	prefix TEXT NOT NULL UNIQUE,
	hashed_key TEXT NOT NULL,
	user_id TEXT NOT NULL,
	group_ids TEXT,
	created_at TEXT NOT NULL,
	revoked_at TEXT
);

CREATE TABLE users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	group_ids TEXT
);

CREATE TABLE custom_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE group_permissions (
	group_id TEXT NOT NULL,
	capability TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	PRIMARY KEY (group_id, capability)
);

CREATE TABLE oidc_group_mappings (
	id TEXT PRIMARY KEY,
	oidc_group TEXT NOT NULL,
	group_id TEXT NOT NULL
);

CREATE TABLE oidc_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	issuer_url TEXT,
	client_id TEXT,
	client_secret_encrypted TEXT,
	enabled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE audit_log (
	id TEXT PRIMARY KEY,
	who TEXT,
	happened_at TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT,
	entity_id TEXT,
	details TEXT,
	ip TEXT,
	user_agent TEXT
);
CREATE INDEX idx_audit_log_entity ON audit_log(entity_type, entity_id);

CREATE TABLE global_settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	app_version TEXT,
	timezone_offset_minutes INTEGER NOT NULL DEFAULT 0,
	skip_compose_containers INTEGER NOT NULL DEFAULT 1,
	event_suppression_patterns TEXT
);
INSERT INTO global_settings (id, app_version, timezone_offset_minutes, skip_compose_containers) VALUES (1, '', 0, 1);

CREATE TABLE batch_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	scope TEXT NOT NULL,
	action TEXT NOT NULL,
	params TEXT,
	status TEXT NOT NULL,
	total_items INTEGER NOT NULL DEFAULT 0,
	completed_items INTEGER NOT NULL DEFAULT 0,
	success_items INTEGER NOT NULL DEFAULT 0,
	error_items INTEGER NOT NULL DEFAULT 0,
	skipped_items INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);

CREATE TABLE batch_job_items (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES batch_jobs(id),
	container_id TEXT NOT NULL,
	container_name TEXT,
	host_id TEXT NOT NULL,
	host_name TEXT,
	status TEXT NOT NULL,
	message TEXT,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX idx_batch_job_items_job_id ON batch_job_items(job_id);
`

// schemaV2 adds per-container operator settings (tags, auto-restart,
// auto-update policy, desired run state) addressed by the same composite
// host_id:short_id id used throughout the batch and update packages.
const schemaV2 = `
CREATE TABLE container_settings (
	container_id TEXT PRIMARY KEY,
	host_id TEXT NOT NULL,
	tags TEXT,
	auto_restart INTEGER NOT NULL DEFAULT 0,
	auto_update INTEGER NOT NULL DEFAULT 0,
	floating_tag_mode TEXT NOT NULL DEFAULT 'exact',
	desired_state TEXT NOT NULL DEFAULT 'unspecified',
	updated_at TEXT NOT NULL
);
CREATE INDEX idx_container_settings_host_id ON container_settings(host_id);
`

// schemaV3 adds per-registry pull credentials (password vault-encrypted at
// rest) and marks compose-managed containers on their update row so the
// update-check sweep can skip them when global settings say to.
const schemaV3 = `
CREATE TABLE registry_credentials (
	registry_host TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	password_encrypted TEXT NOT NULL,
	created_at TEXT NOT NULL
);
ALTER TABLE container_updates ADD COLUMN compose_project TEXT;
`
