package postgres

// schema is applied idempotently at startup via EnsureSchema. It
// mirrors the relational layout implied by spec.md §3/§4.B: one table
// per entity, sibling container_* tables keyed by instance_id rather
// than a single wide container row, and the instance_images mapping
// that lets images outlive their runs.
const schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id         TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	status              TEXT NOT NULL,
	last_checkpoint_id  TEXT,
	attempt             INTEGER NOT NULL DEFAULT 0,
	max_attempts        INTEGER NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at          TIMESTAMPTZ,
	finished_at         TIMESTAMPTZ,
	output              BYTEA,
	error               TEXT,
	sleep_until         TIMESTAMPTZ,
	compensation_state  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_instances_tenant_status ON instances (tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_instances_sleep_until ON instances (sleep_until) WHERE sleep_until IS NOT NULL;

CREATE TABLE IF NOT EXISTS checkpoints (
	instance_id              TEXT NOT NULL REFERENCES instances (instance_id) ON DELETE CASCADE,
	checkpoint_id             TEXT NOT NULL,
	state                     BYTEA NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	compensation_order        BIGINT NOT NULL,
	compensation_state        TEXT NOT NULL DEFAULT '',
	compensation_capability   TEXT,
	compensation_input_tpl    BYTEA,
	PRIMARY KEY (instance_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_instance_order ON checkpoints (instance_id, compensation_order DESC);

CREATE TABLE IF NOT EXISTS pending_signals (
	instance_id     TEXT PRIMARY KEY REFERENCES instances (instance_id) ON DELETE CASCADE,
	signal_type     TEXT NOT NULL,
	payload         BYTEA,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	acknowledged_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS custom_signals (
	instance_id   TEXT NOT NULL REFERENCES instances (instance_id) ON DELETE CASCADE,
	checkpoint_id TEXT NOT NULL,
	payload       BYTEA,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	consumed_at   TIMESTAMPTZ,
	PRIMARY KEY (instance_id, checkpoint_id)
);

CREATE TABLE IF NOT EXISTS events (
	id           BIGSERIAL PRIMARY KEY,
	instance_id  TEXT NOT NULL REFERENCES instances (instance_id) ON DELETE CASCADE,
	kind         TEXT NOT NULL,
	payload      BYTEA,
	occurred_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_instance ON events (instance_id, occurred_at);

CREATE TABLE IF NOT EXISTS retry_attempts (
	id            BIGSERIAL PRIMARY KEY,
	instance_id   TEXT NOT NULL REFERENCES instances (instance_id) ON DELETE CASCADE,
	checkpoint_id TEXT NOT NULL,
	attempt       INTEGER NOT NULL,
	error         TEXT,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_retry_instance_checkpoint ON retry_attempts (instance_id, checkpoint_id);

CREATE TABLE IF NOT EXISTS images (
	image_id     TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT,
	binary_path  TEXT NOT NULL,
	bundle_path  TEXT,
	runner_type  TEXT NOT NULL DEFAULT 'oci',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	metadata     JSONB,
	sha256       TEXT,
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS instance_images (
	instance_id TEXT REFERENCES instances (instance_id) ON DELETE CASCADE,
	image_id    TEXT REFERENCES images (image_id),
	PRIMARY KEY (instance_id, image_id)
);

CREATE TABLE IF NOT EXISTS containers (
	instance_id   TEXT PRIMARY KEY REFERENCES instances (instance_id) ON DELETE CASCADE,
	container_id  TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	binary_path   TEXT NOT NULL,
	bundle_path   TEXT,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	pid           INTEGER,
	timeout_secs  INTEGER
);

CREATE TABLE IF NOT EXISTS container_status (
	instance_id  TEXT PRIMARY KEY REFERENCES instances (instance_id) ON DELETE CASCADE,
	status       TEXT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS container_cancellation (
	instance_id  TEXT PRIMARY KEY REFERENCES instances (instance_id) ON DELETE CASCADE,
	reason       TEXT NOT NULL,
	grace_secs   INTEGER NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS container_heartbeat (
	instance_id TEXT PRIMARY KEY REFERENCES instances (instance_id) ON DELETE CASCADE,
	last_beat   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS compensation_attempts (
	id            BIGSERIAL PRIMARY KEY,
	instance_id   TEXT NOT NULL REFERENCES instances (instance_id) ON DELETE CASCADE,
	checkpoint_id TEXT NOT NULL,
	step_id       TEXT NOT NULL,
	success       BOOLEAN NOT NULL,
	error_message TEXT,
	attempted_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
