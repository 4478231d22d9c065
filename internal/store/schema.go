package store

const taskSchemaDDL = `
CREATE TABLE tasks (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	kind             TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	target_kind      TEXT NOT NULL DEFAULT 'POI',
	target_ref       TEXT NOT NULL DEFAULT '',
	release_at       TIMESTAMP,
	status           TEXT NOT NULL,
	assigned_robot_id TEXT,
	notes            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX idx_tasks_status ON tasks(status);
CREATE INDEX idx_tasks_release_at ON tasks(release_at);
CREATE INDEX idx_tasks_assigned_robot ON tasks(assigned_robot_id);
`

const priorityOverrideSchemaDDL = `
CREATE TABLE priority_overrides (
	task_id    INTEGER PRIMARY KEY,
	override   INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const robotObservationSchemaDDL = `
CREATE TABLE robot_observations (
	robot_id       TEXT PRIMARY KEY,
	online         INTEGER,
	charging       INTEGER,
	emergency_stop INTEGER,
	pos_x          REAL,
	pos_y          REAL,
	pos_yaw        REAL,
	fresh_as_of    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const poiCacheSchemaDDL = `
CREATE TABLE poi_cache (
	target_kind TEXT NOT NULL,
	target_ref  TEXT NOT NULL,
	area_id     TEXT NOT NULL DEFAULT '',
	x           REAL NOT NULL DEFAULT 0,
	y           REAL NOT NULL DEFAULT 0,
	yaw         REAL NOT NULL DEFAULT 0,
	raw_json    TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (target_kind, target_ref)
);
`

const workflowRunSchemaDDL = `
CREATE TABLE workflow_runs (
	id                     TEXT PRIMARY KEY,
	task_id                INTEGER NOT NULL,
	robot_id               TEXT NOT NULL,
	status                 TEXT NOT NULL,
	current_step_index     INTEGER NOT NULL DEFAULT 0,
	total_steps            INTEGER NOT NULL DEFAULT 0,
	current_vendor_task_id TEXT,
	last_error             TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at             TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);
CREATE INDEX idx_runs_status ON workflow_runs(status);
CREATE INDEX idx_runs_robot ON workflow_runs(robot_id);
CREATE INDEX idx_runs_task ON workflow_runs(task_id);
`

const workflowStepSchemaDDL = `
CREATE TABLE workflow_steps (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	step_index       INTEGER NOT NULL,
	kind             TEXT NOT NULL,
	code             TEXT NOT NULL DEFAULT '',
	area_id          TEXT NOT NULL DEFAULT '',
	x                REAL NOT NULL DEFAULT 0,
	y                REAL NOT NULL DEFAULT 0,
	yaw              REAL NOT NULL DEFAULT 0,
	stop_radius      REAL NOT NULL DEFAULT 1.0,
	wait_seconds     INTEGER,
	completed_at     TIMESTAMP,
	decision         TEXT NOT NULL DEFAULT '',
	decision_payload TEXT NOT NULL DEFAULT '',
	label            TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX idx_steps_run_index ON workflow_steps(run_id, step_index);
`
