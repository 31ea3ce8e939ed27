package tunadb

// Schema creates the tuning tables. Idempotent; applied through
// dbopen.WithSchema at open time.
const Schema = `
CREATE TABLE IF NOT EXISTS session (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	arch        TEXT NOT NULL,
	num_cu      INTEGER NOT NULL,
	rocm_v      TEXT NOT NULL DEFAULT '',
	tuner_v     TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	docker_name TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (arch, num_cu, rocm_v, tuner_v, reason)
);

CREATE TABLE IF NOT EXISTS config (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	driver    TEXT NOT NULL,
	direction INTEGER NOT NULL DEFAULT 0,
	attrs     TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS solver (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	name    TEXT NOT NULL UNIQUE,
	tunable INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS solver_applicability (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	config     INTEGER NOT NULL REFERENCES config(id),
	solver     INTEGER NOT NULL REFERENCES solver(id),
	session    INTEGER NOT NULL REFERENCES session(id),
	applicable INTEGER NOT NULL DEFAULT 1,
	UNIQUE (config, solver, session)
);

CREATE TABLE IF NOT EXISTS job (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session     INTEGER NOT NULL REFERENCES session(id),
	config      INTEGER NOT NULL REFERENCES config(id),
	solver      INTEGER REFERENCES solver(id),
	state       TEXT NOT NULL DEFAULT 'new',
	reason      TEXT NOT NULL DEFAULT '',
	fin_step    TEXT NOT NULL DEFAULT '',
	retries     INTEGER NOT NULL DEFAULT 0,
	result      TEXT NOT NULL DEFAULT '',
	gpu_id      INTEGER,
	machine_id  TEXT NOT NULL DEFAULT '',
	cache_loc   TEXT NOT NULL DEFAULT '',
	claim_token TEXT NOT NULL DEFAULT '',
	valid       INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_job_config_solver_session
	ON job (session, config, solver) WHERE solver IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_job_claim
	ON job (session, state, retries, config);

CREATE TABLE IF NOT EXISTS find_result (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session      INTEGER NOT NULL REFERENCES session(id),
	config       INTEGER NOT NULL REFERENCES config(id),
	solver       INTEGER NOT NULL REFERENCES solver(id),
	fin_step     TEXT NOT NULL DEFAULT '',
	kernel_time  REAL NOT NULL DEFAULT -1,
	workspace_sz INTEGER NOT NULL DEFAULT 0,
	params       TEXT NOT NULL DEFAULT '',
	valid        INTEGER NOT NULL DEFAULT 1,
	updated_at   TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (config, solver, session)
);

CREATE TABLE IF NOT EXISTS kernel_cache (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id            INTEGER NOT NULL REFERENCES job(id),
	kernel_name       TEXT NOT NULL,
	kernel_args       TEXT NOT NULL DEFAULT '',
	kernel_blob       BLOB,
	kernel_hash       TEXT NOT NULL DEFAULT '',
	uncompressed_size INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_kernel_cache_job ON kernel_cache (job_id);
`
