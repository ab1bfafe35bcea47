package store

const createTableSQL = `
CREATE TABLE IF NOT EXISTS hosts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    hostname        TEXT NOT NULL UNIQUE,
    address         TEXT NOT NULL DEFAULT '',
    ssh_user        TEXT NOT NULL DEFAULT 'root',
    ssh_key_path    TEXT NOT NULL DEFAULT '',
    ssh_port        INTEGER NOT NULL DEFAULT 22,
    use_sudo        INTEGER NOT NULL DEFAULT 1,
    created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS global_defaults (
    id                  INTEGER PRIMARY KEY CHECK (id = 1),
    max_snapshot_bytes  INTEGER NOT NULL DEFAULT 1048576,
    compress_snapshots  INTEGER NOT NULL DEFAULT 1,
    command_timeout_sec INTEGER NOT NULL DEFAULT 60
);

INSERT OR IGNORE INTO global_defaults (id) VALUES (1);

CREATE TABLE IF NOT EXISTS check_defaults (
    check_name      TEXT PRIMARY KEY,
    enabled         INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS host_overrides (
    host_id             INTEGER PRIMARY KEY REFERENCES hosts(id) ON DELETE CASCADE,
    max_snapshot_bytes  INTEGER,
    compress_snapshots  INTEGER,
    command_timeout_sec INTEGER
);

CREATE TABLE IF NOT EXISTS host_check_overrides (
    host_id         INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    check_name      TEXT NOT NULL,
    enabled         INTEGER,
    PRIMARY KEY (host_id, check_name)
);

CREATE TABLE IF NOT EXISTS sessions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id          TEXT NOT NULL,
    started_at      TEXT NOT NULL,
    finished_at     TEXT,
    mode            TEXT NOT NULL CHECK (mode IN ('new', 'resume')),
    incomplete      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_finished_at ON sessions(finished_at);

CREATE TABLE IF NOT EXISTS check_runs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    host_id         INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    check_name      TEXT NOT NULL,
    started_at      TEXT NOT NULL,
    finished_at     TEXT,
    status          TEXT NOT NULL CHECK (status IN ('PENDING', 'SUCCESS', 'SKIP', 'ERROR')),
    reason          TEXT,
    UNIQUE (session_id, host_id, check_name)
);

CREATE INDEX IF NOT EXISTS idx_check_runs_host ON check_runs(host_id);

CREATE TABLE IF NOT EXISTS errors (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    check_run_id    INTEGER NOT NULL REFERENCES check_runs(id) ON DELETE CASCADE,
    stage           TEXT NOT NULL,
    stderr          TEXT NOT NULL DEFAULT '',
    exit_code       INTEGER,
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_errors_check_run ON errors(check_run_id);

CREATE TABLE IF NOT EXISTS snapshots (
    digest          TEXT PRIMARY KEY,
    encoding        TEXT NOT NULL CHECK (encoding IN ('gzip', 'identity')),
    data            BLOB NOT NULL,
    stored_length   INTEGER NOT NULL,
    original_length INTEGER NOT NULL,
    truncated       INTEGER NOT NULL DEFAULT 0,
    content_kind    TEXT NOT NULL DEFAULT '',
    captured_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS os_info (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    host_id         INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    check_run_id    INTEGER NOT NULL REFERENCES check_runs(id) ON DELETE CASCADE,
    name            TEXT NOT NULL DEFAULT '',
    version_id      TEXT NOT NULL DEFAULT '',
    os_id           TEXT NOT NULL DEFAULT '',
    kernel          TEXT NOT NULL DEFAULT '',
    arch            TEXT NOT NULL DEFAULT '',
    captured_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rpm_packages (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    host_id         INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    check_run_id    INTEGER NOT NULL REFERENCES check_runs(id) ON DELETE CASCADE,
    name            TEXT NOT NULL,
    epoch           TEXT NOT NULL DEFAULT '',
    version         TEXT NOT NULL DEFAULT '',
    release         TEXT NOT NULL DEFAULT '',
    arch            TEXT NOT NULL DEFAULT '',
    install_time    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_rpm_packages_host ON rpm_packages(host_id);

CREATE TABLE IF NOT EXISTS rpm_verified_files (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    host_id         INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    check_run_id    INTEGER NOT NULL REFERENCES check_runs(id) ON DELETE CASCADE,
    flags           TEXT NOT NULL,
    file_type       TEXT NOT NULL DEFAULT '',
    path            TEXT NOT NULL,
    snapshot_digest TEXT REFERENCES snapshots(digest),
    truncated       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_rpm_verified_files_host ON rpm_verified_files(host_id);
CREATE INDEX IF NOT EXISTS idx_rpm_verified_files_digest ON rpm_verified_files(snapshot_digest);

CREATE TABLE IF NOT EXISTS listen_sockets (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    host_id         INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    check_run_id    INTEGER NOT NULL REFERENCES check_runs(id) ON DELETE CASCADE,
    proto           TEXT NOT NULL,
    local_addr      TEXT NOT NULL DEFAULT '',
    state           TEXT NOT NULL DEFAULT '',
    pid             INTEGER,
    process         TEXT
);

CREATE TABLE IF NOT EXISTS processes (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    host_id         INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    check_run_id    INTEGER NOT NULL REFERENCES check_runs(id) ON DELETE CASCADE,
    pid             INTEGER NOT NULL,
    ppid            INTEGER NOT NULL,
    user            TEXT NOT NULL DEFAULT '',
    start_time      TEXT NOT NULL DEFAULT '',
    etime           TEXT NOT NULL DEFAULT '',
    cmd             TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS routing_state (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    host_id         INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    check_run_id    INTEGER NOT NULL REFERENCES check_runs(id) ON DELETE CASCADE,
    kind            TEXT NOT NULL,
    snapshot_digest TEXT NOT NULL REFERENCES snapshots(digest),
    truncated       INTEGER NOT NULL DEFAULT 0,
    captured_at     TEXT NOT NULL
);
`

// resultTables lists every per-check result table. Each carries a
// check_run_id column so a re-executed check run can clear its own rows.
var resultTables = []string{
	"os_info",
	"rpm_packages",
	"rpm_verified_files",
	"listen_sockets",
	"processes",
	"routing_state",
}
