package database

// Schema contains the SQLite database schema.
// Timestamps are stored as INTEGER unix milliseconds (UTC) so range scans
// and MAX() aggregates compare numerically.
const Schema = `
-- Devices: one row per configured miner, keyed by operator-chosen name
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,              -- Operator-chosen device name
    ip_address TEXT NOT NULL,
    hostname TEXT,
    model TEXT,                       -- ASIC model e.g. "BM1370"
    firmware_version TEXT,
    stratum_url TEXT,
    stratum_port INTEGER,
    stratum_user TEXT,
    added_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Clock configs: operating points, identity is the (frequency, core_voltage) pair
CREATE TABLE IF NOT EXISTS clock_configs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    frequency INTEGER NOT NULL,       -- MHz
    core_voltage INTEGER NOT NULL,    -- mV
    UNIQUE(frequency, core_voltage)
);

-- Performance metrics: append-only time series, one row per successful poll
CREATE TABLE IF NOT EXISTS performance_metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT NOT NULL,
    config_id INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,       -- unix ms, assigned by the poller

    hashrate REAL NOT NULL,           -- GH/s
    power REAL NOT NULL,              -- W
    voltage REAL NOT NULL,            -- input voltage as reported (mV)
    current REAL NOT NULL,            -- mA

    asic_temp REAL NOT NULL,          -- C
    vreg_temp REAL NOT NULL,          -- C
    fan_speed REAL NOT NULL,          -- %
    fan_rpm INTEGER NOT NULL,

    shares_accepted INTEGER NOT NULL,
    shares_rejected INTEGER NOT NULL,
    uptime INTEGER NOT NULL,          -- seconds since device boot

    efficiency_jth REAL NOT NULL,
    efficiency_ghw REAL NOT NULL,

    best_diff REAL,                   -- optional, NULL when not reported
    best_session_diff REAL,
    pool_difficulty REAL,
    rejection_reason TEXT,

    FOREIGN KEY (device_id) REFERENCES devices(id),
    FOREIGN KEY (config_id) REFERENCES clock_configs(id)
);

CREATE INDEX IF NOT EXISTS idx_metrics_device_timestamp ON performance_metrics(device_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON performance_metrics(timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_config ON performance_metrics(config_id);

-- Schema version for migrations
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// SchemaVersion is the current schema version.
const SchemaVersion = 2

// Migrations contains SQL migrations indexed by version.
// Each migration upgrades from version N-1 to version N.
var Migrations = map[int]string{
	1: Schema, // Initial schema
	2: `CREATE INDEX IF NOT EXISTS idx_metrics_config ON performance_metrics(config_id);`,
}

// column is an optional column added after a table was first created.
type column struct {
	table string
	name  string
	ddl   string
}

// additiveColumns upgrade databases created by earlier releases; a fresh
// Schema already has them. They are applied by introspection on every open.
// Rows written before a column existed read back as NULL.
var additiveColumns = []column{
	{"devices", "firmware_version", "TEXT"},
	{"devices", "stratum_url", "TEXT"},
	{"devices", "stratum_port", "INTEGER"},
	{"devices", "stratum_user", "TEXT"},
	{"performance_metrics", "best_diff", "REAL"},
	{"performance_metrics", "best_session_diff", "REAL"},
	{"performance_metrics", "pool_difficulty", "REAL"},
	{"performance_metrics", "rejection_reason", "TEXT"},
}
