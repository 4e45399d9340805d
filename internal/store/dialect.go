package store

import "fmt"

// dialect captures the per-engine differences the store cares about: the
// database/sql driver name, how an inserted row reports its ID, how a row is
// locked inside a transaction, and the DDL to create the schema.
type dialect struct {
	name        string
	driverName  string
	returningID bool   // INSERT ... RETURNING id instead of LastInsertId
	lockClause  string // appended to the row read inside Admit/RecordUsage
	migrations  []string
}

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		// SQLite has no row locks. Writers are serialized by the single pooled
		// connection and by BEGIN IMMEDIATE (_txlock=immediate) across processes.
		lockClause: "",
		migrations: sqliteMigrations,
	},
	"postgres": {
		name:        "postgres",
		driverName:  "pgx",
		returningID: true,
		lockClause:  " FOR UPDATE",
		migrations:  postgresMigrations,
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		lockClause: " FOR UPDATE",
		migrations: mysqlMigrations,
	},
}

func lookupDialect(name string) (dialect, error) {
	switch name {
	case "", "sqlite", "sqlite3":
		return dialects["sqlite"], nil
	case "postgres", "postgresql", "pgx":
		return dialects["postgres"], nil
	case "mysql", "mariadb":
		return dialects["mysql"], nil
	}
	return dialect{}, fmt.Errorf("unsupported store driver %q (want sqlite, postgres or mysql)", name)
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		secret_hash TEXT UNIQUE NOT NULL,
		display_prefix TEXT NOT NULL,
		owner TEXT NOT NULL,
		organization TEXT,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		status TEXT NOT NULL DEFAULT 'active',
		daily_quota INTEGER NOT NULL DEFAULT 100,
		rate_limit_per_minute INTEGER NOT NULL DEFAULT 60,
		current_daily_usage INTEGER NOT NULL DEFAULT 0 CHECK (current_daily_usage >= 0),
		last_quota_reset TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		revoked_at DATETIME
	)`,

	`CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		credential_id INTEGER NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
		occurred_at_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'pending',
		latency_ms INTEGER,
		error_message TEXT,
		service_name TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_credentials_owner ON credentials(owner)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(status)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_window ON usage_events(credential_id, occurred_at_ms)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		id BIGSERIAL PRIMARY KEY,
		secret_hash TEXT UNIQUE NOT NULL,
		display_prefix TEXT NOT NULL,
		owner TEXT NOT NULL,
		organization TEXT,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		status TEXT NOT NULL DEFAULT 'active',
		daily_quota INTEGER NOT NULL DEFAULT 100,
		rate_limit_per_minute INTEGER NOT NULL DEFAULT 60,
		current_daily_usage INTEGER NOT NULL DEFAULT 0 CHECK (current_daily_usage >= 0),
		last_quota_reset TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS usage_events (
		id BIGSERIAL PRIMARY KEY,
		credential_id BIGINT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
		occurred_at_ms BIGINT NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'pending',
		latency_ms BIGINT,
		error_message TEXT,
		service_name TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_credentials_owner ON credentials(owner)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(status)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_window ON usage_events(credential_id, occurred_at_ms)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		secret_hash VARCHAR(64) NOT NULL,
		display_prefix VARCHAR(32) NOT NULL,
		owner VARCHAR(255) NOT NULL,
		organization VARCHAR(255) NULL,
		name VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL DEFAULT 'user',
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		daily_quota INT NOT NULL DEFAULT 100,
		rate_limit_per_minute INT NOT NULL DEFAULT 60,
		current_daily_usage INT NOT NULL DEFAULT 0,
		last_quota_reset VARCHAR(10) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		last_used_at DATETIME(6) NULL,
		revoked_at DATETIME(6) NULL,
		UNIQUE KEY uq_credentials_secret_hash (secret_hash),
		KEY idx_credentials_owner (owner),
		KEY idx_credentials_status (status),
		CONSTRAINT chk_credentials_usage CHECK (current_daily_usage >= 0)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS usage_events (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		credential_id BIGINT NOT NULL,
		occurred_at_ms BIGINT NOT NULL,
		outcome VARCHAR(16) NOT NULL DEFAULT 'pending',
		latency_ms BIGINT NULL,
		error_message TEXT NULL,
		service_name VARCHAR(255) NOT NULL DEFAULT '',
		KEY idx_usage_events_window (credential_id, occurred_at_ms),
		CONSTRAINT fk_usage_events_credential FOREIGN KEY (credential_id)
			REFERENCES credentials(id) ON DELETE CASCADE
	) ENGINE=InnoDB`,
}
