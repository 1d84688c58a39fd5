package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Idempotency timestamps are stored as unix milliseconds so that expiry
// comparisons behave the same on both dialects.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS user_ledgers (
	user_id      UUID PRIMARY KEY,
	coin_balance BIGINT NOT NULL DEFAULT 0 CHECK (coin_balance >= 0),
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS user_assets (
	user_id    UUID NOT NULL REFERENCES user_ledgers(user_id) ON DELETE CASCADE,
	asset_type TEXT NOT NULL,
	quantity   BIGINT NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, asset_type)
);

CREATE TABLE IF NOT EXISTS ledger_audit_entries (
	id              UUID PRIMARY KEY,
	user_id         UUID NOT NULL REFERENCES user_ledgers(user_id) ON DELETE CASCADE,
	operation_kind  TEXT NOT NULL,
	asset_type      TEXT NOT NULL DEFAULT '',
	amount          BIGINT NOT NULL,
	before_value    BIGINT NOT NULL,
	after_value     BIGINT NOT NULL,
	idempotency_key TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	seq             INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_audit_user_created
	ON ledger_audit_entries(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS idempotency_records (
	idem_key       TEXT PRIMARY KEY,
	fingerprint    TEXT NOT NULL,
	status         TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
	token          TEXT NOT NULL,
	result         BYTEA,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     BIGINT NOT NULL,
	updated_at     BIGINT NOT NULL,
	reserved_until BIGINT NOT NULL,
	expires_at     BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires
	ON idempotency_records(expires_at);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user_ledgers (
	user_id      TEXT PRIMARY KEY,
	coin_balance INTEGER NOT NULL DEFAULT 0 CHECK (coin_balance >= 0),
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS user_assets (
	user_id    TEXT NOT NULL REFERENCES user_ledgers(user_id) ON DELETE CASCADE,
	asset_type TEXT NOT NULL,
	quantity   INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, asset_type)
);

CREATE TABLE IF NOT EXISTS ledger_audit_entries (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES user_ledgers(user_id) ON DELETE CASCADE,
	operation_kind  TEXT NOT NULL,
	asset_type      TEXT NOT NULL DEFAULT '',
	amount          INTEGER NOT NULL,
	before_value    INTEGER NOT NULL,
	after_value     INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	seq             INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_audit_user_created
	ON ledger_audit_entries(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS idempotency_records (
	idem_key       TEXT PRIMARY KEY,
	fingerprint    TEXT NOT NULL,
	status         TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
	token          TEXT NOT NULL,
	result         BLOB,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	reserved_until INTEGER NOT NULL,
	expires_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires
	ON idempotency_records(expires_at);
`

// Migrate creates the ledger and idempotency tables if they are missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	var schema string
	switch db.DriverName() {
	case DriverPostgres:
		schema = postgresSchema
	case DriverSQLite:
		schema = sqliteSchema
	default:
		return fmt.Errorf("no schema for driver %q", db.DriverName())
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s schema: %w", db.DriverName(), err)
	}

	log.Info().Str("driver", db.DriverName()).Msg("Database schema is up to date")
	return nil
}
