package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS brands (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    external_key TEXT NOT NULL UNIQUE,
    name         TEXT NOT NULL,
    sector       TEXT NOT NULL DEFAULT '',
    tribe        TEXT NOT NULL DEFAULT '',
    volume       REAL NOT NULL DEFAULT 0,
    growth_pop   REAL NOT NULL DEFAULT 0,
    growth_yoy   REAL NOT NULL DEFAULT 0,
    bes_score    REAL NOT NULL DEFAULT 0,
    spotlight    BOOLEAN NOT NULL DEFAULT 0,
    last_updated DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_brands_bes ON brands(bes_score);

CREATE TABLE IF NOT EXISTS profiles (
    id             TEXT PRIMARY KEY,
    username       TEXT NOT NULL UNIQUE,
    points_balance INTEGER NOT NULL CHECK (points_balance >= 0),
    rank_title     TEXT NOT NULL DEFAULT '',
    version        INTEGER NOT NULL DEFAULT 0,
    created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_profiles_balance ON profiles(points_balance);

CREATE TABLE IF NOT EXISTS ledger (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id        TEXT NOT NULL REFERENCES profiles(id),
    brand_id       INTEGER NOT NULL REFERENCES brands(id),
    amount_staked  INTEGER NOT NULL CHECK (amount_staked <> 0),
    entry_bes      REAL NOT NULL,
    thesis_tag     TEXT NOT NULL,
    status         TEXT NOT NULL CHECK (status IN ('ACTIVE', 'CLOSED')),
    settled_points INTEGER NOT NULL DEFAULT 0,
    created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_user_brand ON ledger(user_id, brand_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS brands (
    id           BIGSERIAL PRIMARY KEY,
    external_key TEXT NOT NULL UNIQUE,
    name         TEXT NOT NULL,
    sector       TEXT NOT NULL DEFAULT '',
    tribe        TEXT NOT NULL DEFAULT '',
    volume       DOUBLE PRECISION NOT NULL DEFAULT 0,
    growth_pop   DOUBLE PRECISION NOT NULL DEFAULT 0,
    growth_yoy   DOUBLE PRECISION NOT NULL DEFAULT 0,
    bes_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
    spotlight    BOOLEAN NOT NULL DEFAULT FALSE,
    last_updated TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_brands_bes ON brands(bes_score);

CREATE TABLE IF NOT EXISTS profiles (
    id             TEXT PRIMARY KEY,
    username       TEXT NOT NULL UNIQUE,
    points_balance BIGINT NOT NULL CHECK (points_balance >= 0),
    rank_title     TEXT NOT NULL DEFAULT '',
    version        BIGINT NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_profiles_balance ON profiles(points_balance);

CREATE TABLE IF NOT EXISTS ledger (
    id             BIGSERIAL PRIMARY KEY,
    user_id        TEXT NOT NULL REFERENCES profiles(id),
    brand_id       BIGINT NOT NULL REFERENCES brands(id),
    amount_staked  BIGINT NOT NULL CHECK (amount_staked <> 0),
    entry_bes      DOUBLE PRECISION NOT NULL,
    thesis_tag     TEXT NOT NULL,
    status         TEXT NOT NULL CHECK (status IN ('ACTIVE', 'CLOSED')),
    settled_points BIGINT NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_user_brand ON ledger(user_id, brand_id);
`

// migrate creates the schema for the connection's dialect, one statement at a time.
func migrate(ctx context.Context, db *sqlx.DB) error {
	schema := sqliteSchema
	if db.DriverName() == driverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
