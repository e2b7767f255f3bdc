package store

import (
	"context"
	"fmt"
)

// Schema for the tables this process reads and writes. The CRUD plane owns
// agents/tenants/channels in production; the DDL here keeps development and
// test databases self-contained.
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id                   TEXT PRIMARY KEY,
	tier                 TEXT NOT NULL DEFAULT 'free',
	status               TEXT NOT NULL DEFAULT 'active',
	max_connections      INTEGER NOT NULL DEFAULT 100,
	max_messages_per_day BIGINT NOT NULL DEFAULT 1000000,
	max_subjects         INTEGER NOT NULL DEFAULT 128
);

CREATE TABLE IF NOT EXISTS agents (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	public_key BYTEA NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS channels (
	id        TEXT NOT NULL,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS daily_usage (
	tenant_id       TEXT NOT NULL,
	date            TEXT NOT NULL,
	messages_in     BIGINT NOT NULL DEFAULT 0,
	messages_out    BIGINT NOT NULL DEFAULT 0,
	bytes_in        BIGINT NOT NULL DEFAULT 0,
	bytes_out       BIGINT NOT NULL DEFAULT 0,
	active_agents   BIGINT NOT NULL DEFAULT 0,
	active_channels BIGINT NOT NULL DEFAULT 0,
	closed          BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (tenant_id, date)
);
`

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store ensure schema: %w", err)
	}
	return nil
}
