// Package store is the durable persistence layer: identity tables consumed
// read-only from the CRUD plane (agents, tenants, channels) and the
// daily_usage aggregates this process owns.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Agent is the registered identity of an autonomous process. PublicKey is
// the PEM-encoded verification key used by the challenge handshake.
type Agent struct {
	ID        string `db:"id"`
	TenantID  string `db:"tenant_id"`
	PublicKey []byte `db:"public_key"`
	Status    string `db:"status"`
}

// Tenant carries the limits consumed at admission and subscribe time. The
// tier table itself lives with the billing plane; only its outputs land
// here.
type Tenant struct {
	ID                string `db:"id"`
	Tier              string `db:"tier"`
	Status            string `db:"status"`
	MaxConnections    int    `db:"max_connections"`
	MaxMessagesPerDay int64  `db:"max_messages_per_day"`
	MaxSubjects       int    `db:"max_subjects"`
}

// DailyUsage is the per-tenant, per-day durable aggregate. Immutable once
// Closed.
type DailyUsage struct {
	TenantID       string `db:"tenant_id"`
	Date           string `db:"date"` // YYYY-MM-DD, UTC day
	MessagesIn     int64  `db:"messages_in"`
	MessagesOut    int64  `db:"messages_out"`
	BytesIn        int64  `db:"bytes_in"`
	BytesOut       int64  `db:"bytes_out"`
	ActiveAgents   int64  `db:"active_agents"`
	ActiveChannels int64  `db:"active_channels"`
	Closed         bool   `db:"closed"`
}

type Store struct {
	db *sqlx.DB
}

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetAgent looks up an agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	err := s.db.GetContext(ctx, &a,
		`SELECT id, tenant_id, public_key, status FROM agents WHERE id = $1`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("store get agent %s: %w", agentID, err)
	}
	return a, nil
}

// GetTenant looks up a tenant and its limits.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT id, tier, status, max_connections, max_messages_per_day, max_subjects
		 FROM tenants WHERE id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("store get tenant %s: %w", tenantID, err)
	}
	return t, nil
}

// ChannelExists reports whether the tenant has a channel with this id.
func (s *Store) ChannelExists(ctx context.Context, tenantID, channelID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM channels WHERE tenant_id = $1 AND id = $2)`,
		tenantID, channelID)
	if err != nil {
		return false, fmt.Errorf("store channel exists %s/%s: %w", tenantID, channelID, err)
	}
	return exists, nil
}

// UpsertDailyUsage writes a snapshot for an open day. Closed rows are left
// untouched.
func (s *Store) UpsertDailyUsage(ctx context.Context, u DailyUsage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_usage
		   (tenant_id, date, messages_in, messages_out, bytes_in, bytes_out,
		    active_agents, active_channels, closed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		 ON CONFLICT (tenant_id, date) DO UPDATE SET
		   messages_in = EXCLUDED.messages_in,
		   messages_out = EXCLUDED.messages_out,
		   bytes_in = EXCLUDED.bytes_in,
		   bytes_out = EXCLUDED.bytes_out,
		   active_agents = EXCLUDED.active_agents,
		   active_channels = EXCLUDED.active_channels
		 WHERE daily_usage.closed = FALSE`,
		u.TenantID, u.Date, u.MessagesIn, u.MessagesOut, u.BytesIn, u.BytesOut,
		u.ActiveAgents, u.ActiveChannels)
	if err != nil {
		return fmt.Errorf("store upsert usage %s/%s: %w", u.TenantID, u.Date, err)
	}
	return nil
}

// CloseDay marks every row for the date immutable.
func (s *Store) CloseDay(ctx context.Context, date string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE daily_usage SET closed = TRUE WHERE date = $1`, date)
	if err != nil {
		return fmt.Errorf("store close day %s: %w", date, err)
	}
	return nil
}

// GetUsageRange returns durable rows for one tenant, dates inclusive.
func (s *Store) GetUsageRange(ctx context.Context, tenantID, from, to string) ([]DailyUsage, error) {
	var rows []DailyUsage
	err := s.db.SelectContext(ctx, &rows,
		`SELECT tenant_id, date, messages_in, messages_out, bytes_in, bytes_out,
		        active_agents, active_channels, closed
		 FROM daily_usage
		 WHERE tenant_id = $1 AND date >= $2 AND date <= $3
		 ORDER BY date`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("store usage range %s: %w", tenantID, err)
	}
	return rows, nil
}

// Ping verifies database health for startup and the admin health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
