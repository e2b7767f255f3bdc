// Package registry keeps the shared-store view of every live session across
// gateway instances. A record exists exactly while the owning instance
// believes the session is alive; records orphaned by a crash expire via TTL
// or get reaped by the heartbeat monitor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Heartbeat when the record was already reaped.
var ErrNotFound = errors.New("registry: record not found")

// RecordTTL bounds how long an orphaned record can outlive its server.
const RecordTTL = 24 * time.Hour

// Role of the principal that owns a session.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleDashboard Role = "dashboard"
)

// ConnectionRecord is the registry entry for one live session.
type ConnectionRecord struct {
	SessionID       string
	PrincipalID     string
	TenantID        string
	Role            Role
	ServerInstance  string
	OpenedAt        time.Time
	LastHeartbeatAt time.Time
}

// Registry stores connection records in Redis: one hash per session with a
// TTL, a per-tenant index set, and a per-instance heartbeat ZSET scored by
// last-heartbeat time for staleness queries.
type Registry struct {
	rdb      *redis.Client
	table    string
	serverID string
}

func New(rdb *redis.Client, table, serverID string) *Registry {
	if table == "" {
		table = "conn"
	}
	return &Registry{rdb: rdb, table: table, serverID: serverID}
}

func (r *Registry) recordKey(sessionID string) string {
	return r.table + ":" + sessionID
}

func (r *Registry) tenantKey(tenantID string) string {
	return r.table + ":tenant:" + tenantID
}

func (r *Registry) heartbeatKey(serverID string) string {
	return r.table + ":hb:" + serverID
}

// Register writes the record with the full TTL, overwriting any existing
// entry for the session id.
func (r *Registry) Register(ctx context.Context, rec ConnectionRecord) error {
	pipe := r.rdb.TxPipeline()
	key := r.recordKey(rec.SessionID)
	pipe.HSet(ctx, key, map[string]any{
		"principal_id":      rec.PrincipalID,
		"tenant_id":         rec.TenantID,
		"role":              string(rec.Role),
		"server_instance":   rec.ServerInstance,
		"opened_at":         rec.OpenedAt.UTC().Format(time.RFC3339Nano),
		"last_heartbeat_at": rec.LastHeartbeatAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, RecordTTL)
	pipe.SAdd(ctx, r.tenantKey(rec.TenantID), rec.SessionID)
	pipe.ZAdd(ctx, r.heartbeatKey(rec.ServerInstance), redis.Z{
		Score:  float64(rec.LastHeartbeatAt.Unix()),
		Member: rec.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry register %s: %w", rec.SessionID, err)
	}
	return nil
}

// Heartbeat refreshes last-heartbeat-at and the record TTL. Fails with
// ErrNotFound if the record was reaped.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	key := r.recordKey(sessionID)

	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("registry heartbeat %s: %w", sessionID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, "last_heartbeat_at", now.Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, RecordTTL)
	pipe.ZAdd(ctx, r.heartbeatKey(r.serverID), redis.Z{
		Score:  float64(now.Unix()),
		Member: sessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry heartbeat %s: %w", sessionID, err)
	}
	return nil
}

// Unregister deletes the record and its index entries. Idempotent.
func (r *Registry) Unregister(ctx context.Context, sessionID string) error {
	rec, err := r.get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Record already gone; still scrub our own heartbeat index.
			r.rdb.ZRem(ctx, r.heartbeatKey(r.serverID), sessionID)
			return nil
		}
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.recordKey(sessionID))
	pipe.SRem(ctx, r.tenantKey(rec.TenantID), sessionID)
	pipe.ZRem(ctx, r.heartbeatKey(rec.ServerInstance), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry unregister %s: %w", sessionID, err)
	}
	return nil
}

// ListByTenant returns the live records for one tenant. Index members whose
// record has expired are scrubbed as a side effect.
func (r *Registry) ListByTenant(ctx context.Context, tenantID string) ([]ConnectionRecord, error) {
	ids, err := r.rdb.SMembers(ctx, r.tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry list tenant %s: %w", tenantID, err)
	}

	records := make([]ConnectionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.rdb.SRem(ctx, r.tenantKey(tenantID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListStale returns session ids owned by this instance whose last heartbeat
// is older than cutoff.
func (r *Registry) ListStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.heartbeatKey(r.serverID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry list stale: %w", err)
	}
	return ids, nil
}

func (r *Registry) get(ctx context.Context, sessionID string) (ConnectionRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, r.recordKey(sessionID)).Result()
	if err != nil {
		return ConnectionRecord{}, fmt.Errorf("registry get %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return ConnectionRecord{}, ErrNotFound
	}

	opened, _ := time.Parse(time.RFC3339Nano, fields["opened_at"])
	heartbeat, _ := time.Parse(time.RFC3339Nano, fields["last_heartbeat_at"])
	return ConnectionRecord{
		SessionID:       sessionID,
		PrincipalID:     fields["principal_id"],
		TenantID:        fields["tenant_id"],
		Role:            Role(fields["role"]),
		ServerInstance:  fields["server_instance"],
		OpenedAt:        opened,
		LastHeartbeatAt: heartbeat,
	}, nil
}
