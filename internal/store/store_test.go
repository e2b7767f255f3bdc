package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

func TestGetAgent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, tenant_id, public_key, status FROM agents`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "public_key", "status"}).
			AddRow("a1", "t1", []byte("-----BEGIN PUBLIC KEY-----"), "active"))

	a, err := s.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "t1", a.TenantID)
	assert.Equal(t, "active", a.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgentNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, tenant_id, public_key, status FROM agents`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "public_key", "status"}))

	_, err := s.GetAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTenant(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, tier, status, max_connections, max_messages_per_day, max_subjects`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tier", "status", "max_connections", "max_messages_per_day", "max_subjects",
		}).AddRow("t1", "pro", "active", 500, int64(5000000), 128))

	tn, err := s.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 500, tn.MaxConnections)
	assert.Equal(t, int64(5000000), tn.MaxMessagesPerDay)
}

func TestUpsertDailyUsageSkipsClosedRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO daily_usage`).
		WithArgs("t1", "2026-08-24", int64(10), int64(20), int64(100), int64(200), int64(2), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertDailyUsage(context.Background(), DailyUsage{
		TenantID:       "t1",
		Date:           "2026-08-24",
		MessagesIn:     10,
		MessagesOut:    20,
		BytesIn:        100,
		BytesOut:       200,
		ActiveAgents:   2,
		ActiveChannels: 3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUsageRange(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT tenant_id, date, messages_in`).
		WithArgs("t1", "2026-08-20", "2026-08-24").
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "date", "messages_in", "messages_out", "bytes_in", "bytes_out",
			"active_agents", "active_channels", "closed",
		}).
			AddRow("t1", "2026-08-23", 5, 6, 50, 60, 1, 1, true).
			AddRow("t1", "2026-08-24", 7, 8, 70, 80, 2, 2, false))

	rows, err := s.GetUsageRange(context.Background(), "t1", "2026-08-20", "2026-08-24")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Closed)
	assert.Equal(t, int64(7), rows[1].MessagesIn)
}
