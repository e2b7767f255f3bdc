package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/internal/counter"
	"github.com/relaymesh/relay/internal/store"
)

type fakeRecorder struct {
	rows   map[string]store.DailyUsage // tenant:date
	closed map[string]bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		rows:   make(map[string]store.DailyUsage),
		closed: make(map[string]bool),
	}
}

func (f *fakeRecorder) UpsertDailyUsage(_ context.Context, u store.DailyUsage) error {
	key := u.TenantID + ":" + u.Date
	if f.closed[u.Date] {
		return nil
	}
	f.rows[key] = u
	return nil
}

func (f *fakeRecorder) CloseDay(_ context.Context, date string) error {
	f.closed[date] = true
	for key, row := range f.rows {
		if row.Date == date {
			row.Closed = true
			f.rows[key] = row
		}
	}
	return nil
}

func (f *fakeRecorder) GetUsageRange(_ context.Context, tenantID, from, to string) ([]store.DailyUsage, error) {
	var out []store.DailyUsage
	for _, row := range f.rows {
		if row.TenantID == tenantID && row.Date >= from && row.Date <= to {
			out = append(out, row)
		}
	}
	return out, nil
}

func fixture(t *testing.T) (*Aggregator, *counter.Counter, *fakeRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	counters := counter.New(rdb, zerolog.Nop(), counter.Options{})
	rec := newFakeRecorder()
	return New(counters, rec, zerolog.Nop()), counters, rec
}

func today() string {
	return time.Now().UTC().Format(counter.DateFormat)
}

func TestSnapshotRollsUpTenants(t *testing.T) {
	agg, counters, rec := fixture(t)
	ctx := context.Background()

	counters.Record("t1", "a1", "tenant.t1.events.x", counter.In, 100)
	counters.Record("t1", "a2", "tenant.t1.events.y", counter.In, 50)
	counters.Record("t1", "u1", "tenant.t1.events.x", counter.Out, 100)
	counters.Record("t2", "a9", "tenant.t2.events.z", counter.In, 10)
	counters.Flush(ctx)

	require.NoError(t, agg.Snapshot(ctx, today()))

	u1 := rec.rows["t1:"+today()]
	assert.Equal(t, int64(2), u1.MessagesIn)
	assert.Equal(t, int64(1), u1.MessagesOut)
	assert.Equal(t, int64(150), u1.BytesIn)
	assert.Equal(t, int64(100), u1.BytesOut)
	assert.Equal(t, int64(3), u1.ActiveAgents)
	assert.Equal(t, int64(2), u1.ActiveChannels)

	u2 := rec.rows["t2:"+today()]
	assert.Equal(t, int64(1), u2.MessagesIn)
	assert.Equal(t, int64(0), u2.MessagesOut)
}

func TestCloseDayFreezesRows(t *testing.T) {
	agg, counters, rec := fixture(t)
	ctx := context.Background()

	counters.Record("t1", "a1", "tenant.t1.events.x", counter.In, 1)
	counters.Flush(ctx)

	require.NoError(t, agg.CloseDay(ctx, today()))

	assert.True(t, rec.closed[today()])
	assert.True(t, rec.rows["t1:"+today()].Closed)
}

func TestGetUsageStitchesLiveDay(t *testing.T) {
	agg, counters, rec := fixture(t)
	ctx := context.Background()

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format(counter.DateFormat)
	rec.rows["t1:"+yesterday] = store.DailyUsage{
		TenantID: "t1", Date: yesterday, MessagesIn: 7, Closed: true,
	}

	counters.Record("t1", "a1", "tenant.t1.events.x", counter.In, 5)
	counters.Flush(ctx)

	rows, err := agg.GetUsage(ctx, "t1", yesterday, today())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byDate := map[string]store.DailyUsage{}
	for _, r := range rows {
		byDate[r.Date] = r
	}
	assert.Equal(t, int64(7), byDate[yesterday].MessagesIn)
	assert.Equal(t, int64(1), byDate[today()].MessagesIn)
}

func TestGetUsagePastRangeSkipsLiveCounters(t *testing.T) {
	agg, counters, rec := fixture(t)
	ctx := context.Background()

	old := "2026-01-01"
	rec.rows["t1:"+old] = store.DailyUsage{TenantID: "t1", Date: old, MessagesIn: 3, Closed: true}

	counters.Record("t1", "a1", "tenant.t1.events.x", counter.In, 5)
	counters.Flush(ctx)

	rows, err := agg.GetUsage(ctx, "t1", old, old)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, old, rows[0].Date)
}
