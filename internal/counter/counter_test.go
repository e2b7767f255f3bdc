package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounter(t *testing.T, opts Options) (*Counter, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zerolog.Nop(), opts), mr, rdb
}

func today() string {
	return time.Now().UTC().Format(DateFormat)
}

func TestRecordAndFlush(t *testing.T) {
	c, _, rdb := newTestCounter(t, Options{})
	ctx := context.Background()

	c.Record("t1", "a1", "tenant.t1.events.x", In, 42)
	c.Record("t1", "a1", "tenant.t1.events.x", In, 8)
	c.Record("t1", "u1", "tenant.t1.events.x", Out, 42)
	c.Flush(ctx)

	base := TenantKey(today(), "t1")
	total, err := rdb.Get(ctx, base).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	in, _ := rdb.Get(ctx, base+":in").Int64()
	out, _ := rdb.Get(ctx, base+":out").Int64()
	assert.Equal(t, int64(2), in)
	assert.Equal(t, int64(1), out)

	bytesIn, _ := rdb.Get(ctx, base+":bytes:in").Int64()
	assert.Equal(t, int64(50), bytesIn)

	byAgent, _ := rdb.Get(ctx, base+":client:a1").Int64()
	byUser, _ := rdb.Get(ctx, base+":client:u1").Int64()
	assert.Equal(t, int64(2), byAgent)
	assert.Equal(t, int64(1), byUser)

	bySubject, _ := rdb.Get(ctx, base+":subject:tenant.t1.events.x").Int64()
	assert.Equal(t, int64(3), bySubject)
}

// Sum of per-client increments must equal the tenant total.
func TestCounterConservation(t *testing.T) {
	c, _, _ := newTestCounter(t, Options{})
	ctx := context.Background()

	clients := []string{"a1", "a2", "u1"}
	for i := 0; i < 60; i++ {
		c.Record("t1", clients[i%len(clients)], "tenant.t1.events.x", In, 10)
	}
	c.Flush(ctx)

	day, err := c.ReadDay(ctx, today())
	require.NoError(t, err)

	var perClient int64
	for _, id := range clients {
		perClient += day["t1:client:"+id]
	}
	assert.Equal(t, day["t1"], perClient)
}

func TestFlushRetainsDeltasOnFailure(t *testing.T) {
	c, mr, rdb := newTestCounter(t, Options{Retention: time.Minute})
	ctx := context.Background()

	c.Record("t1", "a1", "tenant.t1.events.x", In, 1)

	// Store down: flush fails, delta survives for the next attempt.
	mr.Close()
	c.Flush(ctx)

	mr.Restart()
	c.Flush(ctx)

	total, err := rdb.Get(ctx, TenantKey(today(), "t1")).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestFlushDropsDeltasPastRetention(t *testing.T) {
	c, mr, rdb := newTestCounter(t, Options{Retention: time.Nanosecond})
	ctx := context.Background()

	c.Record("t1", "a1", "tenant.t1.events.x", In, 1)
	time.Sleep(time.Millisecond)

	mr.Close()
	c.Flush(ctx)

	mr.Restart()
	c.Flush(ctx)

	_, err := rdb.Get(ctx, TenantKey(today(), "t1")).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestTotalIncludesBufferedDelta(t *testing.T) {
	c, _, _ := newTestCounter(t, Options{})
	ctx := context.Background()

	c.Record("t1", "a1", "tenant.t1.events.x", In, 1)
	c.Flush(ctx)
	c.Record("t1", "a1", "tenant.t1.events.x", In, 1)

	total, err := c.Total(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestBatchTriggersKick(t *testing.T) {
	c, _, rdb := newTestCounter(t, Options{FlushBatch: 4, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	for i := 0; i < 4; i++ {
		c.Record("t1", "a1", "tenant.t1.events.x", In, 1)
	}

	require.Eventually(t, func() bool {
		v, err := rdb.Get(context.Background(), TenantKey(today(), "t1")).Int64()
		return err == nil && v == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
