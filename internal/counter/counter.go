// Package counter is the message-accounting subsystem: at-most-once
// counting of per-tenant, per-client and per-subject traffic into a fast
// counter store. Counts coalesce in a per-instance buffer and flush as one
// increment per key.
package counter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/relaymesh/relay/internal/logging"
	"github.com/relaymesh/relay/internal/metrics"
)

// Direction of a counted message relative to the bus.
type Direction int

const (
	// In counts a publish accepted from a session.
	In Direction = iota
	// Out counts a message frame delivered to a session.
	Out
)

// DateFormat is the UTC day key used throughout the accounting subsystem.
const DateFormat = "2006-01-02"

// Key layout: stats:d:<date>:<tenant-id>[:<dimension>:<value>]
//
//	stats:d:<date>:<t>                   total messages, both directions
//	stats:d:<date>:<t>:in / :out         direction split
//	stats:d:<date>:<t>:bytes:in / :out   payload byte totals
//	stats:d:<date>:<t>:client:<id>       per-principal messages
//	stats:d:<date>:<t>:subject:<subj>    per-subject messages
const keyPrefix = "stats:d:"

// TenantKey returns the daily total key for a tenant.
func TenantKey(date, tenantID string) string {
	return keyPrefix + date + ":" + tenantID
}

// Counter buffers increments and flushes them to the counter store every
// interval or every batch events, whichever comes first. Flushes are fire
// and forget; a failed flush retains the buffered deltas for the next
// attempt, up to the retention window.
type Counter struct {
	rdb     *redis.Client
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker

	interval  time.Duration
	batch     int
	retention time.Duration

	mu            sync.Mutex
	deltas        map[string]int64
	events        int
	bufferedSince time.Time

	kick chan struct{}
}

type Options struct {
	FlushInterval time.Duration // default 1s
	FlushBatch    int           // default 1024 events
	Retention     time.Duration // default 10s
}

func New(rdb *redis.Client, logger zerolog.Logger, opts Options) *Counter {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.FlushBatch <= 0 {
		opts.FlushBatch = 1024
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Second
	}
	return &Counter{
		rdb:    rdb,
		logger: logger.With().Str("component", "counter").Logger(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "counter-flush",
			Timeout: 5 * time.Second,
		}),
		interval:  opts.FlushInterval,
		batch:     opts.FlushBatch,
		retention: opts.Retention,
		deltas:    make(map[string]int64),
		kick:      make(chan struct{}, 1),
	}
}

// Record counts one message event across all three dimensions plus the
// direction and byte splits. Non-blocking; the store round-trip happens on
// the flush path.
func (c *Counter) Record(tenantID, principalID, subject string, dir Direction, payloadBytes int) {
	date := time.Now().UTC().Format(DateFormat)
	base := TenantKey(date, tenantID)

	dirSuffix := ":in"
	if dir == Out {
		dirSuffix = ":out"
	}

	c.mu.Lock()
	if c.events == 0 {
		c.bufferedSince = time.Now()
	}
	c.deltas[base]++
	c.deltas[base+dirSuffix]++
	c.deltas[base+":bytes"+dirSuffix] += int64(payloadBytes)
	c.deltas[base+":client:"+principalID]++
	c.deltas[base+":subject:"+subject]++
	c.events++
	full := c.events >= c.batch
	buffered := c.events
	c.mu.Unlock()

	metrics.CounterEventsBuffered.Set(float64(buffered))

	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes until ctx is canceled, then performs one final flush.
func (c *Counter) Run(ctx context.Context) {
	defer logging.RecoverPanic(c.logger, "counter.Run", nil)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Flush(context.Background())
			return
		case <-ticker.C:
			c.Flush(ctx)
		case <-c.kick:
			c.Flush(ctx)
		}
	}
}

// Flush issues one INCRBY per buffered key. On failure the deltas are
// retained for the next attempt; deltas older than the retention window
// are dropped with a metric.
func (c *Counter) Flush(ctx context.Context) {
	c.mu.Lock()
	if c.events == 0 {
		c.mu.Unlock()
		return
	}
	snapshot := c.deltas
	events := c.events
	since := c.bufferedSince
	c.deltas = make(map[string]int64)
	c.events = 0
	c.mu.Unlock()

	_, err := c.breaker.Execute(func() (any, error) {
		pipe := c.rdb.Pipeline()
		for key, delta := range snapshot {
			pipe.IncrBy(ctx, key, delta)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err == nil {
		metrics.CounterEventsBuffered.Set(0)
		return
	}

	metrics.CounterFlushErrors.Inc()

	if time.Since(since) > c.retention {
		dropped := int64(0)
		for _, d := range snapshot {
			dropped += d
		}
		metrics.CounterDeltasDropped.Add(float64(dropped))
		c.logger.Error().Err(err).
			Int("events", events).
			Dur("buffered_for", time.Since(since)).
			Msg("Counter flush failed, dropping deltas past retention")
		return
	}

	// Merge the snapshot back for the next attempt.
	c.mu.Lock()
	for key, delta := range snapshot {
		c.deltas[key] += delta
	}
	c.events += events
	if c.bufferedSince.After(since) || c.bufferedSince.IsZero() {
		c.bufferedSince = since
	}
	c.mu.Unlock()

	c.logger.Warn().Err(err).Int("events", events).Msg("Counter flush failed, retaining deltas")
}

// Total returns today's flushed message total for a tenant plus any delta
// still in the buffer. Used by the daily message quota check.
func (c *Counter) Total(ctx context.Context, tenantID string) (int64, error) {
	key := TenantKey(time.Now().UTC().Format(DateFormat), tenantID)

	flushed, err := c.rdb.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("counter total %s: %w", tenantID, err)
	}

	c.mu.Lock()
	buffered := c.deltas[key]
	c.mu.Unlock()

	return flushed + buffered, nil
}

// ReadDay bulk-reads every counter key for the date. Used by the usage
// aggregator.
func (c *Counter) ReadDay(ctx context.Context, date string) (map[string]int64, error) {
	prefix := keyPrefix + date + ":"
	out := make(map[string]int64)

	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, prefix+"*", 512).Result()
		if err != nil {
			return nil, fmt.Errorf("counter read day %s: %w", date, err)
		}
		for _, key := range keys {
			v, err := c.rdb.Get(ctx, key).Int64()
			if err != nil && err != redis.Nil {
				return nil, fmt.Errorf("counter read day %s: %w", date, err)
			}
			out[strings.TrimPrefix(key, prefix)] = v
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
