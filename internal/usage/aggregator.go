// Package usage rolls the fast counter store into durable per-tenant daily
// records and serves usage reads that stitch both together.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relay/internal/counter"
	"github.com/relaymesh/relay/internal/store"
)

// Recorder is the slice of the durable store the aggregator writes.
type Recorder interface {
	UpsertDailyUsage(ctx context.Context, u store.DailyUsage) error
	CloseDay(ctx context.Context, date string) error
	GetUsageRange(ctx context.Context, tenantID, from, to string) ([]store.DailyUsage, error)
}

// Aggregator snapshots today's counters into daily_usage every five
// minutes and closes the previous day just after UTC midnight.
type Aggregator struct {
	counters *counter.Counter
	recorder Recorder
	logger   zerolog.Logger
	cron     *cron.Cron
}

func New(counters *counter.Counter, recorder Recorder, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		counters: counters,
		recorder: recorder,
		logger:   logger.With().Str("component", "usage").Logger(),
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start schedules the periodic snapshot and the day-boundary close.
func (a *Aggregator) Start() error {
	if _, err := a.cron.AddFunc("*/5 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		date := time.Now().UTC().Format(counter.DateFormat)
		if err := a.Snapshot(ctx, date); err != nil {
			a.logger.Error().Err(err).Str("date", date).Msg("Usage snapshot failed")
		}
	}); err != nil {
		return fmt.Errorf("usage schedule snapshot: %w", err)
	}

	// One minute past midnight: final snapshot of yesterday, then freeze it.
	if _, err := a.cron.AddFunc("1 0 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		date := time.Now().UTC().AddDate(0, 0, -1).Format(counter.DateFormat)
		if err := a.CloseDay(ctx, date); err != nil {
			a.logger.Error().Err(err).Str("date", date).Msg("Day close failed")
		}
	}); err != nil {
		return fmt.Errorf("usage schedule day close: %w", err)
	}

	a.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (a *Aggregator) Stop() {
	<-a.cron.Stop().Done()
}

// Snapshot reads every counter key for the date and upserts one durable
// row per tenant.
func (a *Aggregator) Snapshot(ctx context.Context, date string) error {
	day, err := a.counters.ReadDay(ctx, date)
	if err != nil {
		return err
	}

	for tenantID, u := range rollup(date, day) {
		if err := a.recorder.UpsertDailyUsage(ctx, u); err != nil {
			a.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Usage upsert failed")
		}
	}
	return nil
}

// CloseDay takes a final snapshot and marks the date immutable.
func (a *Aggregator) CloseDay(ctx context.Context, date string) error {
	if err := a.Snapshot(ctx, date); err != nil {
		return err
	}
	if err := a.recorder.CloseDay(ctx, date); err != nil {
		return err
	}
	a.logger.Info().Str("date", date).Msg("Closed usage day")
	return nil
}

// GetUsage returns rows for the inclusive date range. When the range
// covers today, the current day's live counters replace whatever snapshot
// has landed so far.
func (a *Aggregator) GetUsage(ctx context.Context, tenantID, from, to string) ([]store.DailyUsage, error) {
	rows, err := a.recorder.GetUsageRange(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}

	today := time.Now().UTC().Format(counter.DateFormat)
	if from > today || to < today {
		return rows, nil
	}

	day, err := a.counters.ReadDay(ctx, today)
	if err != nil {
		return nil, err
	}
	live, ok := rollup(today, day)[tenantID]
	if !ok {
		return rows, nil
	}

	for i := range rows {
		if rows[i].Date == today {
			rows[i] = live
			return rows, nil
		}
	}
	return append(rows, live), nil
}

// rollup folds raw counter keys (relative to the date prefix) into one
// DailyUsage per tenant. Active agents and channels come from the count of
// distinct client and subject dimension keys.
func rollup(date string, day map[string]int64) map[string]store.DailyUsage {
	out := make(map[string]store.DailyUsage)

	get := func(tenantID string) store.DailyUsage {
		if u, ok := out[tenantID]; ok {
			return u
		}
		return store.DailyUsage{TenantID: tenantID, Date: date}
	}

	for key, v := range day {
		tenantID, rest, _ := strings.Cut(key, ":")
		u := get(tenantID)
		switch {
		case rest == "in":
			u.MessagesIn = v
		case rest == "out":
			u.MessagesOut = v
		case rest == "bytes:in":
			u.BytesIn = v
		case rest == "bytes:out":
			u.BytesOut = v
		case strings.HasPrefix(rest, "client:"):
			u.ActiveAgents++
		case strings.HasPrefix(rest, "subject:"):
			u.ActiveChannels++
		}
		out[tenantID] = u
	}
	return out
}
