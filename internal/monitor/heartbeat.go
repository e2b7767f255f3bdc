// Package monitor is the presence subsystem: it reaps sessions whose
// application heartbeats stopped and keeps registry TTLs asserted for the
// ones still alive.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/relay/internal/logging"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/session"
)

// Presence is the slice of the connection registry the monitor drives.
type Presence interface {
	Heartbeat(ctx context.Context, sessionID string) error
	Unregister(ctx context.Context, sessionID string) error
	ListStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Terminator closes a live session with a reason. Implemented by the
// gateway.
type Terminator interface {
	TerminateSession(sessionID string, reason session.CloseReason) bool
}

const reassertInterval = time.Minute

// HeartbeatMonitor sweeps this instance's sessions on a fixed interval and
// closes any whose last heartbeat is older than the timeout. Between
// sweeps it re-asserts registry TTLs for sessions that heartbeated, so a
// record outlives a registry hiccup at frame time.
type HeartbeatMonitor struct {
	logger   zerolog.Logger
	presence Presence
	sessions *session.Table
	term     Terminator

	timeout       time.Duration
	sweepInterval time.Duration
}

func New(logger zerolog.Logger, presence Presence, sessions *session.Table, term Terminator, timeout, sweepInterval time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		logger:        logger.With().Str("component", "monitor").Logger(),
		presence:      presence,
		sessions:      sessions,
		term:          term,
		timeout:       timeout,
		sweepInterval: sweepInterval,
	}
}

// Run blocks until ctx is canceled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	defer logging.RecoverPanic(m.logger, "monitor.Run", nil)

	sweep := time.NewTicker(m.sweepInterval)
	defer sweep.Stop()
	reassert := time.NewTicker(reassertInterval)
	defer reassert.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			m.Sweep(ctx)
		case <-reassert.C:
			m.Reassert(ctx)
		}
	}
}

// Sweep closes sessions whose last heartbeat is older than the timeout and
// scrubs stale registry records this instance owns but no longer serves.
func (m *HeartbeatMonitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.timeout)
	reaped := 0

	m.sessions.Range(func(s *session.Session) {
		if s.LastHeartbeat().Before(cutoff) {
			if m.term.TerminateSession(s.ID, session.ReasonHeartbeatTimeout) {
				metrics.HeartbeatReaps.Inc()
				reaped++
			}
		}
	})

	stale, err := m.presence.ListStale(ctx, cutoff)
	if err != nil {
		metrics.RegistryErrors.Inc()
		m.logger.Error().Err(err).Msg("Stale record listing failed")
		return
	}
	orphans := 0
	for _, id := range stale {
		if _, ok := m.sessions.Get(id); ok {
			// Live session, already handled by the local pass above.
			continue
		}
		// Record left behind by a crash or a lost unregister.
		if err := m.presence.Unregister(ctx, id); err != nil {
			metrics.RegistryErrors.Inc()
			m.logger.Error().Err(err).Str("session_id", id).Msg("Orphan record cleanup failed")
			continue
		}
		orphans++
	}

	if reaped > 0 || orphans > 0 {
		m.logger.Info().Int("reaped", reaped).Int("orphans", orphans).Msg("Heartbeat sweep completed")
	}
}

// Reassert refreshes registry TTLs for sessions that heartbeated since the
// previous pass.
func (m *HeartbeatMonitor) Reassert(ctx context.Context) {
	m.sessions.Range(func(s *session.Session) {
		if !s.ConsumeHeartbeatSeen() {
			return
		}
		if err := m.presence.Heartbeat(ctx, s.ID); err != nil {
			metrics.RegistryErrors.Inc()
			m.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Registry TTL re-assert failed")
		}
	})
}
