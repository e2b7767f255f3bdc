package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/registry"
	"github.com/relaymesh/relay/internal/session"
)

type fakePresence struct {
	heartbeats   []string
	unregistered []string
	stale        []string
	staleErr     error
}

func (p *fakePresence) Heartbeat(_ context.Context, id string) error {
	p.heartbeats = append(p.heartbeats, id)
	return nil
}

func (p *fakePresence) Unregister(_ context.Context, id string) error {
	p.unregistered = append(p.unregistered, id)
	return nil
}

func (p *fakePresence) ListStale(_ context.Context, _ time.Time) ([]string, error) {
	return p.stale, p.staleErr
}

type fakeTerminator struct {
	terminated map[string]session.CloseReason
}

func (t *fakeTerminator) TerminateSession(id string, reason session.CloseReason) bool {
	if t.terminated == nil {
		t.terminated = make(map[string]session.CloseReason)
	}
	if _, done := t.terminated[id]; done {
		return false
	}
	t.terminated[id] = reason
	return true
}

func newTestSession(id string) *session.Session {
	p := auth.Principal{ID: "a1", TenantID: "t1", Role: registry.RoleAgent}
	return session.New(id, p, nil, 8, 8)
}

func newMonitor(p Presence, tbl *session.Table, term Terminator) *HeartbeatMonitor {
	return New(zerolog.Nop(), p, tbl, term, 90*time.Second, 5*time.Minute)
}

func TestSweepReapsSilentSessions(t *testing.T) {
	tbl := session.NewTable()
	fresh := newTestSession("s-fresh")
	tbl.Add(fresh)

	// A session whose heartbeat clock is far in the past.
	silent := newTestSession("s-silent")
	tbl.Add(silent)

	presence := &fakePresence{}
	term := &fakeTerminator{}
	m := newMonitor(presence, tbl, term)

	// Fresh sessions survive a sweep.
	m.Sweep(context.Background())
	assert.Empty(t, term.terminated)

	// Backdate by shrinking the timeout rather than waiting.
	m.timeout = -time.Second
	m.Sweep(context.Background())
	assert.Equal(t, session.ReasonHeartbeatTimeout, term.terminated["s-silent"])
	assert.Equal(t, session.ReasonHeartbeatTimeout, term.terminated["s-fresh"])
}

func TestSweepCleansOrphanRecords(t *testing.T) {
	tbl := session.NewTable()
	live := newTestSession("s-live")
	live.TouchHeartbeat()
	tbl.Add(live)

	presence := &fakePresence{stale: []string{"s-live", "s-gone"}}
	term := &fakeTerminator{}
	m := newMonitor(presence, tbl, term)

	m.Sweep(context.Background())

	// Only the record with no local session gets scrubbed.
	require.Equal(t, []string{"s-gone"}, presence.unregistered)
	assert.Empty(t, term.terminated)
}

func TestReassertRefreshesOnlyHeartbeatedSessions(t *testing.T) {
	tbl := session.NewTable()
	active := newTestSession("s-active")
	active.TouchHeartbeat()
	tbl.Add(active)
	tbl.Add(newTestSession("s-quiet"))

	presence := &fakePresence{}
	m := newMonitor(presence, tbl, &fakeTerminator{})

	m.Reassert(context.Background())
	require.Equal(t, []string{"s-active"}, presence.heartbeats)

	// Flag consumed; a second pass with no new heartbeat does nothing.
	m.Reassert(context.Background())
	assert.Len(t, presence.heartbeats, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m := newMonitor(&fakePresence{}, session.NewTable(), &fakeTerminator{})
	m.sweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
