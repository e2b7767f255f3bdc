package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/registry"
)

type nopHandle struct{ unsubscribed int }

func (h *nopHandle) Unsubscribe() error {
	h.unsubscribed++
	return nil
}

func newSession(queueSize, maxSubs int) *Session {
	p := auth.Principal{ID: "a1", TenantID: "t1", Role: registry.RoleAgent}
	return New("s1", p, nil, queueSize, maxSubs)
}

func TestStateMachine(t *testing.T) {
	s := newSession(4, 4)
	assert.Equal(t, StateOpening, s.State())

	assert.True(t, s.Advance(StateAuthenticating))
	assert.True(t, s.Advance(StateRunning))
	assert.Equal(t, StateRunning, s.State())

	assert.True(t, s.BeginClose(ReasonHeartbeatTimeout))
	assert.Equal(t, StateClosing, s.State())
	assert.Equal(t, ReasonHeartbeatTimeout, s.CloseReason())

	// Only the first closer wins; the reason does not change.
	assert.False(t, s.BeginClose(ReasonSlowConsumer))
	assert.Equal(t, ReasonHeartbeatTimeout, s.CloseReason())

	// No transitions out of Closing except the terminal one.
	assert.False(t, s.Advance(StateRunning))
	s.MarkClosed()
	assert.Equal(t, StateClosed, s.State())
}

func TestClosingChannelSignals(t *testing.T) {
	s := newSession(4, 4)
	select {
	case <-s.Closing():
		t.Fatal("closing channel fired before BeginClose")
	default:
	}

	s.BeginClose(ReasonNormal)
	select {
	case <-s.Closing():
	default:
		t.Fatal("closing channel did not fire after BeginClose")
	}
}

func TestEnqueueOverflow(t *testing.T) {
	s := newSession(2, 4)
	assert.True(t, s.Enqueue([]byte("1")))
	assert.True(t, s.Enqueue([]byte("2")))
	assert.False(t, s.Enqueue([]byte("3")), "queue past capacity must report overflow")
	assert.Equal(t, 2, s.QueueLen())
}

func TestSubscriptionCap(t *testing.T) {
	s := newSession(4, 2)
	require.NoError(t, s.AddSubscription("tenant.t1.a", &nopHandle{}))
	require.NoError(t, s.AddSubscription("tenant.t1.b", &nopHandle{}))
	assert.ErrorIs(t, s.AddSubscription("tenant.t1.c", &nopHandle{}), ErrSubscriptionLimit)
	assert.Equal(t, 2, s.SubscriptionCount())
}

func TestDetachSubscriptions(t *testing.T) {
	s := newSession(4, 4)
	h1, h2 := &nopHandle{}, &nopHandle{}
	require.NoError(t, s.AddSubscription("tenant.t1.a", h1))
	require.NoError(t, s.AddSubscription("tenant.t1.b", h2))

	subs := s.DetachSubscriptions()
	assert.Len(t, subs, 2)
	assert.Equal(t, 0, s.SubscriptionCount())

	for _, h := range subs {
		require.NoError(t, h.Unsubscribe())
	}
	assert.Equal(t, 1, h1.unsubscribed)
	assert.Equal(t, 1, h2.unsubscribed)
}

func TestRemoveSubscription(t *testing.T) {
	s := newSession(4, 4)
	h := &nopHandle{}
	require.NoError(t, s.AddSubscription("tenant.t1.a", h))

	handle, ok := s.RemoveSubscription("tenant.t1.a")
	require.True(t, ok)
	assert.Same(t, h, handle.(*nopHandle))

	_, ok = s.RemoveSubscription("tenant.t1.a")
	assert.False(t, ok)
}

func TestConsumeHeartbeatSeen(t *testing.T) {
	s := newSession(4, 4)
	assert.False(t, s.ConsumeHeartbeatSeen())

	s.TouchHeartbeat()
	assert.True(t, s.ConsumeHeartbeatSeen())
	assert.False(t, s.ConsumeHeartbeatSeen(), "flag resets on consume")
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	s := newSession(4, 4)
	tbl.Add(s)

	got, ok := tbl.Get("s1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, tbl.Len())

	tbl.Remove("s1")
	tbl.Remove("s1")
	_, ok = tbl.Get("s1")
	assert.False(t, ok)
}
