// Package gateway is the WebSocket edge: endpoint handlers, session
// admission, the read/write pumps, and frame dispatch into the bus.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/bus"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/counter"
	"github.com/relaymesh/relay/internal/logging"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/registry"
	"github.com/relaymesh/relay/internal/session"
	"github.com/relaymesh/relay/internal/store"
)

const (
	// Pong wait and ping period for transport-level liveness. Application
	// heartbeats are separate and feed the presence registry.
	pongWait   = 30 * time.Second
	pingPeriod = 27 * time.Second

	// Budget for flushing the outbound queue before the close frame.
	drainBudget = time.Second

	maxFrameBytes = 1 << 20

	registryOpTimeout = 5 * time.Second
)

// Directory is the slice of the durable store admission and channel lookup
// need.
type Directory interface {
	GetTenant(ctx context.Context, tenantID string) (store.Tenant, error)
	ChannelExists(ctx context.Context, tenantID, channelID string) (bool, error)
}

// Gateway owns every live WebSocket on this instance.
type Gateway struct {
	cfg        *config.Config
	logger     zerolog.Logger
	bus        bus.Bus
	reg        *registry.Registry
	tokens     *auth.TokenVerifier
	challenges *auth.ChallengeVerifier
	dir        Directory
	counters   *counter.Counter

	table    *session.Table
	upgrader websocket.Upgrader

	connSem      chan struct{}
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

func New(
	cfg *config.Config,
	logger zerolog.Logger,
	b bus.Bus,
	reg *registry.Registry,
	tokens *auth.TokenVerifier,
	challenges *auth.ChallengeVerifier,
	dir Directory,
	counters *counter.Counter,
) *Gateway {
	return &Gateway{
		cfg:        cfg,
		logger:     logger.With().Str("component", "gateway").Logger(),
		bus:        b,
		reg:        reg,
		tokens:     tokens,
		challenges: challenges,
		dir:        dir,
		counters:   counters,
		table:      session.NewTable(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced upstream at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connSem: make(chan struct{}, cfg.MaxConnections),
	}
}

// Handler returns the public WebSocket mux.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ws/agent/{agentID}/challenge", g.handleChallenge)
	mux.HandleFunc("GET /ws/agent/{agentID}", g.handleAgent)
	mux.HandleFunc("GET /ws/dashboard", g.handleDashboard)
	return mux
}

// Sessions exposes the live-session table for the heartbeat monitor and
// the admin surface.
func (g *Gateway) Sessions() *session.Table {
	return g.table
}

// handleChallenge issues a single-use handshake challenge for an agent.
func (g *Gateway) handleChallenge(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.AuthTimeout)
	defer cancel()

	challenge, err := g.challenges.IssueChallenge(ctx, agentID)
	if err != nil {
		g.logger.Error().Err(err).Str("agent_id", agentID).Msg("Challenge issuance failed")
		http.Error(w, "challenge unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"challenge": challenge})
}

// handleAgent authenticates the challenge signature before the upgrade, so
// a failed handshake costs an HTTP 401 rather than a socket.
func (g *Gateway) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	q := r.URL.Query()

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.AuthTimeout)
	defer cancel()

	principal, err := g.challenges.VerifyChallenge(ctx, agentID, q.Get("challenge"), q.Get("signature"))
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		g.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Agent handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Optional caller assertion of the tenant it expects to join.
	if want := q.Get("tenant_id"); want != "" && want != principal.TenantID {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	g.acceptSession(w, r, principal)
}

// handleDashboard validates the bearer token before the upgrade.
func (g *Gateway) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var principal auth.Principal
	token, err := auth.BearerToken(r)
	if err == nil {
		principal, err = g.tokens.Verify(token)
	}
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		g.logger.Warn().Err(err).Msg("Dashboard handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	g.acceptSession(w, r, principal)
}

// acceptSession runs admission, upgrades the socket, registers the session
// and starts its pumps.
func (g *Gateway) acceptSession(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	if g.shuttingDown.Load() {
		metrics.ConnectionsRejected.WithLabelValues("shutdown").Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.AuthTimeout)
	defer cancel()

	tenant, err := g.dir.GetTenant(ctx, principal.TenantID)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("tenant").Inc()
		g.logger.Warn().Err(err).Str("tenant_id", principal.TenantID).Msg("Tenant lookup failed on admission")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if tenant.Status != "active" {
		metrics.ConnectionsRejected.WithLabelValues("tenant").Inc()
		http.Error(w, "tenant suspended", http.StatusForbidden)
		return
	}

	// Tenant-wide connection cap, counted across all instances. A registry
	// outage degrades to admitting the connection rather than refusing it.
	if tenant.MaxConnections > 0 {
		recs, err := g.reg.ListByTenant(ctx, tenant.ID)
		if err != nil {
			metrics.RegistryErrors.Inc()
			g.logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("Registry unavailable during admission")
		} else if len(recs) >= tenant.MaxConnections {
			metrics.ConnectionsRejected.WithLabelValues("tenant_limit").Inc()
			http.Error(w, "connection limit reached", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case g.connSem <- struct{}{}:
	default:
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		<-g.connSem
		g.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	maxSubs := g.cfg.MaxSubscriptions
	if tenant.MaxSubjects > 0 && tenant.MaxSubjects < maxSubs {
		maxSubs = tenant.MaxSubjects
	}

	sess := session.New(uuid.NewString(), principal, conn, g.cfg.OutboundQueueSize, maxSubs)
	sess.MessagesPerDayLimit = tenant.MaxMessagesPerDay
	sess.Advance(session.StateAuthenticating)
	sess.Advance(session.StateRunning)
	g.table.Add(sess)

	now := time.Now().UTC()
	regCtx, regCancel := context.WithTimeout(context.Background(), registryOpTimeout)
	err = g.reg.Register(regCtx, registry.ConnectionRecord{
		SessionID:       sess.ID,
		PrincipalID:     principal.ID,
		TenantID:        principal.TenantID,
		Role:            principal.Role,
		ServerInstance:  g.cfg.ServerID,
		OpenedAt:        now,
		LastHeartbeatAt: now,
	})
	regCancel()
	if err != nil {
		metrics.RegistryErrors.Inc()
		g.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Registry register failed")
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	g.logger.Info().
		Str("session_id", sess.ID).
		Str("principal_id", principal.ID).
		Str("tenant_id", principal.TenantID).
		Str("role", string(principal.Role)).
		Msg("Session established")

	g.wg.Add(2)
	go g.readPump(sess)
	go g.writePump(sess)
}

// readPump owns the socket read-half: transport liveness, per-session rate
// limiting and frame dispatch.
func (g *Gateway) readPump(sess *session.Session) {
	defer g.wg.Done()
	defer logging.RecoverPanic(g.logger, "gateway.readPump", map[string]any{"session_id": sess.ID})
	defer g.disconnect(sess, session.ReasonReadError)

	conn := sess.Conn
	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(g.cfg.InboundFramesPerSecond), g.cfg.InboundFrameBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			metrics.RateLimitedFrames.Inc()
			g.sendError(sess, "", ErrCatRateLimited)
			continue
		}

		g.dispatch(sess, data)
	}
}

// writePump owns the socket write-half: the outbound queue, transport
// pings and the closing drain. It is the only goroutine that writes.
func (g *Gateway) writePump(sess *session.Session) {
	defer g.wg.Done()
	defer logging.RecoverPanic(g.logger, "gateway.writePump", map[string]any{"session_id": sess.ID})

	conn := sess.Conn
	defer conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Closing():
			g.drainAndClose(sess)
			return

		case frame := <-sess.Outbound():
			if !g.writeFrame(sess, frame) {
				return
			}
			// Drain whatever queued behind this frame in one pass.
			for n := sess.QueueLen(); n > 0; n-- {
				if !g.writeFrame(sess, <-sess.Outbound()) {
					return
				}
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.disconnect(sess, session.ReasonWriteError)
				return
			}
		}
	}
}

func (g *Gateway) writeFrame(sess *session.Session, frame []byte) bool {
	conn := sess.Conn
	conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		g.disconnect(sess, session.ReasonWriteError)
		return false
	}
	metrics.FramesOut.Inc()
	return true
}

// drainAndClose flushes queued frames within the drain budget, then writes
// the close frame carrying the session's close reason.
func (g *Gateway) drainAndClose(sess *session.Session) {
	conn := sess.Conn
	deadline := time.Now().Add(drainBudget)

drain:
	for {
		select {
		case frame := <-sess.Outbound():
			conn.SetWriteDeadline(deadline)
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				break drain
			}
			metrics.FramesOut.Inc()
		default:
			break drain
		}
	}

	reason := sess.CloseReason()
	msg := websocket.FormatCloseMessage(reason.CloseCode(), string(reason))
	conn.SetWriteDeadline(time.Now().Add(drainBudget))
	conn.WriteMessage(websocket.CloseMessage, msg)
}

// disconnect moves the session into Closing exactly once and runs cleanup.
// Safe to call from any goroutine and from bus handlers.
func (g *Gateway) disconnect(sess *session.Session, reason session.CloseReason) {
	if !sess.BeginClose(reason) {
		return
	}

	// Out of the table first so bus handlers discard deliveries immediately.
	g.table.Remove(sess.ID)

	go func() {
		defer logging.RecoverPanic(g.logger, "gateway.disconnect", map[string]any{"session_id": sess.ID})

		for subject, handle := range sess.DetachSubscriptions() {
			if err := handle.Unsubscribe(); err != nil {
				g.logger.Warn().Err(err).
					Str("session_id", sess.ID).
					Str("subject", subject).
					Msg("Unsubscribe failed during cleanup")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), registryOpTimeout)
		if err := g.reg.Unregister(ctx, sess.ID); err != nil {
			metrics.RegistryErrors.Inc()
			g.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Registry unregister failed")
		}
		cancel()

		<-g.connSem
		metrics.ConnectionsActive.Dec()
		metrics.DisconnectsTotal.WithLabelValues(string(reason)).Inc()
		sess.MarkClosed()

		g.logger.Info().
			Str("session_id", sess.ID).
			Str("tenant_id", sess.TenantID()).
			Str("reason", string(reason)).
			Msg("Session closed")
	}()
}

// TerminateSession closes the identified session with the given reason.
// Used by the heartbeat monitor. Returns false if the session is unknown.
func (g *Gateway) TerminateSession(sessionID string, reason session.CloseReason) bool {
	sess, ok := g.table.Get(sessionID)
	if !ok {
		return false
	}
	g.disconnect(sess, reason)
	return true
}

// Shutdown refuses new connections, closes every session with a normal
// close, and waits for the pumps up to the context deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shuttingDown.Store(true)

	g.table.Range(func(sess *session.Session) {
		g.disconnect(sess, session.ReasonServerShutdown)
	})

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendError enqueues an error frame, counting it. Overflow on an error
// frame terminates the session like any other slow-consumer overflow.
func (g *Gateway) sendError(sess *session.Session, id, category string) {
	metrics.ErrorFrames.WithLabelValues(category).Inc()
	if !sess.Enqueue(encodeError(id, category)) {
		g.disconnect(sess, session.ReasonSlowConsumer)
	}
}

func (g *Gateway) sendAck(sess *session.Session, id string) {
	if !sess.Enqueue(encodeAck(id)) {
		g.disconnect(sess, session.ReasonSlowConsumer)
	}
}
