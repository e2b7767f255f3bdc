package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/relaymesh/relay/internal/bus"
	"github.com/relaymesh/relay/internal/counter"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/registry"
	"github.com/relaymesh/relay/internal/session"
)

// dispatch decodes one inbound frame and routes it by session role.
// Protocol errors answer with an error frame; the session stays open.
func (g *Gateway) dispatch(sess *session.Session, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		g.sendError(sess, "", ErrCatInvalidFrame)
		return
	}
	metrics.FramesIn.WithLabelValues(f.Type).Inc()

	switch sess.Principal.Role {
	case registry.RoleAgent:
		g.dispatchAgent(sess, f)
	case registry.RoleDashboard:
		g.dispatchDashboard(sess, f)
	}
}

func (g *Gateway) dispatchAgent(sess *session.Session, f Frame) {
	switch f.Type {
	case FrameHeartbeat:
		g.handleHeartbeat(sess, f)

	case FramePublish:
		g.handlePublish(sess, f)

	case FrameSubscribe:
		subject, err := NormalizeSubject(sess.TenantID(), f.Subject)
		if err != nil {
			g.sendError(sess, f.ID, ErrCatInvalidFrame)
			return
		}
		g.subscribe(sess, f.ID, subject)

	case FrameUnsubscribe:
		subject, err := NormalizeSubject(sess.TenantID(), f.Subject)
		if err != nil {
			g.sendError(sess, f.ID, ErrCatInvalidFrame)
			return
		}
		g.unsubscribe(sess, f.ID, subject)

	default:
		g.sendError(sess, f.ID, ErrCatUnknownType)
	}
}

func (g *Gateway) dispatchDashboard(sess *session.Session, f Frame) {
	switch f.Type {
	case FrameHeartbeat:
		g.handleHeartbeat(sess, f)

	case FrameSubscribeChannel:
		subject, ok := g.resolveChannel(sess, f)
		if !ok {
			return
		}
		g.subscribe(sess, f.ID, subject)

	case FrameUnsubscribeChannel:
		if f.ChannelID == "" {
			g.sendError(sess, f.ID, ErrCatInvalidFrame)
			return
		}
		g.unsubscribe(sess, f.ID, ChannelSubject(sess.TenantID(), f.ChannelID))

	case FrameSubscribeTopicPreview:
		g.subscribe(sess, f.ID, PreviewSubject(sess.TenantID()))

	case FrameUnsubscribeTopicPreview:
		g.unsubscribe(sess, f.ID, PreviewSubject(sess.TenantID()))

	default:
		g.sendError(sess, f.ID, ErrCatUnknownType)
	}
}

// resolveChannel maps a channel id to its bus subject after checking the
// channel exists for the tenant.
func (g *Gateway) resolveChannel(sess *session.Session, f Frame) (string, bool) {
	if f.ChannelID == "" {
		g.sendError(sess, f.ID, ErrCatInvalidFrame)
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryOpTimeout)
	defer cancel()

	exists, err := g.dir.ChannelExists(ctx, sess.TenantID(), f.ChannelID)
	if err != nil {
		g.logger.Error().Err(err).
			Str("session_id", sess.ID).
			Str("channel_id", f.ChannelID).
			Msg("Channel lookup failed")
		g.sendError(sess, f.ID, ErrCatNotFound)
		return "", false
	}
	if !exists {
		g.sendError(sess, f.ID, ErrCatNotFound)
		return "", false
	}
	return ChannelSubject(sess.TenantID(), f.ChannelID), true
}

// handleHeartbeat refreshes local liveness, re-asserts the registry record
// and emits fire-and-forget presence telemetry on the bus.
func (g *Gateway) handleHeartbeat(sess *session.Session, f Frame) {
	sess.TouchHeartbeat()

	ctx, cancel := context.WithTimeout(context.Background(), registryOpTimeout)
	err := g.reg.Heartbeat(ctx, sess.ID)
	cancel()
	if errors.Is(err, registry.ErrNotFound) {
		g.logger.Warn().Str("session_id", sess.ID).Msg("Heartbeat for reaped registry record")
	} else if err != nil {
		metrics.RegistryErrors.Inc()
		g.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Registry heartbeat failed")
	}

	telemetry, _ := json.Marshal(map[string]string{
		"session_id": sess.ID,
		"ts":         time.Now().UTC().Format(time.RFC3339),
	})
	g.bus.Publish(HeartbeatTelemetrySubject(sess.TenantID(), sess.Principal.ID), telemetry)

	if f.ID != "" {
		g.sendAck(sess, f.ID)
	}
}

// handlePublish rewrites the subject into the tenant namespace, enforces
// the daily message quota, publishes, and counts the accepted message.
func (g *Gateway) handlePublish(sess *session.Session, f Frame) {
	if len(f.Payload) == 0 {
		g.sendError(sess, f.ID, ErrCatInvalidFrame)
		return
	}

	subject, err := NormalizeSubject(sess.TenantID(), f.Subject)
	if err != nil {
		g.sendError(sess, f.ID, ErrCatInvalidFrame)
		return
	}
	if bus.HasWildcard(subject) {
		g.sendError(sess, f.ID, ErrCatForbidden)
		return
	}

	if limit := sess.MessagesPerDayLimit; limit > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), registryOpTimeout)
		total, err := g.counters.Total(ctx, sess.TenantID())
		cancel()
		// A counter-store outage degrades to accepting the publish.
		if err == nil && total >= limit {
			g.sendError(sess, f.ID, ErrCatQuotaExceeded)
			return
		}
	}

	if err := g.bus.Publish(subject, f.Payload); err != nil {
		metrics.BusPublishErrors.Inc()
		g.sendError(sess, f.ID, ErrCatBusUnavailable)
		return
	}

	g.counters.Record(sess.TenantID(), sess.Principal.ID, subject, counter.In, len(f.Payload))
	g.sendAck(sess, f.ID)
}

// subscribe attaches a bus subscription owned by the session. Idempotent
// per subject. The handler captures only the session id; deliveries for a
// session no longer in the table are discarded.
func (g *Gateway) subscribe(sess *session.Session, id, subject string) {
	if sess.HasSubscription(subject) {
		g.sendAck(sess, id)
		return
	}
	if sess.SubscriptionCount() >= g.cfg.MaxSubscriptions {
		g.sendError(sess, id, ErrCatQuotaExceeded)
		return
	}

	sessionID := sess.ID
	handle, err := g.bus.Subscribe(subject, func(msgSubject string, payload []byte) {
		s, ok := g.table.Get(sessionID)
		if !ok {
			return
		}
		// A delivery racing an unsubscribe lands here after the handle was
		// detached but before it is released; it is dropped.
		if !s.HasSubscription(subject) {
			return
		}
		if !s.Enqueue(encodeMessage(msgSubject, payload)) {
			g.disconnect(s, session.ReasonSlowConsumer)
			return
		}
		g.counters.Record(s.TenantID(), s.Principal.ID, msgSubject, counter.Out, len(payload))
	})
	if err != nil {
		g.sendError(sess, id, ErrCatBusUnavailable)
		return
	}

	if err := sess.AddSubscription(subject, handle); err != nil {
		handle.Unsubscribe()
		g.sendError(sess, id, ErrCatQuotaExceeded)
		return
	}
	g.sendAck(sess, id)
}

// unsubscribe releases the session's subscription for the subject. Acks
// whether or not the subscription existed.
func (g *Gateway) unsubscribe(sess *session.Session, id, subject string) {
	if handle, ok := sess.RemoveSubscription(subject); ok {
		if err := handle.Unsubscribe(); err != nil {
			g.logger.Warn().Err(err).
				Str("session_id", sess.ID).
				Str("subject", subject).
				Msg("Unsubscribe failed")
		}
	}
	g.sendAck(sess, id)
}
