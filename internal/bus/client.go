package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relay/internal/metrics"
)

const (
	// Reconnect backoff bounds. The wait doubles per attempt from the
	// floor up to the cap.
	reconnectFloor = 100 * time.Millisecond
	reconnectCap   = 30 * time.Second

	// How long Publish waits for a healthy connection before failing
	// with ErrNotConnected.
	publishWait = 5 * time.Second
)

// Client is the NATS-backed Bus implementation. Connect is idempotent and
// the underlying connection reconnects forever with exponential backoff;
// live subscriptions are re-established by the library on reconnect.
type Client struct {
	url    string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *nats.Conn
}

func NewClient(url string, logger zerolog.Logger) *Client {
	return &Client{
		url:    url,
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Connect establishes the logical connection. Safe to call more than once;
// subsequent calls are no-ops while the connection is live.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	opts := []nats.Option{
		nats.Name("relayd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			d := reconnectFloor << uint(attempts)
			if d <= 0 || d > reconnectCap {
				return reconnectCap
			}
			return d
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Warn().Err(err).Msg("Disconnected from bus")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BusReconnects.Inc()
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to bus")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.logger.Error().Err(err).Msg("Bus async error")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.logger.Info().Msg("Bus connection closed")
		}),
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		return fmt.Errorf("bus connect %s: %w", c.url, err)
	}

	c.conn = conn
	c.logger.Info().Str("url", c.url).Msg("Connected to bus")
	return nil
}

// Publish delivers payload to the bus, best effort. If the connection is
// unhealthy it waits up to 5 s for a reconnect, then fails with
// ErrNotConnected. Payload is opaque bytes; serialization is the caller's
// job.
func (c *Client) Publish(subject string, payload []byte) error {
	conn := c.current()
	if conn == nil {
		metrics.BusPublishErrors.Inc()
		return ErrNotConnected
	}

	if !conn.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), publishWait)
		defer cancel()
		if err := c.waitConnected(ctx, conn); err != nil {
			metrics.BusPublishErrors.Inc()
			return ErrNotConnected
		}
	}

	if err := conn.Publish(subject, payload); err != nil {
		metrics.BusPublishErrors.Inc()
		return ErrNotConnected
	}
	return nil
}

// Subscribe registers a handler for subjects matching pattern. Wildcards
// follow bus semantics: "*" matches one token, ">" the rest of the path.
func (c *Client) Subscribe(pattern string, h Handler) (SubHandle, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	sub, err := conn.Subscribe(pattern, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus subscribe %s: %w", pattern, err)
	}

	metrics.BusSubscriptionsActive.Inc()
	return &natsHandle{sub: sub}, nil
}

// Close drains the connection. Live handles become inert.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
}

// IsConnected reports transport health, used by startup checks and the
// admin health endpoint.
func (c *Client) IsConnected() bool {
	conn := c.current()
	return conn != nil && conn.IsConnected()
}

func (c *Client) current() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) waitConnected(ctx context.Context, conn *nats.Conn) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if conn.IsConnected() {
				return nil
			}
		}
	}
}

type natsHandle struct {
	sub  *nats.Subscription
	once sync.Once
}

func (h *natsHandle) Unsubscribe() error {
	var err error
	h.once.Do(func() {
		err = h.sub.Unsubscribe()
		metrics.BusSubscriptionsActive.Dec()
	})
	return err
}
