// Package bus wraps the connection to the external subject-based message
// bus. One logical connection is shared by every session on the instance;
// subscription handles are per-session.
package bus

import "errors"

// ErrNotConnected is returned by Publish when no healthy bus connection
// exists after the connect-wait bound.
var ErrNotConnected = errors.New("bus: not connected")

// Handler is invoked once per message received on a matching subject.
// Handlers run on the bus dispatch path and must not block; hand work to
// the session's outbound queue instead.
type Handler func(subject string, payload []byte)

// SubHandle identifies one live subscription. Unsubscribe is idempotent
// and synchronous: no handler invocation starts after it returns.
type SubHandle interface {
	Unsubscribe() error
}

// Bus is the transport surface sessions publish and subscribe through.
type Bus interface {
	Publish(subject string, payload []byte) error
	Subscribe(pattern string, h Handler) (SubHandle, error)
}
