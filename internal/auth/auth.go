// Package auth holds the two authentication flows: bearer-token validation
// for dashboard users and the signed-challenge handshake for agents.
package auth

import (
	"errors"

	"github.com/relaymesh/relay/internal/registry"
)

// ErrAuthRejected covers every authentication failure. Callers close the
// session with an auth failure code and never retry; the detail stays in
// the logs.
var ErrAuthRejected = errors.New("auth: rejected")

// Principal is an authenticated identity. TenantID is fixed at creation;
// a connection's tenant is its principal's tenant.
type Principal struct {
	ID       string
	TenantID string
	Role     registry.Role
}
