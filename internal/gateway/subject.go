package gateway

import (
	"errors"
	"strings"

	"github.com/relaymesh/relay/internal/bus"
)

// ErrInvalidSubject rejects malformed or namespace-escaping subjects.
var ErrInvalidSubject = errors.New("gateway: invalid subject")

// TenantPrefix is the bus namespace every subject of a tenant lives under.
func TenantPrefix(tenantID string) string {
	return "tenant." + tenantID + "."
}

// NormalizeSubject rewrites client input into the tenant's namespace.
// Input already carrying the tenant's own prefix is accepted as-is; all
// other input is prefixed. The result always starts with the session
// tenant's prefix, so no input can address another tenant's namespace.
func NormalizeSubject(tenantID, subject string) (string, error) {
	if !bus.ValidSubject(subject) {
		return "", ErrInvalidSubject
	}

	prefix := TenantPrefix(tenantID)
	if strings.HasPrefix(subject, prefix) {
		return subject, nil
	}
	return prefix + subject, nil
}

// ChannelSubject is the bus subject a named channel maps to.
func ChannelSubject(tenantID, channelID string) string {
	return TenantPrefix(tenantID) + "channel." + channelID
}

// PreviewSubject is the rest-of-namespace wildcard dashboards monitor.
func PreviewSubject(tenantID string) string {
	return TenantPrefix(tenantID) + ">"
}

// HeartbeatTelemetrySubject carries optional client heartbeat telemetry.
// It sits outside the tenant prefix so preview subscriptions never see it.
func HeartbeatTelemetrySubject(tenantID, principalID string) string {
	return "_HEARTBEAT.tenant." + tenantID + ".client." + principalID
}
