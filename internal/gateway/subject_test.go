package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
		wantErr bool
	}{
		{"plain token prefixed", "order.created", "tenant.t1.order.created", false},
		{"own prefix accepted as-is", "tenant.t1.order.created", "tenant.t1.order.created", false},
		{"foreign prefix re-prefixed", "tenant.t2.secret", "tenant.t1.tenant.t2.secret", false},
		{"wildcard star kept", "orders.*", "tenant.t1.orders.*", false},
		{"wildcard tail kept", "orders.>", "tenant.t1.orders.>", false},
		{"empty subject rejected", "", "", true},
		{"empty token rejected", "a..b", "", true},
		{"tail wildcard mid-subject rejected", "a.>.b", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeSubject("t1", tt.subject)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSubject)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeSubjectCannotEscapeNamespace(t *testing.T) {
	// Whatever the input, the result stays inside the session tenant's
	// namespace.
	inputs := []string{
		"tenant.t2.orders",
		"tenant.t2.>",
		"tenant",
		"tenant.t1x.orders",
	}
	for _, in := range inputs {
		got, err := NormalizeSubject("t1", in)
		require.NoError(t, err, in)
		assert.True(t, len(got) > len("tenant.t1.") && got[:len("tenant.t1.")] == "tenant.t1.", got)
	}
}

func TestChannelAndPreviewSubjects(t *testing.T) {
	assert.Equal(t, "tenant.t1.channel.ops", ChannelSubject("t1", "ops"))
	assert.Equal(t, "tenant.t1.>", PreviewSubject("t1"))
	assert.Equal(t, "_HEARTBEAT.tenant.t1.client.a1", HeartbeatTelemetrySubject("t1", "a1"))
}
