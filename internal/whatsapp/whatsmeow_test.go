package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/whatsmeow/types/events"
)

func TestConnectFailureReason(t *testing.T) {
	tests := []struct {
		code     events.ConnectFailureReason
		want     DisconnectReason
		terminal bool
	}{
		{events.ConnectFailureLoggedOut, ReasonLoggedOut, true},
		{events.ConnectFailureMainDeviceGone, ReasonLoggedOut, true},
		{events.ConnectFailureUnknownLogout, ReasonLoggedOut, true},
		{events.ConnectFailureTempBanned, ReasonForbidden, true},
		{events.ConnectFailureClientOutdated, ReasonMultideviceMismatch, true},
		{events.ConnectFailureCATInvalid, ReasonBadSession, true},
		{events.ConnectFailureInternalServerError, ReasonUnavailable, false},
		{events.ConnectFailureExperimental, ReasonUnavailable, false},
		{events.ConnectFailureServiceUnavailable, ReasonUnavailable, false},
		{events.ConnectFailureGeneric, ReasonConnectionLost, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			got := connectFailureReason(tt.code)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.terminal, got.Terminal())
		})
	}
}

func TestServerOutageReconnectsWithoutClearingCredentials(t *testing.T) {
	s := State{Status: StatusConnected}
	s, eff := Transition(s, EventClose{Reason: connectFailureReason(events.ConnectFailureServiceUnavailable)})

	assert.Equal(t, StatusReconnecting, s.Status)
	assert.False(t, s.NeedsCredentialsClear)
	assert.Equal(t, []Effect{EffectScheduleReconnect{Attempt: 1}}, eff)
}
