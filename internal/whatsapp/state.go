package whatsapp

import "time"

// Status is the connection lifecycle status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// DisconnectReason classifies why the socket closed.
type DisconnectReason string

const (
	ReasonConnectionClosed    DisconnectReason = "connection_closed"
	ReasonConnectionLost      DisconnectReason = "connection_lost"
	ReasonTimedOut            DisconnectReason = "timed_out"
	ReasonConnectionReplaced  DisconnectReason = "connection_replaced"
	ReasonLoggedOut           DisconnectReason = "logged_out"
	ReasonBadSession          DisconnectReason = "bad_session"
	ReasonForbidden           DisconnectReason = "forbidden"
	ReasonMultideviceMismatch DisconnectReason = "multidevice_mismatch"
	ReasonRestartRequired     DisconnectReason = "restart_required"
	ReasonUnavailable         DisconnectReason = "unavailable"
	ReasonUnknown             DisconnectReason = "unknown"
)

var reasonCodes = map[DisconnectReason]int{
	ReasonConnectionClosed:    428,
	ReasonConnectionLost:      408,
	ReasonTimedOut:            408,
	ReasonConnectionReplaced:  440,
	ReasonLoggedOut:           401,
	ReasonBadSession:          500,
	ReasonForbidden:           403,
	ReasonMultideviceMismatch: 411,
	ReasonRestartRequired:     515,
	ReasonUnavailable:         503,
}

// Code returns the numeric status code WhatsApp clients use for the reason.
// Unknown reasons are 0.
func (r DisconnectReason) Code() int {
	return reasonCodes[r]
}

// Terminal reasons mean the stored credentials are no longer usable.
func (r DisconnectReason) Terminal() bool {
	switch r {
	case ReasonLoggedOut, ReasonBadSession, ReasonForbidden, ReasonMultideviceMismatch:
		return true
	}
	return false
}

// State is a snapshot of the connection. Only the Manager mutates it, and
// only through Transition.
type State struct {
	Status                    Status            `json:"status"`
	QRCode                    string            `json:"qrCode,omitempty"`
	LastError                 string            `json:"lastError,omitempty"`
	LastDisconnectReason      *DisconnectReason `json:"lastDisconnectReason,omitempty"`
	LastDisconnectDescription string            `json:"lastDisconnectDescription,omitempty"`
	ReconnectAttempt          int               `json:"reconnectAttempt"`
	NeedsCredentialsClear     bool              `json:"needsCredentialsClear"`
}

// Event is an input to Transition.
type Event interface {
	isEvent()
}

// EventConnecting: a socket is being opened.
type EventConnecting struct{}

// EventQR: the socket produced a pairing code.
type EventQR struct {
	Code string
}

// EventOpen: the socket is authenticated and ready.
type EventOpen struct{}

// EventClose: the socket closed.
type EventClose struct {
	Reason      DisconnectReason
	Description string
}

// EventReset: manual disconnect. CredentialsCleared is set when the stored
// session was deleted as part of it.
type EventReset struct {
	CredentialsCleared bool
}

// EventCredentialsCleared: the stored session was deleted.
type EventCredentialsCleared struct{}

func (EventConnecting) isEvent() {}
func (EventCredentialsCleared) isEvent() {}
func (EventQR) isEvent() {}
func (EventOpen) isEvent() {}
func (EventClose) isEvent() {}
func (EventReset) isEvent() {}

// Effect is a side effect requested by Transition and carried out by the Manager.
type Effect interface {
	isEffect()
}

// EffectScheduleReconnect asks for a deferred connect.
type EffectScheduleReconnect struct {
	Attempt int
}

func (EffectScheduleReconnect) isEffect() {}

// Transition is the pure state machine. It never touches the socket.
func Transition(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case EventConnecting:
		s.Status = StatusConnecting
		s.QRCode = ""
		return s, nil

	case EventQR:
		s.Status = StatusQRReady
		s.QRCode = e.Code
		return s, nil

	case EventOpen:
		s.Status = StatusConnected
		s.QRCode = ""
		s.LastError = ""
		s.ReconnectAttempt = 0
		s.NeedsCredentialsClear = false
		return s, nil

	case EventClose:
		reason := e.Reason
		if reason == "" {
			reason = ReasonUnknown
		}
		s.QRCode = ""
		s.LastDisconnectReason = &reason
		s.LastDisconnectDescription = e.Description
		s.LastError = e.Description
		if s.LastError == "" {
			s.LastError = string(reason)
		}

		switch {
		case reason.Terminal():
			s.Status = StatusDisconnected
			s.NeedsCredentialsClear = true
			return s, nil
		case reason == ReasonConnectionReplaced:
			s.Status = StatusDisconnected
			return s, nil
		}

		s.Status = StatusReconnecting
		s.ReconnectAttempt++
		return s, []Effect{EffectScheduleReconnect{Attempt: s.ReconnectAttempt}}

	case EventCredentialsCleared:
		s.NeedsCredentialsClear = false
		return s, nil

	case EventReset:
		s.Status = StatusDisconnected
		s.QRCode = ""
		s.ReconnectAttempt = 0
		if e.CredentialsCleared {
			s.NeedsCredentialsClear = false
		}
		return s, nil
	}
	return s, nil
}

// Backoff returns base * 2^(attempt-1), capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}
