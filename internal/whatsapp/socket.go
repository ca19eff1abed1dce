package whatsapp

import (
	"context"

	"github.com/roelfdiedericks/wabridge/internal/normalize"
)

// Handlers receive everything a socket reports. Both are called from the
// socket's event goroutine, one at a time.
type Handlers struct {
	OnEvent   func(Event)
	OnMessage func(*normalize.Envelope)
}

// Socket is one live connection.
type Socket interface {
	SendText(ctx context.Context, to, text string) error
	Close()
}

// Dialer opens sockets and owns the persisted credentials.
type Dialer interface {
	// Dial opens a new socket. A pairing code, open and close are reported
	// through h.OnEvent; Dial returning nil does not mean connected.
	Dial(ctx context.Context, h Handlers) (Socket, error)
	ClearCredentials(ctx context.Context) error
}
