package whatsapp

import (
	"context"
	"fmt"
	"io"
)

// Link connects m and draws every pairing code to out until the device is
// connected, the connection fails terminally, or ctx ends. Expired codes
// are replaced automatically by the reconnect policy.
func Link(ctx context.Context, m *Manager, out io.Writer) error {
	states := make(chan State, 16)
	m.OnStateChange(func(s State) {
		select {
		case states <- s:
		default:
		}
	})

	if err := m.Connect(ctx); err != nil {
		return err
	}

	// Already paired and connected before the handler saw anything
	if m.State().Status == StatusConnected {
		return nil
	}

	lastCode := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-states:
			switch s.Status {
			case StatusQRReady:
				if s.QRCode == lastCode {
					continue
				}
				lastCode = s.QRCode
				fmt.Fprintln(out, "Scan the QR code below with your WhatsApp app:")
				fmt.Fprintln(out, "  WhatsApp > Settings > Linked Devices > Link a Device")
				fmt.Fprintln(out)
				fmt.Fprintln(out, m.QRCodeTerminalText())
				fmt.Fprintln(out, "Waiting for scan...")
			case StatusConnected:
				return nil
			case StatusReconnecting:
				fmt.Fprintf(out, "Connection closed (%s), retrying...\n", s.LastError)
			case StatusDisconnected:
				if s.LastError != "" {
					return fmt.Errorf("pairing failed: %s", s.LastError)
				}
			}
		}
	}
}
