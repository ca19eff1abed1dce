package whatsapp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mdp/qrterminal/v3"
	"rsc.io/qr"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// NoQRCode is returned by the string renderers when there is nothing to show.
const NoQRCode = "none"

// ErrNoQRCode is returned by QRCodePNG when no pairing code is pending.
var ErrNoQRCode = errors.New("no QR code available")

// HasQRCode reports whether a pairing code is pending.
func (m *Manager) HasQRCode() bool {
	return m.State().QRCode != ""
}

// QRCodePNG renders the pending pairing code as a PNG.
func (m *Manager) QRCodePNG() ([]byte, error) {
	code := m.State().QRCode
	if code == "" {
		return nil, ErrNoQRCode
	}
	return RenderPNG(code)
}

// QRCodeImage returns the pairing code as a PNG data URL, or "none".
// Render failures are logged, never returned.
func (m *Manager) QRCodeImage() string {
	png, err := m.QRCodePNG()
	if err != nil {
		if !errors.Is(err, ErrNoQRCode) {
			L_warn("whatsapp: QR image render failed", "error", err)
		}
		return NoQRCode
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// QRCodeTerminalText returns the pairing code drawn with half blocks for a
// terminal, or "none".
func (m *Manager) QRCodeTerminalText() string {
	code := m.State().QRCode
	if code == "" {
		return NoQRCode
	}
	text, err := RenderTerminal(code)
	if err != nil {
		L_warn("whatsapp: QR terminal render failed", "error", err)
		return NoQRCode
	}
	return text
}

// RenderPNG encodes text as a QR code PNG.
func RenderPNG(text string) (png []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("qr encode panicked: %v", r)
		}
	}()
	code, err := qr.Encode(text, qr.L)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}
	code.Scale = 8
	return code.PNG(), nil
}

// RenderTerminal draws text as a QR code using half-block characters.
func RenderTerminal(text string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("qr terminal render panicked: %v", r)
		}
	}()
	var buf bytes.Buffer
	qrterminal.GenerateHalfBlock(text, qrterminal.L, &buf)
	if buf.Len() == 0 {
		return "", errors.New("qr terminal render produced no output")
	}
	return buf.String(), nil
}
