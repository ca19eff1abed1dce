// Package types contains the canonical model shared by the adapters,
// the router, the agent client and the gateway.
package types

import "time"

// IncomingMessage is the provider-agnostic form of an inbound user message.
// Every adapter (whatsmeow socket, Evolution webhook, Cloud API webhook)
// produces this shape.
type IncomingMessage struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`      // Raw sender address (reply target), e.g. 5491155551234@s.whatsapp.net
	ChannelID string         `json:"channelId"` // Routing key, derived from From only
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Meta returns a metadata value as a string, or "" when absent.
func (m *IncomingMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if s, ok := m.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// WithMeta sets a metadata value.
func (m *IncomingMessage) WithMeta(key string, value any) *IncomingMessage {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}
