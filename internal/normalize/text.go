// Package normalize turns provider payloads (whatsmeow socket events,
// Evolution API and Cloud API webhooks) into types.IncomingMessage.
package normalize

import (
	"strings"
)

// UnsupportedText is the text of a message with no usable content.
const UnsupportedText = "[media or unsupported message type]"

// Message type tags
const (
	KindConversation = "conversation"
	KindExtendedText = "extendedTextMessage"
	KindUnknown      = "unknown"
)

// Body is the provider-neutral content of a message.
// MediaKind uses the WhatsApp message-variant name ("imageMessage", ...).
type Body struct {
	Conversation string
	ExtendedText string
	MediaKind    string
	Caption      string
}

// ExtractText returns the message text and the type tag of the variant it
// came from. Priority: conversation, extended text, media caption, media
// placeholder, then UnsupportedText with kind "unknown".
func ExtractText(b *Body) (string, string) {
	if b == nil {
		return UnsupportedText, KindUnknown
	}
	switch {
	case b.Conversation != "":
		return b.Conversation, KindConversation
	case b.ExtendedText != "":
		return b.ExtendedText, KindExtendedText
	case b.MediaKind != "" && b.Caption != "":
		return b.Caption, b.MediaKind
	case b.MediaKind != "":
		return "[" + b.MediaKind + "]", b.MediaKind
	}
	return UnsupportedText, KindUnknown
}

// IsEmpty reports whether the body carries no content variant at all.
func (b *Body) IsEmpty() bool {
	return b == nil || (b.Conversation == "" && b.ExtendedText == "" && b.MediaKind == "")
}

// ChannelID derives the routing key from a sender or chat address: the part
// before the first '@', or the whole address when there is none. The same
// rule applies to users, groups and LIDs.
func ChannelID(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// Address servers
const (
	ServerUser       = "s.whatsapp.net"
	ServerGroup      = "g.us"
	ServerBroadcast  = "broadcast"
	ServerNewsletter = "newsletter"
	StatusBroadcast  = "status@broadcast"
)

// server returns the part after '@', lowercased.
func server(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

// IsGroup reports whether addr is a group chat.
func IsGroup(addr string) bool {
	return server(addr) == ServerGroup
}

// IsBroadcast reports whether addr is a broadcast list, status or newsletter.
func IsBroadcast(addr string) bool {
	s := server(addr)
	return s == ServerBroadcast || s == ServerNewsletter || addr == StatusBroadcast
}
