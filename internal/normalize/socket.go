package normalize

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// FromEvent converts a whatsmeow message event into an Envelope.
func FromEvent(evt *events.Message) *Envelope {
	if evt == nil {
		return nil
	}
	info := evt.Info

	env := &Envelope{
		ID:        info.ID,
		RemoteJID: info.Chat.String(),
		FromMe:    info.IsFromMe,
		PushName:  info.PushName,
		Provider:  ProviderSocket,
		Body:      BodyFromProto(evt.Message),
	}
	if info.Chat.IsEmpty() {
		env.RemoteJID = ""
	}
	if !info.Timestamp.IsZero() {
		env.Timestamp = info.Timestamp.Unix()
	}
	if info.IsGroup && !info.Sender.IsEmpty() {
		env.Participant = info.Sender.String()
	}
	return env
}

// BodyFromProto picks the content variants out of a WhatsApp message.
// Returns nil for protocol traffic (revokes, reactions, key distribution).
// Other unrecognised variants yield an empty Body and normalize to
// UnsupportedText.
func BodyFromProto(msg *waE2E.Message) *Body {
	if msg == nil {
		return nil
	}
	b := &Body{
		Conversation: msg.GetConversation(),
		ExtendedText: msg.GetExtendedTextMessage().GetText(),
	}

	switch {
	case msg.GetImageMessage() != nil:
		b.MediaKind, b.Caption = "imageMessage", msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		b.MediaKind, b.Caption = "videoMessage", msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		b.MediaKind, b.Caption = "documentMessage", msg.GetDocumentMessage().GetCaption()
	case msg.GetAudioMessage() != nil:
		b.MediaKind = "audioMessage"
	case msg.GetStickerMessage() != nil:
		b.MediaKind = "stickerMessage"
	case msg.GetLocationMessage() != nil:
		b.MediaKind = "locationMessage"
	case msg.GetContactMessage() != nil:
		b.MediaKind = "contactMessage"
	}

	if b.IsEmpty() && isProtocolOnly(msg) {
		return nil
	}
	return b
}

func isProtocolOnly(msg *waE2E.Message) bool {
	return msg.GetProtocolMessage() != nil ||
		msg.GetReactionMessage() != nil ||
		msg.GetSenderKeyDistributionMessage() != nil
}
