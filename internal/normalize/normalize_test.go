package normalize

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestChannelID(t *testing.T) {
	tests := map[string]string{
		"5491155551234@s.whatsapp.net": "5491155551234",
		"120363025246125486@g.us":      "120363025246125486",
		"1234567890@lid":               "1234567890",
		"5491155551234":                "5491155551234",
		"":                             "",
		"a@b@c":                        "a",
	}
	for in, want := range tests {
		assert.Equal(t, want, ChannelID(in), in)
	}
}

func TestExtractText_Priority(t *testing.T) {
	tests := []struct {
		name     string
		body     *Body
		wantText string
		wantKind string
	}{
		{"nil", nil, UnsupportedText, KindUnknown},
		{"empty", &Body{}, UnsupportedText, KindUnknown},
		{"conversation wins", &Body{Conversation: "hi", ExtendedText: "ext", MediaKind: "imageMessage", Caption: "cap"}, "hi", KindConversation},
		{"extended", &Body{ExtendedText: "ext", MediaKind: "imageMessage", Caption: "cap"}, "ext", KindExtendedText},
		{"caption", &Body{MediaKind: "imageMessage", Caption: "cap"}, "cap", "imageMessage"},
		{"placeholder", &Body{MediaKind: "audioMessage"}, "[audioMessage]", "audioMessage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, kind := ExtractText(tt.body)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func dm(id, text string) *Envelope {
	return &Envelope{ID: id, RemoteJID: "5491155551234@s.whatsapp.net", Body: &Body{Conversation: text}}
}

func TestAccept(t *testing.T) {
	tests := []struct {
		name   string
		env    *Envelope
		filter Filter
		reason string
	}{
		{"ok", dm("1", "hi"), Filter{}, ""},
		{"nil", nil, Filter{}, RejectNoAddress},
		{"no address", &Envelope{ID: "1", Body: &Body{Conversation: "x"}}, Filter{}, RejectNoAddress},
		{"no id", &Envelope{RemoteJID: "1@s.whatsapp.net", Body: &Body{Conversation: "x"}}, Filter{}, RejectNoID},
		{"no body", &Envelope{ID: "1", RemoteJID: "1@s.whatsapp.net"}, Filter{}, RejectNoContent},
		{"from me", &Envelope{ID: "1", RemoteJID: "1@s.whatsapp.net", FromMe: true, Body: &Body{Conversation: "x"}}, Filter{}, RejectFromMe},
		{"group ignored", &Envelope{ID: "1", RemoteJID: "123@g.us", Body: &Body{Conversation: "x"}}, Filter{IgnoreGroups: true}, RejectGroup},
		{"status ignored", &Envelope{ID: "1", RemoteJID: "status@broadcast", Body: &Body{Conversation: "x"}}, Filter{IgnoreBroadcast: true}, RejectBroadcast},
		{"denylisted channel", dm("1", "hi"), Filter{Denylist: []string{"5491155551234"}}, RejectDenylist},
		{"denylisted address", dm("1", "hi"), Filter{Denylist: []string{"5491155551234@s.whatsapp.net"}}, RejectDenylist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := Accept(tt.env, tt.filter)
			assert.Equal(t, tt.reason == "", ok)
			assert.Equal(t, tt.reason, reason)
		})
	}

	t.Run("from me allowed", func(t *testing.T) {
		env := dm("1", "hi")
		env.FromMe = true
		ok, _ := Accept(env, Filter{AllowFromMe: true})
		assert.True(t, ok)
	})
	t.Run("group allowed by default", func(t *testing.T) {
		ok, _ := Accept(&Envelope{ID: "1", RemoteJID: "123@g.us", Body: &Body{Conversation: "x"}}, Filter{})
		assert.True(t, ok)
	})
}

func TestNormalize(t *testing.T) {
	now := time.Unix(1700000100, 0)
	env := &Envelope{
		ID:          "ABC",
		RemoteJID:   "120363025246125486@g.us",
		Participant: "5491155551234@s.whatsapp.net",
		Timestamp:   1700000000,
		PushName:    "Ana",
		Provider:    ProviderEvolution,
		Body:        &Body{ExtendedText: "Hello"},
	}

	msg := Normalize(env, now)
	assert.Equal(t, "ABC", msg.ID)
	assert.Equal(t, "120363025246125486@g.us", msg.From)
	assert.Equal(t, "120363025246125486", msg.ChannelID)
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, time.Unix(1700000000, 0), msg.Timestamp)
	assert.Equal(t, KindExtendedText, msg.Metadata["messageType"])
	assert.Equal(t, true, msg.Metadata["isGroup"])
	assert.Equal(t, "Ana", msg.Meta("pushName"))
	assert.Equal(t, "5491155551234@s.whatsapp.net", msg.Meta("participant"))
	assert.Equal(t, ProviderEvolution, msg.Meta("provider"))
}

func TestNormalize_Deterministic(t *testing.T) {
	env := dm("XYZ", "Hello")
	env.Timestamp = 1700000000

	a := Normalize(env, time.Now())
	b := Normalize(env, time.Now().Add(time.Hour))
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.ChannelID, b.ChannelID)
	assert.Equal(t, a.Text, b.Text)
	assert.Equal(t, a.Metadata["messageType"], b.Metadata["messageType"])
	assert.Equal(t, a.Timestamp, b.Timestamp)
}

func TestNormalize_SynthesizesIDAndTimestamp(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	msg := Normalize(&Envelope{RemoteJID: "1@s.whatsapp.net", Body: &Body{Conversation: "x"}}, now)

	assert.Regexp(t, regexp.MustCompile(`^msg_1700000000123_[0-9a-f]{8}$`), msg.ID)
	assert.Equal(t, now, msg.Timestamp)
	assert.Equal(t, ProviderSocket, msg.Meta("provider"))
}

func TestBatch_PreservesOrderAndDropsRejects(t *testing.T) {
	envs := []*Envelope{
		dm("1", "first"),
		{ID: "2", RemoteJID: "1@s.whatsapp.net", FromMe: true, Body: &Body{Conversation: "mine"}},
		nil,
		dm("3", "third"),
		{ID: "4", RemoteJID: "1@s.whatsapp.net"},
		dm("5", "fifth"),
	}

	out := Batch(envs, Filter{})
	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].Text)
	assert.Equal(t, "third", out[1].Text)
	assert.Equal(t, "fifth", out[2].Text)
}

func TestFromEvent(t *testing.T) {
	chat := types.NewJID("120363025246125486", types.GroupServer)
	sender := types.NewJID("5491155551234", types.DefaultUserServer)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: sender, IsGroup: true},
			ID:            "3EB0ABC",
			PushName:      "Ana",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")},
		},
	}

	env := FromEvent(evt)
	require.NotNil(t, env)
	assert.Equal(t, "3EB0ABC", env.ID)
	assert.Equal(t, "120363025246125486@g.us", env.RemoteJID)
	assert.Equal(t, "5491155551234@s.whatsapp.net", env.Participant)
	assert.Equal(t, int64(1700000000), env.Timestamp)

	msg := Normalize(env, time.Now())
	assert.Equal(t, "look", msg.Text)
	assert.Equal(t, "imageMessage", msg.Meta("messageType"))
	assert.Equal(t, "120363025246125486", msg.ChannelID)
}

func TestBodyFromProto(t *testing.T) {
	assert.Nil(t, BodyFromProto(nil))

	b := BodyFromProto(&waE2E.Message{Conversation: proto.String("hi")})
	require.NotNil(t, b)
	assert.Equal(t, "hi", b.Conversation)

	b = BodyFromProto(&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("ext")}})
	text, _ := ExtractText(b)
	assert.Equal(t, "ext", text)

	b = BodyFromProto(&waE2E.Message{AudioMessage: &waE2E.AudioMessage{}})
	text, kind := ExtractText(b)
	assert.Equal(t, "[audioMessage]", text)
	assert.Equal(t, "audioMessage", kind)

	assert.Nil(t, BodyFromProto(&waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{}}))

	// unknown variant still counts as content
	b = BodyFromProto(&waE2E.Message{PollCreationMessage: &waE2E.PollCreationMessage{}})
	require.NotNil(t, b)
	text, kind = ExtractText(b)
	assert.Equal(t, UnsupportedText, text)
	assert.Equal(t, KindUnknown, kind)
}
