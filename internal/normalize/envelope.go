package normalize

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/wabridge/internal/types"
)

// Provider tags
const (
	ProviderSocket    = "whatsapp"
	ProviderEvolution = "evolution"
	ProviderCloud     = "cloud"
)

// Envelope is the raw-ish shape every provider is first decoded into.
// RemoteJID is the chat address (user or group); Participant is the
// author inside a group.
type Envelope struct {
	ID          string
	RemoteJID   string
	Participant string
	FromMe      bool
	Timestamp   int64 // epoch seconds, 0 = unknown
	PushName    string
	Provider    string
	Body        *Body
}

// Filter decides which envelopes become messages.
type Filter struct {
	AllowFromMe     bool
	IgnoreGroups    bool
	IgnoreBroadcast bool
	Denylist        []string // raw addresses or channel ids
}

// Rejection reasons returned by Accept
const (
	RejectNoAddress = "missing address"
	RejectNoID      = "missing id"
	RejectNoContent = "missing content"
	RejectFromMe    = "self-originated"
	RejectGroup     = "group message"
	RejectBroadcast = "broadcast or status"
	RejectDenylist  = "denylisted"
)

// Accept applies f to env. When the envelope is rejected the reason is
// returned for diagnostics.
func Accept(env *Envelope, f Filter) (bool, string) {
	switch {
	case env == nil || env.RemoteJID == "":
		return false, RejectNoAddress
	case env.ID == "":
		return false, RejectNoID
	case env.Body == nil:
		return false, RejectNoContent
	case env.FromMe && !f.AllowFromMe:
		return false, RejectFromMe
	case f.IgnoreGroups && IsGroup(env.RemoteJID):
		return false, RejectGroup
	case f.IgnoreBroadcast && IsBroadcast(env.RemoteJID):
		return false, RejectBroadcast
	}

	channel := ChannelID(env.RemoteJID)
	for _, d := range f.Denylist {
		if d == env.RemoteJID || d == channel || (env.Participant != "" && d == ChannelID(env.Participant)) {
			return false, RejectDenylist
		}
	}
	return true, ""
}

// Normalize converts env into the canonical message. now is used when the
// envelope has no timestamp or id.
func Normalize(env *Envelope, now time.Time) *types.IncomingMessage {
	text, kind := ExtractText(env.Body)

	id := env.ID
	if id == "" {
		id = SyntheticID(now)
	}

	ts := now
	if env.Timestamp > 0 {
		ts = time.Unix(env.Timestamp, 0)
	}

	provider := env.Provider
	if provider == "" {
		provider = ProviderSocket
	}

	meta := map[string]any{
		"messageType": kind,
		"isGroup":     IsGroup(env.RemoteJID),
		"fromMe":      env.FromMe,
		"provider":    provider,
	}
	if env.PushName != "" {
		meta["pushName"] = env.PushName
	}
	if env.Participant != "" {
		meta["participant"] = env.Participant
	}

	return &types.IncomingMessage{
		ID:        id,
		From:      env.RemoteJID,
		ChannelID: ChannelID(env.RemoteJID),
		Text:      text,
		Timestamp: ts,
		Metadata:  meta,
	}
}

// SyntheticID builds an id for messages the provider did not identify:
// msg_<unix millis>_<8 hex chars>.
func SyntheticID(now time.Time) string {
	return fmt.Sprintf("msg_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Batch normalizes every accepted envelope, preserving order. Rejected
// envelopes are dropped.
func Batch(envs []*Envelope, f Filter) []*types.IncomingMessage {
	now := time.Now()
	out := make([]*types.IncomingMessage, 0, len(envs))
	for _, env := range envs {
		if ok, _ := Accept(env, f); !ok {
			continue
		}
		out = append(out, Normalize(env, now))
	}
	return out
}
