package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

// Payload is a decoded webhook body. Implemented by *EvolutionPayload and
// *CloudPayload.
type Payload interface {
	Provider() string
	// Envelopes returns the message envelopes carried by the payload.
	// Non-message events return none.
	Envelopes() []*Envelope
}

// DecodeWebhook parses body for the named provider. An empty provider means
// Evolution, the default webhook.
func DecodeWebhook(provider string, body []byte) (Payload, error) {
	switch strings.ToLower(provider) {
	case "", ProviderEvolution:
		var p EvolutionPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode evolution webhook: %w", err)
		}
		return &p, nil
	case ProviderCloud:
		var p CloudPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode cloud webhook: %w", err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown webhook provider %q", provider)
	}
}

// Messages filters and normalizes every envelope in p, in payload order.
func Messages(p Payload, f Filter) []*types.IncomingMessage {
	if p == nil {
		return nil
	}
	envs := p.Envelopes()
	out := Batch(envs, f)
	if dropped := len(envs) - len(out); dropped > 0 {
		L_debug("normalize: webhook envelopes filtered", "provider", p.Provider(), "dropped", dropped)
	}
	return out
}

// ---------------------------------------------------------------------------
// Evolution API

// EvolutionPayload is the Evolution API webhook body.
type EvolutionPayload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type evolutionKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant"`
}

type evolutionMessage struct {
	Key              evolutionKey               `json:"key"`
	PushName         string                     `json:"pushName"`
	Message          map[string]json.RawMessage `json:"message"`
	MessageType      string                     `json:"messageType"`
	MessageTimestamp epochSeconds               `json:"messageTimestamp"`
}

func (p *EvolutionPayload) Provider() string { return ProviderEvolution }

// IsMessageUpsert reports whether the event carries new messages.
// Evolution sends both "messages.upsert" and "MESSAGES_UPSERT".
func (p *EvolutionPayload) IsMessageUpsert() bool {
	return strings.ReplaceAll(strings.ToLower(p.Event), "_", ".") == "messages.upsert"
}

func (p *EvolutionPayload) Envelopes() []*Envelope {
	if !p.IsMessageUpsert() {
		L_debug("normalize: ignoring evolution event", "event", p.Event, "instance", p.Instance)
		return nil
	}

	var msgs []evolutionMessage
	data := bytes.TrimSpace(p.Data)
	switch {
	case len(data) == 0:
	case data[0] == '[':
		if err := json.Unmarshal(data, &msgs); err != nil {
			L_debug("normalize: bad evolution data array", "error", err)
			return nil
		}
	default:
		// Single message, or {"messages": [...]} from older versions
		var wrapped struct {
			Messages []evolutionMessage `json:"messages"`
		}
		if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Messages) > 0 {
			msgs = wrapped.Messages
			break
		}
		var one evolutionMessage
		if err := json.Unmarshal(data, &one); err != nil {
			L_debug("normalize: bad evolution data", "error", err)
			return nil
		}
		msgs = []evolutionMessage{one}
	}

	envs := make([]*Envelope, 0, len(msgs))
	for _, m := range msgs {
		envs = append(envs, &Envelope{
			ID:          m.Key.ID,
			RemoteJID:   m.Key.RemoteJID,
			Participant: m.Key.Participant,
			FromMe:      m.Key.FromMe,
			Timestamp:   int64(m.MessageTimestamp),
			PushName:    m.PushName,
			Provider:    ProviderEvolution,
			Body:        evolutionBody(m.Message),
		})
	}
	return envs
}

// Media variants that carry a caption, checked in this order.
var captionedKinds = []string{"imageMessage", "videoMessage", "documentMessage", "documentWithCaptionMessage"}

var protocolKinds = map[string]bool{
	"protocolMessage":              true,
	"reactionMessage":              true,
	"senderKeyDistributionMessage": true,
}

func evolutionBody(m map[string]json.RawMessage) *Body {
	if len(m) == 0 {
		return nil
	}
	b := &Body{}

	if raw, ok := m["conversation"]; ok {
		_ = json.Unmarshal(raw, &b.Conversation)
	}
	if raw, ok := m["extendedTextMessage"]; ok {
		var ext struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &ext) == nil {
			b.ExtendedText = ext.Text
		}
	}

	for _, kind := range captionedKinds {
		raw, ok := m[kind]
		if !ok {
			continue
		}
		var media struct {
			Caption string `json:"caption"`
		}
		_ = json.Unmarshal(raw, &media)
		b.MediaKind, b.Caption = kind, media.Caption
		break
	}

	if b.MediaKind == "" {
		// Any other variant: deterministic pick of the first *Message key
		var kinds []string
		for k := range m {
			if strings.HasSuffix(k, "Message") && k != "extendedTextMessage" && !protocolKinds[k] {
				kinds = append(kinds, k)
			}
		}
		sort.Strings(kinds)
		if len(kinds) > 0 {
			b.MediaKind = kinds[0]
		}
	}

	if b.IsEmpty() {
		for k := range m {
			if protocolKinds[k] {
				return nil
			}
		}
	}
	return b
}

// ---------------------------------------------------------------------------
// WhatsApp Cloud API

// CloudPayload is the Meta WhatsApp Cloud API webhook body.
type CloudPayload struct {
	Object string       `json:"object"`
	Entry  []cloudEntry `json:"entry"`
}

type cloudEntry struct {
	ID      string        `json:"id"`
	Changes []cloudChange `json:"changes"`
}

type cloudChange struct {
	Field string     `json:"field"`
	Value cloudValue `json:"value"`
}

type cloudValue struct {
	MessagingProduct string          `json:"messaging_product"`
	Contacts         []cloudContact  `json:"contacts"`
	Messages         []cloudMessage  `json:"messages"`
	Statuses         json.RawMessage `json:"statuses"`
}

type cloudContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type cloudCaption struct {
	Caption string `json:"caption"`
}

type cloudMessage struct {
	From      string       `json:"from"`
	ID        string       `json:"id"`
	Timestamp epochSeconds `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image       *cloudCaption `json:"image,omitempty"`
	Video       *cloudCaption `json:"video,omitempty"`
	Document    *cloudCaption `json:"document,omitempty"`
	Button      *struct {
		Text string `json:"text"`
	} `json:"button,omitempty"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
}

func (p *CloudPayload) Provider() string { return ProviderCloud }

func (p *CloudPayload) Envelopes() []*Envelope {
	var envs []*Envelope
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				L_debug("normalize: ignoring cloud change", "field", change.Field)
				continue
			}
			if len(change.Value.Messages) == 0 {
				L_debug("normalize: cloud change without messages (status update)")
				continue
			}

			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range change.Value.Messages {
				env := &Envelope{
					ID:        m.ID,
					Timestamp: int64(m.Timestamp),
					PushName:  names[m.From],
					Provider:  ProviderCloud,
					Body:      cloudBody(&m),
				}
				if m.From != "" {
					env.RemoteJID = m.From + "@" + ServerUser
				}
				envs = append(envs, env)
			}
		}
	}
	return envs
}

func cloudBody(m *cloudMessage) *Body {
	b := &Body{}
	switch m.Type {
	case "text":
		if m.Text != nil {
			b.Conversation = m.Text.Body
		}
	case "button":
		if m.Button != nil {
			b.Conversation = m.Button.Text
		}
	case "interactive":
		if in := m.Interactive; in != nil {
			switch {
			case in.ButtonReply != nil:
				b.Conversation = in.ButtonReply.Title
			case in.ListReply != nil:
				b.Conversation = in.ListReply.Title
			}
		}
	case "image":
		b.MediaKind = "imageMessage"
		if m.Image != nil {
			b.Caption = m.Image.Caption
		}
	case "video":
		b.MediaKind = "videoMessage"
		if m.Video != nil {
			b.Caption = m.Video.Caption
		}
	case "document":
		b.MediaKind = "documentMessage"
		if m.Document != nil {
			b.Caption = m.Document.Caption
		}
	case "":
		return nil
	default:
		// audio, sticker, location, contacts, ...
		b.MediaKind = m.Type + "Message"
	}
	return b
}

// ---------------------------------------------------------------------------

// epochSeconds accepts a number, a numeric string, or a protobuf Long
// object ({"low": n, "high": n}).
type epochSeconds int64

func (e *epochSeconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*e = 0
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			*e = 0
			return nil
		}
		*e = epochSeconds(n)
	case '{':
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal(data, &long); err != nil {
			return err
		}
		*e = epochSeconds(long.High<<32 | (long.Low & 0xffffffff))
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*e = epochSeconds(f)
	}

	// Millisecond timestamps show up from some providers
	if *e > 1e12 {
		*e = epochSeconds(time.UnixMilli(int64(*e)).Unix())
	}
	return nil
}
