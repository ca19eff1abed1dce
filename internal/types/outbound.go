package types

// OutgoingMessage is a reply on its way back to the user.
type OutgoingMessage struct {
	To        string         `json:"to"`
	ChannelID string         `json:"channelId"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ReplyTo builds the outgoing message answering msg.
func ReplyTo(msg IncomingMessage, text string) OutgoingMessage {
	return OutgoingMessage{
		To:        msg.From,
		ChannelID: msg.ChannelID,
		Text:      text,
		Metadata:  map[string]any{"inReplyTo": msg.ID},
	}
}

// AgentResponse is the outcome of processing one inbound message.
// Response is empty when the agent produced no reply text.
type AgentResponse struct {
	Success  bool           `json:"success"`
	Response string         `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HasResponse reports whether there is reply text to deliver.
func (r AgentResponse) HasResponse() bool {
	return r.Response != ""
}
