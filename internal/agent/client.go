// Package agent calls HTTP agent backends using the ADK-style /run protocol.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

const (
	DefaultTimeout = 30 * time.Second
	bodySnippetLen = 500
	maxResponse    = 8 << 20
)

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client // optional, for tests and custom transports
}

// Client calls agents. It holds no per-call state and is safe for
// concurrent use.
type Client struct {
	timeout time.Duration
	http    *http.Client
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{timeout: opts.Timeout, http: hc}
}

// Reply is the agent answer. Text is empty when the agent chose not to reply.
type Reply struct {
	Text     string
	Metadata map[string]any
}

type runRequest struct {
	AppName      string     `json:"app_name"`
	UserID       string     `json:"user_id"`
	SessionID    string     `json:"session_id"`
	NewMessage   newMessage `json:"new_message"`
	Streaming    bool       `json:"streaming"`
	StateDelta   any        `json:"state_delta"`
	InvocationID any        `json:"invocation_id"`
}

type newMessage struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type event struct {
	Content *struct {
		Parts []part `json:"parts"`
		Role  string `json:"role"`
	} `json:"content"`
	InvocationID string          `json:"invocationId"`
	Author       string          `json:"author"`
	Actions      json.RawMessage `json:"actions,omitempty"`
}

func (e *event) fromModel() bool {
	return e.Author == "model" || (e.Content != nil && e.Content.Role == "model")
}

// Call sends msg to the agent behind route and returns its reply.
// Errors are *ConfigError, *TransportError or *ProtocolError.
func (c *Client) Call(ctx context.Context, msg *types.IncomingMessage, route *types.Route) (*Reply, error) {
	appName := route.AppName()
	if appName == "" {
		return nil, &ConfigError{Channel: route.ChannelID, Err: ErrMissingAppName}
	}
	url := route.BaseURL() + "/run"

	payload, err := json.Marshal(runRequest{
		AppName:   appName,
		UserID:    UserID(msg.From),
		SessionID: SessionID(msg.From, msg.ChannelID),
		NewMessage: newMessage{
			Role:  "user",
			Parts: []part{{Text: msg.Text}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	L_debug("agent: calling", "url", url, "app", appName, "channel", msg.ChannelID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Timeout: isTimeout(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, &TransportError{URL: url, Timeout: isTimeout(ctx, err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProtocolError{URL: url, Status: resp.StatusCode, Body: snippet(body)}
	}

	var events []event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, &ProtocolError{URL: url, Status: resp.StatusCode, Body: snippet(body), Err: err}
	}

	reply := selectReply(events)
	L_debug("agent: reply", "url", url, "events", len(events), "chars", len(reply.Text), "elapsed", time.Since(start).String())
	return reply, nil
}

// selectReply takes the last model-authored event and joins its text parts.
func selectReply(events []event) *Reply {
	reply := &Reply{Metadata: map[string]any{"eventCount": len(events)}}

	for i := len(events) - 1; i >= 0; i-- {
		ev := &events[i]
		if !ev.fromModel() {
			continue
		}
		var sb strings.Builder
		if ev.Content != nil {
			for _, p := range ev.Content.Parts {
				if p.Text != "" {
					sb.WriteString(p.Text)
				}
			}
		}
		reply.Text = sb.String()
		if ev.InvocationID != "" {
			reply.Metadata["invocationId"] = ev.InvocationID
		}
		if ev.Author != "" {
			reply.Metadata["author"] = ev.Author
		}
		break
	}
	return reply
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func snippet(body []byte) string {
	if len(body) > bodySnippetLen {
		body = body[:bodySnippetLen]
	}
	return string(body)
}
