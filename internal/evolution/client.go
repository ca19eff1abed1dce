// Package evolution sends replies through an Evolution API instance instead
// of the built-in WhatsApp socket.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	APIKey   string
	Instance string
	Rate     float64 // messages per second, 0 = unlimited
	Burst    int
	Timeout  time.Duration
}

// Client posts text messages to Evolution's sendText endpoint.
type Client struct {
	baseURL  string
	apiKey   string
	instance string
	limiter  *rate.Limiter
	http     *http.Client
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		instance: opts.Instance,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		http:     &http.Client{Timeout: opts.Timeout},
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendText delivers text to the address (JID or bare number).
func (c *Client) SendText(ctx context.Context, to, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("evolution: rate limit wait: %w", err)
	}

	number := to
	if i := strings.IndexByte(number, '@'); i >= 0 && strings.HasSuffix(number, "@s.whatsapp.net") {
		number = number[:i]
	}

	body, err := json.Marshal(sendTextRequest{Number: number, Text: text})
	if err != nil {
		return fmt.Errorf("evolution: marshal: %w", err)
	}

	endpoint := fmt.Sprintf("%s/message/sendText/%s", c.baseURL, url.PathEscape(c.instance))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("evolution: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("evolution: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return fmt.Errorf("evolution: API %d: %s", resp.StatusCode, string(respBody))
	}

	L_debug("evolution: message sent", "to", number, "chars", len(text))
	return nil
}
