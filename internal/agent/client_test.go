package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/wabridge/internal/types"
)

func testMessage() *types.IncomingMessage {
	return &types.IncomingMessage{
		ID:        "m1",
		From:      "5491155551234@s.whatsapp.net",
		ChannelID: "5491155551234",
		Text:      "Hello",
	}
}

func testRoute(endpoint string) *types.Route {
	return &types.Route{
		ChannelID:     "5491155551234",
		AgentEndpoint: endpoint,
		Environment:   "dev",
		Config:        map[string]any{"appName": "support"},
	}
}

func agentServer(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/run", r.URL.Path)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCall_ModelReply(t *testing.T) {
	var req map[string]any
	srv := agentServer(t, 200, `[{"author":"model","invocationId":"inv-1","content":{"parts":[{"text":"Hi!"}]}}]`, &req)

	reply, err := New(Options{}).Call(context.Background(), testMessage(), testRoute(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "Hi!", reply.Text)
	assert.Equal(t, "inv-1", reply.Metadata["invocationId"])
	assert.Equal(t, "model", reply.Metadata["author"])
	assert.Equal(t, 1, reply.Metadata["eventCount"])

	assert.Equal(t, "support", req["app_name"])
	assert.Equal(t, "5491155551234", req["user_id"])
	assert.Equal(t, "5491155551234_s_whatsapp_net_5491155551234", req["session_id"])
	assert.Equal(t, false, req["streaming"])
	assert.Contains(t, req, "state_delta")
	assert.Nil(t, req["state_delta"])
	assert.Contains(t, req, "invocation_id")
	assert.Nil(t, req["invocation_id"])

	nm := req["new_message"].(map[string]any)
	assert.Equal(t, "user", nm["role"])
	parts := nm["parts"].([]any)
	require.Len(t, parts, 1)
	assert.Equal(t, "Hello", parts[0].(map[string]any)["text"])
}

func TestCall_LastModelEventConcatenated(t *testing.T) {
	body := `[
		{"author":"model","content":{"role":"model","parts":[{"text":"first"}]}},
		{"author":"tool","content":{"role":"user","parts":[{"text":"tool output"}]}},
		{"author":"support_agent","content":{"role":"model","parts":[{"text":"Hel"},{"text":""},{"functionCall":{}},{"text":"lo"}]}},
		{"author":"user","content":{"role":"user","parts":[{"text":"ignored"}]}}
	]`
	srv := agentServer(t, 200, body, nil)

	reply, err := New(Options{}).Call(context.Background(), testMessage(), testRoute(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply.Text)
	assert.Equal(t, "support_agent", reply.Metadata["author"])
	assert.Equal(t, 4, reply.Metadata["eventCount"])
}

func TestCall_NoModelEvents(t *testing.T) {
	srv := agentServer(t, 200, `[{"author":"user","content":{"role":"user","parts":[{"text":"x"}]}}]`, nil)

	reply, err := New(Options{}).Call(context.Background(), testMessage(), testRoute(srv.URL))
	require.NoError(t, err)
	assert.Empty(t, reply.Text)

	srv = agentServer(t, 200, `[]`, nil)
	reply, err = New(Options{}).Call(context.Background(), testMessage(), testRoute(srv.URL))
	require.NoError(t, err)
	assert.Empty(t, reply.Text)
}

func TestCall_BaseURLOverride(t *testing.T) {
	srv := agentServer(t, 200, `[]`, nil)
	route := testRoute("http://unused.invalid")
	route.Config["baseUrl"] = srv.URL + "/"

	_, err := New(Options{}).Call(context.Background(), testMessage(), route)
	assert.NoError(t, err)
}

func TestCall_MissingAppName(t *testing.T) {
	route := testRoute("http://unused.invalid")
	route.Config = nil

	_, err := New(Options{}).Call(context.Background(), testMessage(), route)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, ErrMissingAppName)
}

func TestCall_Non2xx(t *testing.T) {
	long := strings.Repeat("x", 2000)
	srv := agentServer(t, 500, long, nil)

	_, err := New(Options{}).Call(context.Background(), testMessage(), testRoute(srv.URL))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 500, pe.Status)
	assert.Len(t, pe.Body, 500)
}

func TestCall_MalformedBody(t *testing.T) {
	srv := agentServer(t, 200, `{"not":"an array"}`, nil)

	_, err := New(Options{}).Call(context.Background(), testMessage(), testRoute(srv.URL))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 200, pe.Status)
}

func TestCall_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Options{}).Call(context.Background(), testMessage(), testRoute(url))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Timeout)
}

func TestCall_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(Options{Timeout: 50 * time.Millisecond}).Call(context.Background(), testMessage(), testRoute(srv.URL))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Timeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCall_ConcurrentIndependentTimeouts(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)
	fast := agentServer(t, 200, `[{"author":"model","content":{"parts":[{"text":"ok"}]}}]`, nil)

	c := New(Options{Timeout: 200 * time.Millisecond})
	var wg sync.WaitGroup
	var slowErr, fastErr error
	var fastReply *Reply
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, slowErr = c.Call(context.Background(), testMessage(), testRoute(slow.URL))
	}()
	go func() {
		defer wg.Done()
		fastReply, fastErr = c.Call(context.Background(), testMessage(), testRoute(fast.URL))
	}()
	wg.Wait()

	var te *TransportError
	assert.True(t, errors.As(slowErr, &te) && te.Timeout)
	require.NoError(t, fastErr)
	assert.Equal(t, "ok", fastReply.Text)
}

func TestIDs(t *testing.T) {
	assert.Equal(t, "5491155551234", UserID("5491155551234@s.whatsapp.net"))
	assert.Equal(t, "_54_911", UserID("+54 911@s.whatsapp.net"))
	assert.Equal(t, "120363025246125486", UserID("120363025246125486@g.us"))
	assert.Equal(t, "abc", UserID("abc"))

	assert.Equal(t, "5491155551234_s_whatsapp_net_5491155551234", SessionID("5491155551234@s.whatsapp.net", "5491155551234"))
	assert.Equal(t, SessionID("a@b", "c"), SessionID("a@b", "c"))
	assert.NotEqual(t, SessionID("a@b", "c"), SessionID("a@b", "d"))
}
