package evolution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendText(t *testing.T) {
	var got sendTextRequest
	var path, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("apikey")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", APIKey: "secret", Instance: "main"})
	require.NoError(t, c.SendText(context.Background(), "5491155551234@s.whatsapp.net", "Hi!"))

	assert.Equal(t, "/message/sendText/main", path)
	assert.Equal(t, "secret", key)
	assert.Equal(t, "5491155551234", got.Number)
	assert.Equal(t, "Hi!", got.Text)
}

func TestSendText_GroupKeepsJID(t *testing.T) {
	var got sendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Instance: "main"})
	require.NoError(t, c.SendText(context.Background(), "120363025246125486@g.us", "hey"))
	assert.Equal(t, "120363025246125486@g.us", got.Number)
}

func TestSendText_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "instance not connected", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Instance: "main"})
	err := c.SendText(context.Background(), "1@s.whatsapp.net", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "instance not connected")
}

func TestSendText_CancelledWhileRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Instance: "main", Rate: 0.001, Burst: 1})
	require.NoError(t, c.SendText(context.Background(), "1", "first"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.SendText(ctx, "1", "second"))
}
