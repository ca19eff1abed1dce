package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/wabridge/internal/normalize"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

type sentText struct {
	to, text string
}

type fakeSocket struct {
	mu     sync.Mutex
	sent   []sentText
	closed bool
	err    error
}

func (s *fakeSocket) SendText(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentText{to, text})
	return nil
}

func (s *fakeSocket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	handlers []Handlers
	sockets  []*fakeSocket
	cleared  int
	dialErr  error
}

func (d *fakeDialer) Dial(_ context.Context, h Handlers) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.handlers = append(d.handlers, h)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := &fakeSocket{}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) ClearCredentials(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared++
	return nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// last returns the handlers of the most recent dial.
func (d *fakeDialer) last() Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[len(d.handlers)-1]
}

func (d *fakeDialer) lastSocket() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[len(d.sockets)-1]
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock collects scheduled reconnects; Advance fires the due ones.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// Advance fires every timer not stopped, as if a long time passed.
func (c *fakeClock) Advance() {
	for _, t := range c.pending() {
		t.stopped = true
		t.f()
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeDialer, *fakeClock) {
	t.Helper()
	d := &fakeDialer{}
	c := &fakeClock{}
	m := NewManager(Options{
		Dialer:             d,
		ReconnectBaseDelay: 2 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		AfterFunc:          c.AfterFunc,
	})
	t.Cleanup(m.Close)
	return m, d, c
}

func connected(t *testing.T) (*Manager, *fakeDialer, *fakeClock) {
	m, d, c := newTestManager(t)
	require.NoError(t, m.Connect(context.Background()))
	d.last().OnEvent(EventOpen{})
	require.Equal(t, StatusConnected, m.State().Status)
	return m, d, c
}

func TestManager_InitialState(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.Equal(t, StatusDisconnected, m.State().Status)
	assert.False(t, m.HasQRCode())
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	m, d, _ := newTestManager(t)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StatusConnecting, m.State().Status)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, d.dialCount())

	d.last().OnEvent(EventQR{Code: "2@qr"})
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, d.dialCount())

	d.last().OnEvent(EventOpen{})
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, d.dialCount())
}

func TestManager_QRFlow(t *testing.T) {
	m, d, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, NoQRCode, m.QRCodeImage())
	assert.Equal(t, NoQRCode, m.QRCodeTerminalText())
	_, err := m.QRCodePNG()
	assert.ErrorIs(t, err, ErrNoQRCode)

	d.last().OnEvent(EventQR{Code: "2@abcdef,key,other"})
	assert.Equal(t, StatusQRReady, m.State().Status)
	assert.True(t, m.HasQRCode())

	img := m.QRCodeImage()
	require.True(t, strings.HasPrefix(img, "data:image/png;base64,"))
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(img, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(png[:4]))

	assert.NotEqual(t, NoQRCode, m.QRCodeTerminalText())

	d.last().OnEvent(EventOpen{})
	assert.False(t, m.HasQRCode())
	assert.Equal(t, NoQRCode, m.QRCodeImage())
}

func TestManager_LoggedOutDoesNotReconnect(t *testing.T) {
	m, d, c := connected(t)
	sock := d.lastSocket()

	d.last().OnEvent(EventClose{Reason: ReasonLoggedOut, Description: "logged out"})

	s := m.State()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.True(t, s.NeedsCredentialsClear)
	assert.Empty(t, c.pending())

	c.Advance()
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, StatusDisconnected, m.State().Status)
	assert.Eventually(t, sock.isClosed, time.Second, 5*time.Millisecond)
}

func TestManager_GenericCloseReconnects(t *testing.T) {
	m, d, c := connected(t)

	d.last().OnEvent(EventClose{Reason: ReasonConnectionClosed})
	s := m.State()
	assert.Equal(t, StatusReconnecting, s.Status)
	assert.Equal(t, 1, s.ReconnectAttempt)

	timers := c.pending()
	require.Len(t, timers, 1)
	assert.Equal(t, 2*time.Second, timers[0].delay)

	c.Advance()
	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, StatusConnecting, m.State().Status)

	// second failure backs off further
	d.last().OnEvent(EventClose{Reason: ReasonConnectionLost})
	assert.Equal(t, 2, m.State().ReconnectAttempt)
	timers = c.pending()
	require.Len(t, timers, 1)
	assert.Equal(t, 4*time.Second, timers[0].delay)

	c.Advance()
	d.last().OnEvent(EventOpen{})
	assert.Equal(t, StatusConnected, m.State().Status)
	assert.Zero(t, m.State().ReconnectAttempt)
}

func TestManager_ManualConnectCancelsPendingReconnect(t *testing.T) {
	m, d, c := connected(t)
	d.last().OnEvent(EventClose{Reason: ReasonConnectionLost})
	timers := c.pending()
	require.Len(t, timers, 1)

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, timers[0].stopped)
	assert.Equal(t, 2, d.dialCount())

	// a timer that fired anyway must not dial again
	timers[0].f()
	assert.Equal(t, 2, d.dialCount())
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	m, d, c := connected(t)
	d.last().OnEvent(EventClose{Reason: ReasonConnectionLost})
	timers := c.pending()
	require.Len(t, timers, 1)

	require.NoError(t, m.Disconnect(false))
	assert.Equal(t, StatusDisconnected, m.State().Status)
	assert.True(t, timers[0].stopped)

	timers[0].f()
	assert.Equal(t, 1, d.dialCount())
}

func TestManager_StaleSocketEventsDropped(t *testing.T) {
	m, d, _ := connected(t)
	old := d.last()

	require.NoError(t, m.Disconnect(false))
	require.NoError(t, m.Connect(context.Background()))

	old.OnEvent(EventOpen{})
	assert.Equal(t, StatusConnecting, m.State().Status)

	old.OnEvent(EventClose{Reason: ReasonLoggedOut})
	assert.False(t, m.State().NeedsCredentialsClear)
}

func TestManager_DisconnectClearCredentials(t *testing.T) {
	m, d, _ := connected(t)
	sock := d.lastSocket()

	require.NoError(t, m.Disconnect(true))
	assert.True(t, sock.isClosed())
	assert.Equal(t, 1, d.cleared)
	assert.Equal(t, StatusDisconnected, m.State().Status)
}

func TestManager_ConnectAfterTerminalClearsCredentials(t *testing.T) {
	m, d, _ := connected(t)
	d.last().OnEvent(EventClose{Reason: ReasonBadSession})
	require.True(t, m.State().NeedsCredentialsClear)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, d.cleared)
	assert.False(t, m.State().NeedsCredentialsClear)
	assert.Equal(t, StatusConnecting, m.State().Status)
	assert.Equal(t, 2, d.dialCount())
}

func TestManager_ClearCredentials(t *testing.T) {
	m, d, _ := connected(t)
	d.last().OnEvent(EventClose{Reason: ReasonLoggedOut})

	require.NoError(t, m.ClearCredentials(context.Background()))
	assert.Equal(t, 1, d.cleared)
	assert.False(t, m.State().NeedsCredentialsClear)
	assert.Equal(t, StatusDisconnected, m.State().Status)
}

func TestManager_DialErrorSchedulesReconnect(t *testing.T) {
	m, d, c := newTestManager(t)
	d.dialErr = errors.New("network down")

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusReconnecting, m.State().Status)
	assert.Len(t, c.pending(), 1)
}

func TestManager_SendText(t *testing.T) {
	m, d, _ := newTestManager(t)

	err := m.SendText(context.Background(), "5491155551234@s.whatsapp.net", "hi")
	assert.ErrorIs(t, err, ErrConnectionNotReady)

	require.NoError(t, m.Connect(context.Background()))
	assert.ErrorIs(t, m.SendText(context.Background(), "x", "hi"), ErrConnectionNotReady)

	d.last().OnEvent(EventOpen{})
	require.NoError(t, m.SendText(context.Background(), "5491155551234@s.whatsapp.net", "hi"))
	sock := d.lastSocket()
	require.Len(t, sock.sent, 1)
	assert.Equal(t, sentText{"5491155551234@s.whatsapp.net", "hi"}, sock.sent[0])

	d.last().OnEvent(EventClose{Reason: ReasonConnectionLost})
	assert.ErrorIs(t, m.SendText(context.Background(), "x", "hi"), ErrConnectionNotReady)
}

func TestManager_SendTextFormatsAndSplits(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(Options{Dialer: d, FormatMarkdown: true, AfterFunc: (&fakeClock{}).AfterFunc})
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))
	d.last().OnEvent(EventOpen{})

	require.NoError(t, m.SendText(context.Background(), "1", "**bold**"))
	long := strings.Repeat("a", maxMessageLen+10)
	require.NoError(t, m.SendText(context.Background(), "1", long))

	sock := d.lastSocket()
	require.Len(t, sock.sent, 3)
	assert.Equal(t, "*bold*", sock.sent[0].text)
	assert.Len(t, sock.sent[1].text, maxMessageLen)
	assert.Len(t, sock.sent[2].text, 10)
}

func TestManager_CheckHealth(t *testing.T) {
	m, d, _ := newTestManager(t)

	h := m.CheckHealth()
	assert.False(t, h.Healthy)
	assert.Equal(t, "Not connected", h.Reason)

	require.NoError(t, m.Connect(context.Background()))
	d.last().OnEvent(EventQR{Code: "x"})
	assert.Equal(t, "Waiting for QR code", m.CheckHealth().Reason)

	d.last().OnEvent(EventOpen{})
	h = m.CheckHealth()
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Reason)

	d.last().OnEvent(EventClose{Reason: ReasonTimedOut})
	h = m.CheckHealth()
	assert.False(t, h.Healthy)
	assert.Equal(t, StatusReconnecting, h.Status)
	assert.Equal(t, "Reconnecting", h.Reason)
}

func envelope(id, text string) *normalize.Envelope {
	return &normalize.Envelope{
		ID:        id,
		RemoteJID: "5491155551234@s.whatsapp.net",
		Body:      &normalize.Body{Conversation: text},
	}
}

func TestManager_SubscribersInOrderAndIsolated(t *testing.T) {
	m, d, _ := connected(t)

	var mu sync.Mutex
	var calls []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, name)
	}

	m.OnMessage(func(ctx context.Context, msg *types.IncomingMessage) error {
		record("first:" + msg.Text)
		panic("boom")
	})
	m.OnMessage(func(ctx context.Context, msg *types.IncomingMessage) error {
		record("second:" + msg.Text)
		return errors.New("failed")
	})
	m.OnMessage(func(ctx context.Context, msg *types.IncomingMessage) error {
		record("third:" + msg.ChannelID)
		return nil
	})

	d.last().OnMessage(envelope("m1", "Hello"))

	assert.Equal(t, []string{"first:Hello", "second:Hello", "third:5491155551234"}, calls)
}

func TestManager_FilteredMessagesNotDispatched(t *testing.T) {
	m, d, _ := connected(t)
	var n int
	m.OnMessage(func(context.Context, *types.IncomingMessage) error { n++; return nil })

	fromMe := envelope("m1", "mine")
	fromMe.FromMe = true
	d.last().OnMessage(fromMe)
	d.last().OnMessage(&normalize.Envelope{ID: "m2", RemoteJID: "1@s.whatsapp.net"})
	assert.Zero(t, n)

	d.last().OnMessage(envelope("m3", "ok"))
	assert.Equal(t, 1, n)
}

func TestManager_StateObservers(t *testing.T) {
	m, d, _ := newTestManager(t)
	var seen []Status
	m.OnStateChange(func(s State) { seen = append(seen, s.Status) })

	require.NoError(t, m.Connect(context.Background()))
	d.last().OnEvent(EventQR{Code: "x"})
	d.last().OnEvent(EventOpen{})

	assert.Equal(t, []Status{StatusConnecting, StatusQRReady, StatusConnected}, seen)
}

func TestManager_CloseStopsEverything(t *testing.T) {
	m, d, c := connected(t)
	sock := d.lastSocket()
	d.last().OnEvent(EventClose{Reason: ReasonConnectionLost})

	m.Close()
	assert.Empty(t, c.pending())
	assert.True(t, sock.isClosed())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
	m.Close()
}

func TestLink_PrintsQRAndReturnsOnConnect(t *testing.T) {
	m, d, _ := newTestManager(t)
	var out safeBuffer
	done := make(chan error, 1)
	go func() { done <- Link(context.Background(), m, &out) }()

	require.Eventually(t, func() bool { return d.dialCount() == 1 }, time.Second, 5*time.Millisecond)
	d.last().OnEvent(EventQR{Code: "2@first"})
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Waiting for scan") }, time.Second, 5*time.Millisecond)
	d.last().OnEvent(EventOpen{})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Link did not return after connect")
	}
	assert.Contains(t, out.String(), "Linked Devices")
}

func TestLink_FailsOnTerminalClose(t *testing.T) {
	m, d, _ := newTestManager(t)
	done := make(chan error, 1)
	go func() { done <- Link(context.Background(), m, &safeBuffer{}) }()

	require.Eventually(t, func() bool { return d.dialCount() == 1 }, time.Second, 5*time.Millisecond)
	d.last().OnEvent(EventClose{Reason: ReasonForbidden, Description: "temporary ban"})

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "temporary ban")
	case <-time.After(2 * time.Second):
		t.Fatal("Link did not return after terminal close")
	}
}

type safeBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
