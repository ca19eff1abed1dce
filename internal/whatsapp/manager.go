// Package whatsapp owns the WhatsApp socket: connection lifecycle, pairing,
// reconnection and outbound text.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/normalize"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

var (
	// ErrConnectionNotReady is returned by SendText unless connected.
	ErrConnectionNotReady = errors.New("whatsapp connection not ready")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("whatsapp manager closed")
)

// MessageHandler receives normalized inbound messages.
type MessageHandler func(ctx context.Context, msg *types.IncomingMessage) error

// StateHandler is told about every state change.
type StateHandler func(State)

// Timer is the part of *time.Timer the manager uses.
type Timer interface {
	Stop() bool
}

// Options configures a Manager.
type Options struct {
	Dialer             Dialer
	Filter             normalize.Filter
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	SendRate           float64 // messages per second, 0 = unlimited
	SendBurst          int
	FormatMarkdown     bool

	// AfterFunc schedules reconnects. Defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
}

// Health is the result of CheckHealth.
type Health struct {
	Healthy bool   `json:"healthy"`
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Manager is the single owner of the WhatsApp connection. Construct one per
// process, pass it to whoever needs it, Close it on shutdown.
type Manager struct {
	opts    Options
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	socket Socket
	gen    uint64 // bumped for every dial and teardown; stale events are dropped
	timer  Timer
	closed bool

	subMu     sync.RWMutex
	onMessage []MessageHandler
	onState   []StateHandler
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = 2 * time.Second
	}
	if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
		opts.ReconnectMaxDelay = max(60*time.Second, opts.ReconnectBaseDelay)
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	burst := max(opts.SendBurst, 1)

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
		state:   State{Status: StatusDisconnected},
	}
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnMessage registers a subscriber. Subscribers run in registration order.
func (m *Manager) OnMessage(h MessageHandler) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.onMessage = append(m.onMessage, h)
}

// OnStateChange registers a state observer.
func (m *Manager) OnStateChange(h StateHandler) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.onState = append(m.onState, h)
}

// Connect opens the socket. It is a no-op while connecting, waiting for a
// QR scan or connected. A pending reconnect is cancelled and replaced by
// this attempt. Stale credentials from a terminal disconnect are cleared
// first so a fresh QR code is issued.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if st := m.state.Status; st == StatusConnecting || st == StatusQRReady || st == StatusConnected {
		m.mu.Unlock()
		L_debug("whatsapp: connect ignored", "status", st)
		return nil
	}
	m.stopTimerLocked()
	needsClear := m.state.NeedsCredentialsClear
	gen, snapshot := m.beginDialLocked()
	m.mu.Unlock()
	m.notifyState(snapshot)

	if needsClear {
		L_info("whatsapp: clearing stale credentials before connecting")
		if err := m.opts.Dialer.ClearCredentials(ctx); err != nil {
			m.applyGen(gen, EventReset{})
			return fmt.Errorf("clear credentials: %w", err)
		}
		m.applyGen(gen, EventCredentialsCleared{})
	}

	return m.openSocket(gen)
}

// beginDialLocked retires the current socket, starts a new generation and
// moves to connecting. Caller holds mu.
func (m *Manager) beginDialLocked() (uint64, State) {
	if m.socket != nil {
		go m.socket.Close()
		m.socket = nil
	}
	m.gen++
	m.state, _ = Transition(m.state, EventConnecting{})
	return m.gen, m.state
}

// openSocket dials for generation gen.
func (m *Manager) openSocket(gen uint64) error {
	sock, err := m.opts.Dialer.Dial(m.ctx, Handlers{
		OnEvent:   func(ev Event) { m.handleEvent(gen, ev) },
		OnMessage: func(env *normalize.Envelope) { m.handleEnvelope(gen, env) },
	})
	if err != nil {
		L_warn("whatsapp: dial failed", "error", err)
		m.handleEvent(gen, EventClose{Reason: ReasonConnectionLost, Description: err.Error()})
		return fmt.Errorf("whatsapp: connect: %w", err)
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		// Disconnected while dialing
		m.mu.Unlock()
		sock.Close()
		return nil
	}
	m.socket = sock
	m.mu.Unlock()
	return nil
}

// Disconnect tears the socket down and resets to disconnected, optionally
// deleting the stored session.
func (m *Manager) Disconnect(clearCredentials bool) error {
	m.mu.Lock()
	m.stopTimerLocked()
	m.gen++
	sock := m.socket
	m.socket = nil
	m.mu.Unlock()

	if sock != nil {
		sock.Close()
	}

	var err error
	if clearCredentials {
		if err = m.opts.Dialer.ClearCredentials(m.ctx); err != nil {
			err = fmt.Errorf("clear credentials: %w", err)
		}
	}
	m.apply(EventReset{CredentialsCleared: clearCredentials && err == nil})
	L_info("whatsapp: disconnected", "credentialsCleared", clearCredentials && err == nil)
	return err
}

// ClearCredentials deletes the stored session regardless of state.
func (m *Manager) ClearCredentials(ctx context.Context) error {
	if err := m.opts.Dialer.ClearCredentials(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	m.apply(EventCredentialsCleared{})
	L_info("whatsapp: credentials cleared")
	return nil
}

// SendText sends text to address (JID or bare phone number).
func (m *Manager) SendText(ctx context.Context, address, text string) error {
	m.mu.Lock()
	sock := m.socket
	ready := m.state.Status == StatusConnected && sock != nil
	m.mu.Unlock()
	if !ready {
		return ErrConnectionNotReady
	}

	if m.opts.FormatMarkdown {
		text = FormatMessage(text)
	}
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("whatsapp: rate limit wait: %w", err)
		}
		if err := sock.SendText(ctx, address, chunk); err != nil {
			return fmt.Errorf("whatsapp: send: %w", err)
		}
	}
	L_debug("whatsapp: message sent", "to", address, "chars", len(text))
	return nil
}

// CheckHealth reports healthy only when connected.
func (m *Manager) CheckHealth() Health {
	s := m.State()
	h := Health{Healthy: s.Status == StatusConnected, Status: s.Status}
	switch s.Status {
	case StatusConnected:
	case StatusReconnecting:
		h.Reason = "Reconnecting"
	case StatusQRReady:
		h.Reason = "Waiting for QR code"
	default:
		h.Reason = "Not connected"
	}
	return h
}

// Close disconnects and stops all background work. The Manager cannot be
// reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimerLocked()
	m.gen++
	sock := m.socket
	m.socket = nil
	m.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	m.cancel()
}

// handleEvent applies a socket event unless it belongs to an older socket.
func (m *Manager) handleEvent(gen uint64, ev Event) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		L_debug("whatsapp: dropping event from stale socket", "event", fmt.Sprintf("%T", ev))
		return
	}
	m.mu.Unlock()

	switch e := ev.(type) {
	case EventOpen:
		L_info("whatsapp: connected")
	case EventQR:
		L_info("whatsapp: QR code ready, waiting for scan")
	case EventClose:
		L_warn("whatsapp: connection closed", "reason", e.Reason, "code", e.Reason.Code(), "description", e.Description)
	}

	m.applyGen(gen, ev)
}

// apply runs Transition for the current generation.
func (m *Manager) apply(ev Event) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.applyGen(gen, ev)
}

func (m *Manager) applyGen(gen uint64, ev Event) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	next, effects := Transition(m.state, ev)
	m.state = next

	if c, ok := ev.(EventClose); ok && (c.Reason.Terminal() || c.Reason == ReasonConnectionReplaced) {
		if sock := m.socket; sock != nil {
			go sock.Close()
			m.socket = nil
		}
	}

	for _, eff := range effects {
		if r, ok := eff.(EffectScheduleReconnect); ok && !m.closed {
			m.scheduleReconnectLocked(gen, r.Attempt)
		}
	}
	m.mu.Unlock()

	m.notifyState(next)
}

func (m *Manager) scheduleReconnectLocked(gen uint64, attempt int) {
	m.stopTimerLocked()
	delay := Backoff(attempt, m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay)
	L_info("whatsapp: reconnect scheduled", "attempt", attempt, "delay", delay.String())

	m.timer = m.opts.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.closed || m.state.Status != StatusReconnecting {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		next, snapshot := m.beginDialLocked()
		m.mu.Unlock()
		m.notifyState(snapshot)

		if err := m.openSocket(next); err != nil {
			L_debug("whatsapp: reconnect attempt failed", "attempt", attempt, "error", err)
		}
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// handleEnvelope filters, normalizes and fans out an inbound message.
func (m *Manager) handleEnvelope(gen uint64, env *normalize.Envelope) {
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}

	if ok, reason := normalize.Accept(env, m.opts.Filter); !ok {
		L_debug("whatsapp: message filtered", "reason", reason)
		return
	}
	msg := normalize.Normalize(env, time.Now())
	L_info("whatsapp: message received", "id", msg.ID, "channel", msg.ChannelID, "type", msg.Meta("messageType"))
	m.dispatch(msg)
}

// dispatch calls every subscriber in order. A failing or panicking
// subscriber is logged and does not stop the others.
func (m *Manager) dispatch(msg *types.IncomingMessage) {
	m.subMu.RLock()
	handlers := append([]MessageHandler(nil), m.onMessage...)
	m.subMu.RUnlock()

	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					L_error("whatsapp: message subscriber panicked", "subscriber", i, "panic", fmt.Sprint(r))
				}
			}()
			if err := h(m.ctx, msg); err != nil {
				L_error("whatsapp: message subscriber failed", "subscriber", i, "error", err)
			}
		}()
	}
}

func (m *Manager) notifyState(s State) {
	m.subMu.RLock()
	handlers := append([]StateHandler(nil), m.onState...)
	m.subMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					L_error("whatsapp: state subscriber panicked", "panic", fmt.Sprint(r))
				}
			}()
			h(s)
		}()
	}
}
