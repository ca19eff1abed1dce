package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	wtypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/normalize"
	"github.com/roelfdiedericks/wabridge/internal/paths"
)

// waLogger bridges whatsmeow's waLog.Logger to our L_* functions.
// whatsmeow debug output is very chatty, so it goes to trace.
type waLogger struct {
	module string
}

func (l *waLogger) Debugf(msg string, args ...interface{}) {
	L_trace("whatsmeow/" + l.module + ": " + fmt.Sprintf(msg, args...))
}

func (l *waLogger) Infof(msg string, args ...interface{}) {
	L_debug("whatsmeow/" + l.module + ": " + fmt.Sprintf(msg, args...))
}

func (l *waLogger) Warnf(msg string, args ...interface{}) {
	L_warn("whatsmeow/" + l.module + ": " + fmt.Sprintf(msg, args...))
}

func (l *waLogger) Errorf(msg string, args ...interface{}) {
	L_error("whatsmeow/" + l.module + ": " + fmt.Sprintf(msg, args...))
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{module: l.module + "/" + module}
}

// Store is the whatsmeow device store kept in SQLite.
type Store struct {
	db        *sql.DB
	container *sqlstore.Container
	path      string
}

// OpenStore opens (and migrates) the session database. Relative paths live
// in the wabridge data directory.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	resolved, err := paths.ResolveDataFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve whatsapp db path: %w", err)
	}
	if err := paths.EnsureParentDir(resolved); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", resolved+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp db: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", &waLogger{module: "store"})
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade whatsapp store: %w", err)
	}

	L_debug("whatsapp: session store opened", "path", resolved)
	return &Store{db: db, container: container, path: resolved}, nil
}

// Close closes the session database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Devices returns the JIDs of every paired device.
func (s *Store) Devices(ctx context.Context) ([]string, error) {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	var out []string
	for _, d := range devices {
		if d.ID != nil {
			out = append(out, d.ID.String())
		}
	}
	return out, nil
}

// ClearCredentials deletes every stored device so the next dial pairs anew.
func (s *Store) ClearCredentials(ctx context.Context) error {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices {
		jid := "(unpaired)"
		if d.ID != nil {
			jid = d.ID.String()
		}
		if err := d.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete device %s: %w", jid, err)
		}
		L_info("whatsapp: removed device", "jid", jid)
	}
	return nil
}

// device returns the paired device, or a fresh one that will pair by QR.
func (s *Store) device(ctx context.Context) (*store.Device, error) {
	d, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get whatsapp device: %w", err)
	}
	return d, nil
}

// Dial implements Dialer with a whatsmeow client. Auto-reconnect is off;
// the Manager owns the reconnect policy.
func (s *Store) Dial(ctx context.Context, h Handlers) (Socket, error) {
	device, err := s.device(ctx)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, &waLogger{module: "client"})
	client.EnableAutoReconnect = false

	sock := &meowSocket{client: client, h: h}
	client.AddEventHandler(sock.handleEvent)

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(ctx)
		sock.cancelQR = cancel
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to get QR channel: %w", err)
		}
		go sock.watchQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return sock, nil
}

// meowSocket adapts a whatsmeow client to Socket.
type meowSocket struct {
	client   *whatsmeow.Client
	h        Handlers
	cancelQR context.CancelFunc

	closeOnce sync.Once
}

func (s *meowSocket) SendText(ctx context.Context, to, text string) error {
	jid, err := parseAddress(to)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (s *meowSocket) Close() {
	s.closeOnce.Do(func() {
		if s.cancelQR != nil {
			s.cancelQR()
		}
		s.client.RemoveEventHandlers()
		s.client.Disconnect()
	})
}

func (s *meowSocket) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.h.OnEvent(EventQR{Code: item.Code})
		case "success":
			L_info("whatsapp: QR scan accepted, completing initial sync")
		case "timeout":
			s.h.OnEvent(EventClose{Reason: ReasonTimedOut, Description: "QR code expired"})
		case whatsmeow.QRChannelEventError:
			desc := "pairing failed"
			if item.Error != nil {
				desc = item.Error.Error()
			}
			s.h.OnEvent(EventClose{Reason: ReasonBadSession, Description: desc})
		default:
			L_debug("whatsapp: QR channel event", "event", item.Event)
		}
	}
}

// handleEvent maps whatsmeow events onto lifecycle events and messages.
func (s *meowSocket) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if env := normalize.FromEvent(v); env != nil {
			s.h.OnMessage(env)
		}
	case *events.Connected:
		s.h.OnEvent(EventOpen{})
	case *events.PairSuccess:
		L_info("whatsapp: paired", "jid", v.ID.String())
	case *events.Disconnected:
		s.h.OnEvent(EventClose{Reason: ReasonConnectionClosed, Description: "disconnected from server"})
	case *events.LoggedOut:
		s.h.OnEvent(EventClose{Reason: ReasonLoggedOut, Description: "logged out: " + v.Reason.String()})
	case *events.ConnectFailure:
		s.h.OnEvent(EventClose{Reason: connectFailureReason(v.Reason), Description: v.Reason.String()})
	case *events.StreamReplaced:
		s.h.OnEvent(EventClose{Reason: ReasonConnectionReplaced, Description: "another client connected with this session"})
	case *events.TemporaryBan:
		s.h.OnEvent(EventClose{Reason: ReasonForbidden, Description: v.String()})
	case *events.ClientOutdated:
		s.h.OnEvent(EventClose{Reason: ReasonMultideviceMismatch, Description: "client outdated"})
	case *events.KeepAliveTimeout:
		L_warn("whatsapp: keepalive timeout", "errors", v.ErrorCount)
	case *events.KeepAliveRestored:
		L_info("whatsapp: keepalive restored")
	}
}

// connectFailureReason maps a server <failure> code onto a close reason.
// Server-side 5xx codes are outages and stay recoverable.
func connectFailureReason(r events.ConnectFailureReason) DisconnectReason {
	switch {
	case r.IsLoggedOut():
		return ReasonLoggedOut
	case r == events.ConnectFailureTempBanned:
		return ReasonForbidden
	case r == events.ConnectFailureClientOutdated, r == events.ConnectFailureBadUserAgent:
		return ReasonMultideviceMismatch
	case r == events.ConnectFailureCATExpired, r == events.ConnectFailureCATInvalid,
		r == events.ConnectFailureNotFound, r == events.ConnectFailureClientUnknown:
		return ReasonBadSession
	case int(r) >= 500:
		return ReasonUnavailable
	default:
		return ReasonConnectionLost
	}
}

// parseAddress accepts a full JID or a bare phone number.
func parseAddress(addr string) (wtypes.JID, error) {
	if strings.Contains(addr, "@") {
		jid, err := wtypes.ParseJID(addr)
		if err != nil {
			return wtypes.JID{}, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		return jid, nil
	}
	phone := strings.TrimPrefix(strings.TrimSpace(addr), "+")
	if phone == "" {
		return wtypes.JID{}, fmt.Errorf("empty address")
	}
	return wtypes.NewJID(phone, wtypes.DefaultUserServer), nil
}
