// Package http serves the webhook, health, QR and admin endpoints.
package http

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/gateway"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/normalize"
	"github.com/roelfdiedericks/wabridge/internal/types"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

//go:embed html/*.html
var htmlFS embed.FS

// WhatsApp is the part of *whatsapp.Manager the server exposes.
type WhatsApp interface {
	State() whatsapp.State
	CheckHealth() whatsapp.Health
	HasQRCode() bool
	QRCodePNG() ([]byte, error)
	QRCodeImage() string
	Connect(ctx context.Context) error
	Disconnect(clearCredentials bool) error
}

// InboundHandler receives every message decoded from a webhook.
type InboundHandler func(ctx context.Context, msg *types.IncomingMessage) error

// GatewayStats reports orchestrator counters. Implemented by *gateway.Gateway.
type GatewayStats interface {
	Health() gateway.HealthStatus
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen        string // Address to listen on (e.g., ":3000", "127.0.0.1:3000")
	WebhookSecret string // HMAC key for X-Hub-Signature-256, empty = unsigned
	VerifyToken   string // Cloud API subscription token
	AdminToken    string // Bearer token for /whatsapp/*, empty = admin routes off
	Filter        normalize.Filter
}

// Deps are the components the server talks to. Any may be nil; the
// matching routes are then not mounted.
type Deps struct {
	WhatsApp WhatsApp
	Inbound  InboundHandler
	Gateway  GatewayStats
}

// Server represents the HTTP server
type Server struct {
	server      *http.Server
	cfg         ServerConfig
	deps        Deps
	templates   *template.Template
	rateLimiter *RateLimiter
	wg          sync.WaitGroup

	mu   sync.Mutex
	addr string
}

// NewServer creates a new HTTP server instance
func NewServer(cfg ServerConfig, deps Deps) (*Server, error) {
	if cfg.Listen == "" {
		cfg.Listen = ":3000"
	}

	s := &Server{
		cfg:         cfg,
		deps:        deps,
		rateLimiter: NewRateLimiter(10 * time.Second),
	}

	if err := s.loadTemplates(); err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Middleware chain: logging -> strip headers
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(h))
	}
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return wrap(s.bearerAuth(h))
	}

	mux.HandleFunc("POST /webhook", wrap(s.handleWebhook))
	mux.HandleFunc("POST /webhook/{provider}", wrap(s.handleWebhook))
	mux.HandleFunc("GET /webhook/cloud", wrap(s.handleVerify))
	mux.HandleFunc("GET /health", wrap(s.handleHealth))

	if s.deps.Gateway != nil {
		mux.HandleFunc("GET /health/gateway", wrap(s.handleGatewayHealth))
	}

	if s.deps.WhatsApp != nil {
		mux.HandleFunc("GET /health/whatsapp", wrap(s.handleWhatsAppHealth))
		mux.HandleFunc("GET /qr/status", wrap(s.handleQRStatus))
		mux.HandleFunc("GET /qr/image", wrap(s.handleQRImage))
		mux.HandleFunc("GET /qr", wrap(s.handleQRPage))

		if s.cfg.AdminToken != "" {
			mux.HandleFunc("POST /whatsapp/connect", admin(s.handleConnect))
			mux.HandleFunc("POST /whatsapp/disconnect", admin(s.handleDisconnect))
		} else {
			L_debug("http: admin token not set, /whatsapp endpoints disabled")
		}
	}

	return mux
}

// loadTemplates parses the embedded HTML templates
func (s *Server) loadTemplates() error {
	htmlDir, err := fs.Sub(htmlFS, "html")
	if err != nil {
		return fmt.Errorf("failed to get html subdirectory: %w", err)
	}
	tmpl, err := template.ParseFS(htmlDir, "*.html")
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}
	s.templates = tmpl
	return nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("http: listen %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", ln.Addr().String())

		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("http: server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}
	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		handler(w, r)
	}
}
