package http

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/normalize"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

const maxWebhookBody = 4 << 20

// qrRefreshSeconds is how often the QR page reloads while not connected.
const qrRefreshSeconds = 5

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("http: response encode failed", "error", err)
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// ack is the webhook reply. Providers always see it once the request is
// authentic, whatever happened to the messages inside.
func ack(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "received": true})
}

// handleWebhook ingests a provider payload: POST /webhook (Evolution) and
// POST /webhook/{provider}.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		L_warn("http: webhook read failed", "provider", provider, "error", err)
		ack(w)
		return
	}

	if s.cfg.WebhookSecret != "" && !verifySignature(s.cfg.WebhookSecret, body, r.Header.Get(signatureHeader)) {
		L_warn("http: webhook signature mismatch", "provider", provider, "ip", getClientIP(r))
		writeJSON(w, http.StatusForbidden, errorBody("invalid signature"))
		return
	}

	payload, err := normalize.DecodeWebhook(provider, body)
	if err != nil {
		L_warn("http: webhook ignored", "provider", provider, "error", err)
		ack(w)
		return
	}

	msgs := normalize.Messages(payload, s.cfg.Filter)
	if len(msgs) == 0 {
		L_debug("http: webhook carried no messages", "provider", payload.Provider())
	}
	for _, msg := range msgs {
		if s.deps.Inbound == nil {
			break
		}
		if err := s.deps.Inbound(r.Context(), msg); err != nil {
			L_error("http: inbound handler failed", "id", msg.ID, "error", err)
		}
	}
	ack(w)
}

// handleVerify answers the Cloud API subscription challenge
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && s.cfg.VerifyToken != "" && token == s.cfg.VerifyToken {
		L_info("http: cloud webhook verified")
		// echoed verbatim; nosniff keeps browsers from rendering it
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}

	L_warn("http: cloud webhook verification failed", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Gateway.Health())
}

func (s *Server) handleWhatsAppHealth(w http.ResponseWriter, r *http.Request) {
	h := s.deps.WhatsApp.CheckHealth()
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

type qrStatus struct {
	Status      whatsapp.Status `json:"status"`
	Connected   bool            `json:"connected"`
	QRAvailable bool            `json:"qrAvailable"`
	Error       *string         `json:"error"`
}

func (s *Server) handleQRStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.WhatsApp.State()
	resp := qrStatus{
		Status:      st.Status,
		Connected:   st.Status == whatsapp.StatusConnected,
		QRAvailable: st.QRCode != "",
	}
	if st.LastError != "" {
		resp.Error = &st.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	png, err := s.deps.WhatsApp.QRCodePNG()
	if errors.Is(err, whatsapp.ErrNoQRCode) {
		writeJSON(w, http.StatusNotFound, errorBody("No QR code available"))
		return
	}
	if err != nil {
		L_error("http: QR render failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("Failed to generate QR code"))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	_, _ = w.Write(png)
}

// qrPageData feeds html/qr.html
type qrPageData struct {
	Status    string
	Connected bool
	QRImage   template.URL
	Error     string
	Refresh   int
}

func (s *Server) handleQRPage(w http.ResponseWriter, r *http.Request) {
	st := s.deps.WhatsApp.State()
	data := qrPageData{
		Status:    string(st.Status),
		Connected: st.Status == whatsapp.StatusConnected,
		Error:     st.LastError,
	}
	if !data.Connected {
		data.Refresh = qrRefreshSeconds
	}
	if st.Status == whatsapp.StatusQRReady {
		if img := s.deps.WhatsApp.QRCodeImage(); img != whatsapp.NoQRCode {
			data.QRImage = template.URL(img)
		} else {
			// Render failed; fall back to the waiting view
			data.Status = string(whatsapp.StatusConnecting)
			if data.Error == "" {
				data.Error = "Failed to generate QR code"
			}
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.templates.ExecuteTemplate(w, "qr.html", data); err != nil {
		L_error("http: template error", "error", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	L_info("http: connect requested", "ip", getClientIP(r))
	if err := s.deps.WhatsApp.Connect(r.Context()); err != nil {
		L_warn("http: connect failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": s.deps.WhatsApp.State().Status})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	clearCreds, _ := strconv.ParseBool(r.URL.Query().Get("clear"))
	L_info("http: disconnect requested", "ip", getClientIP(r), "clear", clearCreds)
	if err := s.deps.WhatsApp.Disconnect(clearCreds); err != nil {
		L_warn("http: disconnect failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             s.deps.WhatsApp.State().Status,
		"credentialsCleared": clearCreds,
	})
}
