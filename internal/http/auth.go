package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

const signatureHeader = "X-Hub-Signature-256"

// bearerAuth guards the admin endpoints with http.adminToken
func (s *Server) bearerAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)

		if s.rateLimiter.IsLimited(clientIP) {
			L_warn("http: rate limited", "ip", clientIP)
			writeJSON(w, http.StatusTooManyRequests, errorBody("Too many failed attempts. Try again later."))
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.AdminToken)) != 1 {
			s.rateLimiter.RecordFailure(clientIP)
			L_warn("http: admin auth failed", "ip", clientIP, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="wabridge"`)
			writeJSON(w, http.StatusUnauthorized, errorBody("Unauthorized"))
			return
		}

		s.rateLimiter.ClearFailure(clientIP)
		handler(w, r)
	}
}

// verifySignature checks an X-Hub-Signature-256 value ("sha256=<hex>")
// against body.
func verifySignature(secret string, body []byte, signature string) bool {
	expected, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(computed))
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Behind a reverse proxy the first X-Forwarded-For hop is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
