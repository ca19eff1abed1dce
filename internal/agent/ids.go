package agent

import (
	"regexp"
	"strings"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

func sanitize(s string) string {
	return unsafeIDChars.ReplaceAllString(s, "_")
}

// UserID derives the agent user id from a sender address: the platform
// suffix (from '@') is removed and unsafe characters become '_'.
func UserID(from string) string {
	if i := strings.IndexByte(from, '@'); i >= 0 {
		from = from[:i]
	}
	return sanitize(from)
}

// SessionID is stable per (sender, channel) so the agent keeps context
// across messages.
func SessionID(from, channelID string) string {
	return sanitize(from + "_" + channelID)
}
