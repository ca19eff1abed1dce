package types

import (
	"strings"
	"time"
)

// WildcardChannel is the channel id of the fallback route.
const WildcardChannel = "*"

// Route maps a channel to an agent endpoint, optionally gated by a regex
// applied to the message text.
type Route struct {
	ChannelID     string         `json:"channelId" yaml:"channelId" toml:"channelId"`
	AgentEndpoint string         `json:"agentEndpoint" yaml:"agentEndpoint" toml:"agentEndpoint"`
	Environment   string         `json:"environment" yaml:"environment" toml:"environment"`
	RegexFilter   string         `json:"regexFilter,omitempty" yaml:"regexFilter,omitempty" toml:"regexFilter,omitempty"`
	Config        map[string]any `json:"config,omitempty" yaml:"config,omitempty" toml:"config,omitempty"`
	CreatedAt     time.Time      `json:"createdAt" yaml:"-" toml:"-"`
	UpdatedAt     time.Time      `json:"updatedAt" yaml:"-" toml:"-"`
}

// IsWildcard reports whether this is the fallback route.
func (r *Route) IsWildcard() bool {
	return r.ChannelID == WildcardChannel
}

// HasFilter reports whether the route is gated by a regex.
func (r *Route) HasFilter() bool {
	return strings.TrimSpace(r.RegexFilter) != ""
}

// AppName returns the agent application name from the route config.
// Accepts appName, app_name or adk.appName.
func (r *Route) AppName() string {
	if v := configString(r.Config, "appName", "app_name"); v != "" {
		return v
	}
	if adk, ok := r.Config["adk"].(map[string]any); ok {
		return configString(adk, "appName", "app_name")
	}
	return ""
}

// BaseURL returns the agent base URL: the baseUrl override from the route
// config when present, otherwise AgentEndpoint. Trailing slashes are trimmed.
func (r *Route) BaseURL() string {
	base := configString(r.Config, "baseUrl", "base_url")
	if base == "" {
		if adk, ok := r.Config["adk"].(map[string]any); ok {
			base = configString(adk, "baseUrl", "base_url")
		}
	}
	if base == "" {
		base = r.AgentEndpoint
	}
	return strings.TrimRight(base, "/")
}

func configString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
