// Package config loads the wabridge configuration.
// The file may be JSON, YAML or TOML (picked by extension); defaults are
// merged in for anything left unset and environment variables win last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/wabridge/internal/types"
)

// Route store drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Outbound providers
const (
	OutboundWhatsApp  = "whatsapp"
	OutboundEvolution = "evolution"
	OutboundNone      = "none"
)

// Config is the complete wabridge configuration
type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	HTTP      HTTPConfig      `json:"http" yaml:"http" toml:"http"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp" yaml:"whatsapp" toml:"whatsapp"`
	Routes    RoutesConfig    `json:"routes" yaml:"routes" toml:"routes"`
	Agent     AgentConfig     `json:"agent" yaml:"agent" toml:"agent"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway" toml:"gateway"`
	Evolution EvolutionConfig `json:"evolution" yaml:"evolution" toml:"evolution"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level"` // trace|debug|info|warn|error
	JSON       bool   `json:"json" yaml:"json" toml:"json"`
	ShowCaller bool   `json:"showCaller" yaml:"showCaller" toml:"showCaller"`
}

// HTTPConfig holds the HTTP surface configuration
type HTTPConfig struct {
	Listen        string `json:"listen" yaml:"listen" toml:"listen"`
	WebhookSecret string `json:"webhookSecret,omitempty" yaml:"webhookSecret" toml:"webhookSecret"` // HMAC secret for X-Hub-Signature-256
	VerifyToken   string `json:"verifyToken,omitempty" yaml:"verifyToken" toml:"verifyToken"`       // Cloud API subscription challenge
	AdminToken    string `json:"adminToken,omitempty" yaml:"adminToken" toml:"adminToken"`          // Enables /whatsapp/* admin endpoints
}

// WhatsAppConfig holds the socket connection configuration.
// Session state (keys, device identity) lives in the whatsmeow SQLite store.
type WhatsAppConfig struct {
	Enabled            bool         `json:"enabled" yaml:"enabled" toml:"enabled"`
	SessionDB          string       `json:"sessionDB" yaml:"sessionDB" toml:"sessionDB"`
	ReconnectBaseDelay Duration     `json:"reconnectBaseDelay" yaml:"reconnectBaseDelay" toml:"reconnectBaseDelay"`
	ReconnectMaxDelay  Duration     `json:"reconnectMaxDelay" yaml:"reconnectMaxDelay" toml:"reconnectMaxDelay"`
	SendRate           float64      `json:"sendRate" yaml:"sendRate" toml:"sendRate"` // messages per second
	SendBurst          int          `json:"sendBurst" yaml:"sendBurst" toml:"sendBurst"`
	FormatMarkdown     bool         `json:"formatMarkdown" yaml:"formatMarkdown" toml:"formatMarkdown"`
	Filter             FilterConfig `json:"filter" yaml:"filter" toml:"filter"`
}

// FilterConfig controls which inbound envelopes are accepted.
type FilterConfig struct {
	AllowFromMe    bool     `json:"allowFromMe" yaml:"allowFromMe" toml:"allowFromMe"`
	IgnoreGroups   bool     `json:"ignoreGroups" yaml:"ignoreGroups" toml:"ignoreGroups"`
	AllowBroadcast bool     `json:"allowBroadcast" yaml:"allowBroadcast" toml:"allowBroadcast"`
	Denylist       []string `json:"denylist,omitempty" yaml:"denylist" toml:"denylist"`
}

// RoutesConfig selects the routing-table backend.
type RoutesConfig struct {
	Driver string        `json:"driver" yaml:"driver" toml:"driver"`
	Path   string        `json:"path" yaml:"path" toml:"path"`         // sqlite
	DSN    string        `json:"dsn,omitempty" yaml:"dsn" toml:"dsn"` // postgres
	Seed   []types.Route `json:"seed,omitempty" yaml:"seed" toml:"seed"`
}

// AgentConfig holds agent call settings
type AgentConfig struct {
	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// GatewayConfig holds orchestrator settings
type GatewayConfig struct {
	Outbound      string   `json:"outbound" yaml:"outbound" toml:"outbound"`
	MaxConcurrent int      `json:"maxConcurrent" yaml:"maxConcurrent" toml:"maxConcurrent"` // 0 = unbounded
	DedupeTTL     Duration `json:"dedupeTTL" yaml:"dedupeTTL" toml:"dedupeTTL"`
	DedupeSize    int      `json:"dedupeSize" yaml:"dedupeSize" toml:"dedupeSize"`
}

// EvolutionConfig holds the Evolution API outbound provider settings
type EvolutionConfig struct {
	BaseURL  string `json:"baseURL,omitempty" yaml:"baseURL" toml:"baseURL"`
	APIKey   string `json:"apiKey,omitempty" yaml:"apiKey" toml:"apiKey"`
	Instance string `json:"instance,omitempty" yaml:"instance" toml:"instance"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		HTTP:    HTTPConfig{Listen: ":3000"},
		WhatsApp: WhatsAppConfig{
			Enabled:            true,
			SessionDB:          "whatsapp.db",
			ReconnectBaseDelay: Duration(2 * time.Second),
			ReconnectMaxDelay:  Duration(60 * time.Second),
			SendRate:           1,
			SendBurst:          5,
			FormatMarkdown:     true,
		},
		Routes: RoutesConfig{
			Driver: DriverSQLite,
			Path:   "routes.db",
		},
		Agent: AgentConfig{Timeout: Duration(30 * time.Second)},
		Gateway: GatewayConfig{
			Outbound:   OutboundWhatsApp,
			DedupeTTL:  Duration(10 * time.Minute),
			DedupeSize: 10000,
		},
	}
}

// Load reads config from path (empty path = defaults only), merges defaults
// and applies environment overrides.
// The file is decoded over Default() so omitted fields keep their default.
// The merge only restores blank strings: an explicit false or 0 in the file
// is kept (enabled: false turns the socket off, sendRate: 0 is unlimited).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := mergo.Merge(cfg, Default(), mergo.WithTransformers(keepScalars{})); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// keepScalars stops mergo from treating false and 0 as unset.
type keepScalars struct{}

func (keepScalars) Transformer(t reflect.Type) func(dst, src reflect.Value) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return func(dst, src reflect.Value) error { return nil }
	}
	return nil
}

// decode picks the decoder by file extension
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return json.Unmarshal(data, cfg)
	}
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WABRIDGE_LISTEN", &c.HTTP.Listen)
	envStr("WABRIDGE_LOG_LEVEL", &c.Logging.Level)
	envStr("WABRIDGE_ROUTES_DRIVER", &c.Routes.Driver)
	envStr("WABRIDGE_DATABASE_URL", &c.Routes.DSN)
	envStr("WABRIDGE_WEBHOOK_SECRET", &c.HTTP.WebhookSecret)
	envStr("WABRIDGE_ADMIN_TOKEN", &c.HTTP.AdminToken)
	envStr("WABRIDGE_EVOLUTION_URL", &c.Evolution.BaseURL)
	envStr("WABRIDGE_EVOLUTION_API_KEY", &c.Evolution.APIKey)
	envStr("WABRIDGE_EVOLUTION_INSTANCE", &c.Evolution.Instance)
	envStr("WABRIDGE_OUTBOUND", &c.Gateway.Outbound)

	if v := os.Getenv("WABRIDGE_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Agent.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("WABRIDGE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Gateway.MaxConcurrent = n
		}
	}
	// A DSN in the environment implies postgres unless a driver was forced
	if os.Getenv("WABRIDGE_DATABASE_URL") != "" && os.Getenv("WABRIDGE_ROUTES_DRIVER") == "" {
		c.Routes.Driver = DriverPostgres
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Routes.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Routes.DSN == "" {
			return fmt.Errorf("routes.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown routes.driver %q", c.Routes.Driver)
	}

	switch c.Gateway.Outbound {
	case OutboundWhatsApp, OutboundNone:
	case OutboundEvolution:
		if c.Evolution.BaseURL == "" || c.Evolution.Instance == "" {
			return fmt.Errorf("evolution.baseURL and evolution.instance are required for the evolution outbound")
		}
	default:
		return fmt.Errorf("unknown gateway.outbound %q", c.Gateway.Outbound)
	}

	if c.Gateway.MaxConcurrent < 0 {
		return fmt.Errorf("gateway.maxConcurrent must be >= 0")
	}
	if c.WhatsApp.ReconnectMaxDelay < c.WhatsApp.ReconnectBaseDelay {
		return fmt.Errorf("whatsapp.reconnectMaxDelay must be >= reconnectBaseDelay")
	}

	for i, r := range c.Routes.Seed {
		if r.ChannelID == "" || r.AgentEndpoint == "" {
			return fmt.Errorf("routes.seed[%d]: channelId and agentEndpoint are required", i)
		}
	}
	return nil
}
