// Package config handles configuration loading and validation for dmchat.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Compose field policies for the chat view.
const (
	ClearOptimistic = "optimistic"
	ClearConfirmed  = "confirmed"
)

// Config holds the application configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	User      UserConfig      `yaml:"user"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Transport TransportConfig `yaml:"transport"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Directory DirectoryConfig `yaml:"directory"`
	Chat      ChatConfig      `yaml:"chat"`
	DataDir   string          `yaml:"-"` // set by caller, not from config file
}

// BackendConfig locates the REST API and the messaging endpoint.
type BackendConfig struct {
	// BaseURL is the REST API root, e.g. http://localhost:8080.
	BaseURL string `yaml:"base_url"`
	// WebSocketURL is the STOMP endpoint. Derived from BaseURL when empty.
	WebSocketURL string `yaml:"websocket_url"`
	// Token is the bearer token sent with every request.
	Token string `yaml:"token"`
}

// UserConfig identifies the local participant.
type UserConfig struct {
	// Username of the local participant. Read from the token when empty.
	Username string `yaml:"username"`
}

// TimeoutConfig bounds the blocking network operations.
type TimeoutConfig struct {
	Resolve time.Duration `yaml:"resolve"`
	Connect time.Duration `yaml:"connect"`
	Publish time.Duration `yaml:"publish"`
}

// TransportConfig tunes the STOMP session.
type TransportConfig struct {
	Host            string        `yaml:"host"`
	HeartBeatSend   time.Duration `yaml:"heartbeat_send"`
	HeartBeatRecv   time.Duration `yaml:"heartbeat_recv"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	SendDestination string        `yaml:"send_destination"`
	// Receipts requests a broker receipt for each publish.
	Receipts bool `yaml:"receipts"`
}

// ReconnectConfig controls automatic reconnection after connection loss.
type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DirectoryConfig controls username lookups.
type DirectoryConfig struct {
	// CacheTTL caches successful lookups. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ChatConfig controls the interactive chat view.
type ChatConfig struct {
	// Markdown renders message bodies as markdown.
	Markdown bool `yaml:"markdown"`
	// ClearOnSend is either "optimistic" or "confirmed".
	ClearOnSend string `yaml:"clear_on_send"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
		},
		Timeouts: TimeoutConfig{
			Resolve: 10 * time.Second,
			Connect: 15 * time.Second,
			Publish: 10 * time.Second,
		},
		Transport: TransportConfig{
			Host:            "/",
			HeartBeatSend:   10 * time.Second,
			HeartBeatRecv:   10 * time.Second,
			TopicPrefix:     "/topic/conversations/",
			SendDestination: "/app/sendMessage",
		},
		Reconnect: ReconnectConfig{
			Enabled:         false,
			MaxAttempts:     5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     15 * time.Second,
		},
		Directory: DirectoryConfig{
			CacheTTL: 5 * time.Minute,
		},
		Chat: ChatConfig{
			Markdown:    false,
			ClearOnSend: ClearOptimistic,
		},
	}
}

// Load reads configuration from the given path and sets the data directory.
// If configPath is empty or doesn't exist, returns defaults with the provided dataDir.
func Load(configPath, dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.DataDir = dataDir

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}

			// Re-set dataDir since Unmarshal may have cleared it
			cfg.DataDir = dataDir
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Override applies command line values on top of the loaded file. Empty
// values leave the file value in place. The result is re-validated.
func (c *Config) Override(baseURL, token, username string) error {
	if baseURL != "" {
		c.Backend.BaseURL = baseURL
		c.Backend.WebSocketURL = ""
	}
	if token != "" {
		c.Backend.Token = token
	}
	if username != "" {
		c.User.Username = username
	}

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Backend.WebSocketURL == "" {
		c.Backend.WebSocketURL = deriveWebSocketURL(c.Backend.BaseURL)
	}
	if c.Timeouts.Resolve == 0 {
		c.Timeouts.Resolve = defaults.Timeouts.Resolve
	}
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = defaults.Timeouts.Connect
	}
	if c.Timeouts.Publish == 0 {
		c.Timeouts.Publish = defaults.Timeouts.Publish
	}
	if c.Transport.TopicPrefix == "" {
		c.Transport.TopicPrefix = defaults.Transport.TopicPrefix
	}
	if c.Transport.SendDestination == "" {
		c.Transport.SendDestination = defaults.Transport.SendDestination
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = defaults.Reconnect.MaxAttempts
	}
	if c.Reconnect.InitialInterval == 0 {
		c.Reconnect.InitialInterval = defaults.Reconnect.InitialInterval
	}
	if c.Reconnect.MaxInterval == 0 {
		c.Reconnect.MaxInterval = defaults.Reconnect.MaxInterval
	}
	if c.Chat.ClearOnSend == "" {
		c.Chat.ClearOnSend = defaults.Chat.ClearOnSend
	}
}

// deriveWebSocketURL maps http(s)://host/base to ws(s)://host/base/ws.
func deriveWebSocketURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return ""
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// ActivityDir returns the directory holding the activity journal.
func (c *Config) ActivityDir() string {
	return filepath.Join(c.DataDir, "activity")
}

// RecentFile returns the path to the recent peers JSON file.
func (c *Config) RecentFile() string {
	return filepath.Join(c.DataDir, "recent.json")
}
