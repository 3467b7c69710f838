package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hay-kot/criterio"
)

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// Validate checks that the configuration is valid. All problems are reported
// together as criterio.FieldErrors.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if c.DataDir == "" {
		errs = errs.Append("data_dir", fmt.Errorf("data directory cannot be empty"))
	}

	if err := validateURL(c.Backend.BaseURL, "http", "https"); err != nil {
		errs = errs.Append("backend.base_url", err)
	}
	if err := validateURL(c.Backend.WebSocketURL, "ws", "wss"); err != nil {
		errs = errs.Append("backend.websocket_url", err)
	}

	errs = appendPositive(errs, "timeouts.resolve", c.Timeouts.Resolve)
	errs = appendPositive(errs, "timeouts.connect", c.Timeouts.Connect)
	errs = appendPositive(errs, "timeouts.publish", c.Timeouts.Publish)

	if c.Transport.HeartBeatSend < 0 {
		errs = errs.Append("transport.heartbeat_send", fmt.Errorf("must not be negative"))
	}
	if c.Transport.HeartBeatRecv < 0 {
		errs = errs.Append("transport.heartbeat_recv", fmt.Errorf("must not be negative"))
	}
	if !strings.HasPrefix(c.Transport.TopicPrefix, "/") {
		errs = errs.Append("transport.topic_prefix", fmt.Errorf("must start with /"))
	}
	if !strings.HasPrefix(c.Transport.SendDestination, "/") {
		errs = errs.Append("transport.send_destination", fmt.Errorf("must start with /"))
	}

	if c.Reconnect.InitialInterval > c.Reconnect.MaxInterval {
		errs = errs.Append("reconnect.initial_interval", fmt.Errorf("must not exceed reconnect.max_interval"))
	}

	if c.Directory.CacheTTL < 0 {
		errs = errs.Append("directory.cache_ttl", fmt.Errorf("must not be negative"))
	}

	switch c.Chat.ClearOnSend {
	case ClearOptimistic, ClearConfirmed:
	default:
		errs = errs.Append("chat.clear_on_send", fmt.Errorf("must be %q or %q, got %q", ClearOptimistic, ClearConfirmed, c.Chat.ClearOnSend))
	}

	return errs.ToError()
}

// ValidateDeep performs Validate plus checks against the filesystem.
func (c *Config) ValidateDeep(configPath string) error {
	var errs criterio.FieldErrorsBuilder

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && info.IsDir() {
			errs = errs.Append("config_file", fmt.Errorf("%s is a directory, not a file", configPath))
		} else if err != nil && !os.IsNotExist(err) {
			errs = errs.Append("config_file", fmt.Errorf("cannot access %s: %w", configPath, err))
		}
	}

	if c.DataDir != "" {
		if info, err := os.Stat(c.DataDir); err == nil && !info.IsDir() {
			errs = errs.Append("data_dir", fmt.Errorf("%s is not a directory", c.DataDir))
		}
	}

	if err := c.Validate(); err != nil {
		var fieldErrs criterio.FieldErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = errs.Append(fe.Field, fe.Err)
			}
		} else {
			errs = errs.Append("", err)
		}
	}

	return errs.ToError()
}

// Warnings returns non-fatal configuration issues.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if c.Backend.Token == "" {
		warnings = append(warnings, ValidationWarning{
			Category: "Backend",
			Item:     "token",
			Message:  "no bearer token configured, requests are sent unauthenticated",
		})
	}

	if c.User.Username == "" && c.Backend.Token == "" {
		warnings = append(warnings, ValidationWarning{
			Category: "User",
			Item:     "username",
			Message:  "no username configured and no token to read it from",
		})
	}

	if strings.HasPrefix(c.Backend.WebSocketURL, "ws://") && strings.HasPrefix(c.Backend.BaseURL, "https://") {
		warnings = append(warnings, ValidationWarning{
			Category: "Backend",
			Item:     "websocket_url",
			Message:  "messaging endpoint is unencrypted while the API uses https",
		})
	}

	if !c.Reconnect.Enabled {
		warnings = append(warnings, ValidationWarning{
			Category: "Reconnect",
			Message:  "disabled, a dropped connection ends message delivery until the next peer selection",
		})
	}

	return warnings
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s, got %q", strings.Join(schemes, ", "), u.Scheme)
}

func appendPositive(errs criterio.FieldErrorsBuilder, field string, d time.Duration) criterio.FieldErrorsBuilder {
	if d <= 0 {
		return errs.Append(field, fmt.Errorf("must be positive"))
	}
	return errs
}
