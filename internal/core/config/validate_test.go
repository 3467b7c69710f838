package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a Config with all required fields set for testing.
func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.applyDefaults()
	return &cfg
}

func hasField(fieldErrs criterio.FieldErrors, field string) bool {
	for _, fe := range fieldErrs {
		if fe.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig(t)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{
			name:   "empty data dir",
			mutate: func(c *Config) { c.DataDir = "" },
			field:  "data_dir",
		},
		{
			name:   "base url wrong scheme",
			mutate: func(c *Config) { c.Backend.BaseURL = "ftp://example.com" },
			field:  "backend.base_url",
		},
		{
			name:   "websocket url wrong scheme",
			mutate: func(c *Config) { c.Backend.WebSocketURL = "http://example.com/ws" },
			field:  "backend.websocket_url",
		},
		{
			name:   "negative resolve timeout",
			mutate: func(c *Config) { c.Timeouts.Resolve = -time.Second },
			field:  "timeouts.resolve",
		},
		{
			name:   "relative topic prefix",
			mutate: func(c *Config) { c.Transport.TopicPrefix = "topic/conversations" },
			field:  "transport.topic_prefix",
		},
		{
			name:   "relative send destination",
			mutate: func(c *Config) { c.Transport.SendDestination = "app/sendMessage" },
			field:  "transport.send_destination",
		},
		{
			name: "initial interval above max",
			mutate: func(c *Config) {
				c.Reconnect.InitialInterval = time.Minute
				c.Reconnect.MaxInterval = time.Second
			},
			field: "reconnect.initial_interval",
		},
		{
			name:   "unknown clear policy",
			mutate: func(c *Config) { c.Chat.ClearOnSend = "never" },
			field:  "chat.clear_on_send",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()

			var fieldErrs criterio.FieldErrors
			require.ErrorAs(t, err, &fieldErrs)
			assert.True(t, hasField(fieldErrs, tt.field), "expected error for %s, got %v", tt.field, fieldErrs)
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.DataDir = ""
	cfg.Chat.ClearOnSend = "never"

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, cfg.Validate(), &fieldErrs)
	assert.Len(t, fieldErrs, 2)
}

func TestValidateDeep_DataDirIsFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "notadir")
	require.NoError(t, os.WriteFile(tmpFile, []byte("test"), 0o644))

	cfg := validConfig(t)
	cfg.DataDir = tmpFile

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, cfg.ValidateDeep(""), &fieldErrs)
	assert.True(t, hasField(fieldErrs, "data_dir"), "expected error about data dir")
}

func TestValidateDeep_ConfigFileIsDirectory(t *testing.T) {
	cfg := validConfig(t)

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, cfg.ValidateDeep(t.TempDir()), &fieldErrs)
	assert.True(t, hasField(fieldErrs, "config_file"), "expected error about config file being a directory")
}

func TestValidateDeep_MissingConfigFileIsFine(t *testing.T) {
	cfg := validConfig(t)
	assert.NoError(t, cfg.ValidateDeep(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestWarnings(t *testing.T) {
	cfg := validConfig(t)

	categories := map[string]bool{}
	for _, w := range cfg.Warnings() {
		categories[w.Category+"/"+w.Item] = true
	}
	assert.True(t, categories["Backend/token"], "expected warning about missing token")
	assert.True(t, categories["User/username"], "expected warning about missing username")

	cfg.Backend.Token = "abc"
	cfg.Reconnect.Enabled = true
	for _, w := range cfg.Warnings() {
		assert.NotEqual(t, "token", w.Item)
		assert.NotEqual(t, "Reconnect", w.Category)
	}
}
