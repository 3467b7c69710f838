package commands

import (
	"os"
	"path/filepath"

	"github.com/hay-kot/dmchat/internal/core/config"
	"github.com/hay-kot/dmchat/internal/dmchat"
)

type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	DataDir    string

	// Command line overrides applied on top of the config file
	BackendURL string
	Token      string
	Username   string

	// Config is loaded in the Before hook and available to all commands
	Config *config.Config

	// Service opens sessions and answers directory queries. Built in the
	// Before hook from Config.
	Service *dmchat.Service
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/dmchat/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "dmchat", "config.yaml")
}

// DefaultDataDir returns $XDG_DATA_HOME/dmchat, where recent peers and the
// activity journal live.
func DefaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "dmchat")
}

// xdgDir returns the directory named by env, falling back to fallback under
// the home directory.
func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, fallback)
}
