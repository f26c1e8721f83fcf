package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultConfigPath returns the resolved config file path using a fallback
// chain:
//
//  1. $BRIDGE_CONFIG environment variable (if set and non-empty)
//  2. $XDG_CONFIG_HOME/discordbridge/config.yaml (if XDG_CONFIG_HOME is set)
//  3. ~/.config/discordbridge/config.yaml
func DefaultConfigPath() string {
	if envPath := strings.TrimSpace(os.Getenv("BRIDGE_CONFIG")); envPath != "" {
		return envPath
	}

	return filepath.Join(xdgConfigHome(), "discordbridge", "config.yaml")
}

// DefaultDBPath returns the resolved database path using a fallback chain:
//
//  1. $XDG_DATA_HOME/discordbridge/bridge.db (if XDG_DATA_HOME is set)
//  2. ~/.local/share/discordbridge/bridge.db
func DefaultDBPath() string {
	return filepath.Join(xdgDataHome(), "discordbridge", "bridge.db")
}

// EnsureDir creates all parent directories for the given file path if they do
// not already exist. This is used to prepare config and data directories at
// startup.
func EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0o700)
}

func xdgConfigHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".config")
}

func xdgDataHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".local", "share")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}

	// fallback for unusual environments
	return "/tmp/discordbridge-" + strconv.Itoa(os.Getuid())
}
