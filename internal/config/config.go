// Package config loads and validates the bridge's YAML configuration:
// Matrix appservice registration details, Discord bot credentials, and the
// tunables for outbound pacing, retry, provisioning, and presence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultGhostPrefix            = "_discord_"
	defaultAliasPrefix            = "discord_"
	defaultBotLocalpart           = "discordbot"
	defaultListenHost             = "0.0.0.0"
	defaultListenPort             = 29318
	defaultWebhookName            = "bridge"
	defaultAdminListenAddr        = ":8080"
	defaultDiscordSendDelayMS     = 1500
	defaultRetryBaseDelaySeconds  = 2
	defaultRetryMaxDelaySeconds   = 300
	defaultMaxAttempts            = 5
	defaultProvisioningTimeoutSec = 300
	defaultPresenceMinIntervalMS  = 250
	defaultRoomCount              = -1
	defaultUnbridgeNamePrefix     = "[unbridged] "
)

// Config is the top-level decoded shape of config.yaml.
type Config struct {
	Matrix   MatrixConfig   `yaml:"matrix"`
	Discord  DiscordConfig  `yaml:"discord"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Admin    AdminConfig    `yaml:"admin"`
	Database DatabaseConfig `yaml:"database"`
}

// MatrixConfig holds the appservice registration and listener settings.
type MatrixConfig struct {
	HomeserverURL    string `yaml:"homeserver_url"`
	HomeserverDomain string `yaml:"homeserver_domain"`
	ASToken          string `yaml:"as_token"`
	HSToken          string `yaml:"hs_token"`
	BotLocalpart     string `yaml:"bot_localpart"`
	GhostPrefix      string `yaml:"ghost_prefix"`
	AliasPrefix      string `yaml:"alias_prefix"`
	ListenHost       string `yaml:"listen_host"`
	ListenPort       uint16 `yaml:"listen_port"`
}

// DiscordConfig holds the bot's Discord-side credentials.
type DiscordConfig struct {
	BotToken     string `yaml:"bot_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	WebhookName  string `yaml:"webhook_name"`
}

// BridgeConfig holds the engine's pacing, retry, provisioning, and
// presence tunables.
type BridgeConfig struct {
	DiscordSendDelayMS        int `yaml:"discord_send_delay_ms"`
	RetryBaseDelaySeconds     int `yaml:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds      int `yaml:"retry_max_delay_seconds"`
	MaxAttempts               int `yaml:"max_attempts"`
	ProvisioningTimeoutSeconds int `yaml:"provisioning_timeout_seconds"`
	PresenceMinIntervalMS     int `yaml:"presence_min_interval_ms"`

	// RoomCount caps the number of live RoomMappings a bridge request may
	// create; negative means unlimited. Zero (including an unset key) is
	// replaced by the default of -1, so a cap of zero rooms cannot be set.
	RoomCount int `yaml:"room_count"`
	// UnbridgeNamePrefix is prepended to a room's name when its bridge is
	// torn down via !discord unbridge / !matrix unbridge.
	UnbridgeNamePrefix string `yaml:"unbridge_name_prefix"`
	// DisableDeletionForwarding stops Discord message deletions (single and
	// bulk) from redacting the bridged Matrix event.
	DisableDeletionForwarding bool `yaml:"disable_deletion_forwarding"`
}

// AdminConfig holds the HTTP admin surface's listen address.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig holds the sqlite database path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ResolveCredential resolves a credential field's value: a bare value
// passes through unchanged, while a "$ENV_VAR" or "${ENV_VAR}" reference
// is resolved from the process environment.
func ResolveCredential(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errors.New("credential value cannot be empty")
	}

	if strings.HasPrefix(trimmed, "$") {
		envName := strings.TrimPrefix(trimmed, "$")
		envName = strings.TrimPrefix(envName, "{")
		envName = strings.TrimSuffix(envName, "}")
		envName = strings.TrimSpace(envName)
		if envName == "" {
			return "", errors.New("credential env reference is invalid")
		}

		resolved := strings.TrimSpace(os.Getenv(envName))
		if resolved == "" {
			return "", fmt.Errorf("environment variable %q is not set", envName)
		}

		return resolved, nil
	}

	return trimmed, nil
}

// Load reads, validates, and returns the config at path, applying the
// APPSERVICE_DISCORD_AUTH_* environment overrides afterward.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnvOverrides lets the three APPSERVICE_DISCORD_AUTH_* variables
// override their config counterparts, for deployments that prefer to keep
// credentials entirely out of config.yaml.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("APPSERVICE_DISCORD_AUTH_BOT_TOKEN")); v != "" {
		cfg.Discord.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("APPSERVICE_DISCORD_AUTH_CLIENT_ID")); v != "" {
		cfg.Discord.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("APPSERVICE_DISCORD_AUTH_CLIENT_SECRET")); v != "" {
		cfg.Discord.ClientSecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Matrix.BotLocalpart == "" {
		cfg.Matrix.BotLocalpart = defaultBotLocalpart
	}
	if cfg.Matrix.GhostPrefix == "" {
		cfg.Matrix.GhostPrefix = defaultGhostPrefix
	}
	if cfg.Matrix.AliasPrefix == "" {
		cfg.Matrix.AliasPrefix = defaultAliasPrefix
	}
	if cfg.Matrix.ListenHost == "" {
		cfg.Matrix.ListenHost = defaultListenHost
	}
	if cfg.Matrix.ListenPort == 0 {
		cfg.Matrix.ListenPort = defaultListenPort
	}

	if cfg.Discord.WebhookName == "" {
		cfg.Discord.WebhookName = defaultWebhookName
	}

	if cfg.Bridge.DiscordSendDelayMS <= 0 {
		cfg.Bridge.DiscordSendDelayMS = defaultDiscordSendDelayMS
	}
	if cfg.Bridge.RetryBaseDelaySeconds <= 0 {
		cfg.Bridge.RetryBaseDelaySeconds = defaultRetryBaseDelaySeconds
	}
	if cfg.Bridge.RetryMaxDelaySeconds <= 0 {
		cfg.Bridge.RetryMaxDelaySeconds = defaultRetryMaxDelaySeconds
	}
	if cfg.Bridge.MaxAttempts <= 0 {
		cfg.Bridge.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Bridge.ProvisioningTimeoutSeconds <= 0 {
		cfg.Bridge.ProvisioningTimeoutSeconds = defaultProvisioningTimeoutSec
	}
	if cfg.Bridge.PresenceMinIntervalMS <= 0 {
		cfg.Bridge.PresenceMinIntervalMS = defaultPresenceMinIntervalMS
	}
	if cfg.Bridge.RoomCount == 0 {
		cfg.Bridge.RoomCount = defaultRoomCount
	}
	if cfg.Bridge.UnbridgeNamePrefix == "" {
		cfg.Bridge.UnbridgeNamePrefix = defaultUnbridgeNamePrefix
	}

	if cfg.Admin.ListenAddr == "" {
		cfg.Admin.ListenAddr = defaultAdminListenAddr
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDBPath()
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Matrix.HomeserverURL) == "" {
		return errors.New("matrix.homeserver_url is required")
	}
	if strings.TrimSpace(cfg.Matrix.HomeserverDomain) == "" {
		return errors.New("matrix.homeserver_domain is required")
	}
	if _, err := ResolveCredential(cfg.Matrix.ASToken); err != nil {
		return fmt.Errorf("matrix.as_token: %w", err)
	}
	if _, err := ResolveCredential(cfg.Matrix.HSToken); err != nil {
		return fmt.Errorf("matrix.hs_token: %w", err)
	}
	if _, err := ResolveCredential(cfg.Discord.BotToken); err != nil {
		return fmt.Errorf("discord.bot_token: %w", err)
	}

	return nil
}
