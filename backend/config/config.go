// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads hearthd's configuration: defaults, then an optional
// YAML file, then HEARTH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/efchatnet/hearth/backend/models"
)

const EnvPrefix = "HEARTH"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	ListenAddr  string   `yaml:"listenAddr"  envconfig:"LISTEN_ADDR"`
	DatabaseURL string   `yaml:"databaseUrl" envconfig:"DATABASE_URL"`
	RedisAddr   string   `yaml:"redisAddr"   envconfig:"REDIS_ADDR"`
	JWTSecret   string   `yaml:"jwtSecret"   envconfig:"JWT_SECRET"`
	JWTIssuer   string   `yaml:"jwtIssuer"   envconfig:"JWT_ISSUER"`
	CORSOrigins []string `yaml:"corsOrigins" envconfig:"CORS_ORIGINS"`
	LogLevel    string   `yaml:"logLevel"    envconfig:"LOG_LEVEL"`

	// HouseholdSecretKey is the hex secret key events are signed with. The
	// household key is derived from it.
	HouseholdSecretKey string `yaml:"householdSecretKey" envconfig:"HOUSEHOLD_SECRET_KEY"`
	// GroupSeed is hex key material for the local group provider.
	GroupSeed string `yaml:"groupSeed" envconfig:"GROUP_SEED"`

	Relays           []string `yaml:"relays"           envconfig:"RELAYS"`
	ModerationRelays []string `yaml:"moderationRelays" envconfig:"MODERATION_RELAYS"`
	ModeratorKeys    []string `yaml:"moderatorKeys"    envconfig:"MODERATOR_KEYS"`

	DiscoveryPollInterval time.Duration `yaml:"discoveryPollInterval" envconfig:"DISCOVERY_POLL_INTERVAL"`
	PrimaryTimeout        time.Duration `yaml:"primaryTimeout"        envconfig:"PRIMARY_TIMEOUT"`
	AuxiliaryTimeout      time.Duration `yaml:"auxiliaryTimeout"      envconfig:"AUXILIARY_TIMEOUT"`

	MediaRoot string `yaml:"mediaRoot" envconfig:"MEDIA_ROOT"`

	// AuditRetention of zero keeps audit entries forever.
	AuditRetention     time.Duration `yaml:"auditRetention"     envconfig:"AUDIT_RETENTION"`
	AuditPruneInterval time.Duration `yaml:"auditPruneInterval" envconfig:"AUDIT_PRUNE_INTERVAL"`

	EventLedgerTTL      time.Duration `yaml:"eventLedgerTtl"      envconfig:"EVENT_LEDGER_TTL"`
	NotifyChannelPrefix string        `yaml:"notifyChannelPrefix" envconfig:"NOTIFY_CHANNEL_PREFIX"`

	// DevMode runs against an in-process relay network and in-memory
	// storage, with generated keys.
	DevMode bool `yaml:"devMode" envconfig:"DEV_MODE"`
}

func Default() *Config {
	return &Config{
		ListenAddr:            ":8081",
		DatabaseURL:           "postgres://localhost/hearth?sslmode=disable",
		RedisAddr:             "localhost:6379",
		JWTIssuer:             "hearth",
		LogLevel:              "info",
		DiscoveryPollInterval: 500 * time.Millisecond,
		PrimaryTimeout:        8 * time.Second,
		AuxiliaryTimeout:      3 * time.Second,
		MediaRoot:             "media",
		AuditPruneInterval:    time.Hour,
		EventLedgerTTL:        7 * 24 * time.Hour,
		NotifyChannelPrefix:   "hearth",
	}
}

// LoadConfig builds the configuration. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: %w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return invalid("listenAddr is required")
	}
	if !c.DevMode {
		if len(c.Relays) == 0 {
			return invalid("at least one relay is required")
		}
		if c.JWTSecret == "" {
			return invalid("jwtSecret is required")
		}
		if c.HouseholdSecretKey == "" {
			return invalid("householdSecretKey is required")
		}
	}
	for _, url := range c.ModerationRelays {
		if slices.Contains(c.Relays, url) {
			return invalid("moderation relay %s is also a household relay", url)
		}
	}
	if len(c.ModerationRelays) > 0 && len(c.ModeratorKeys) == 0 {
		return invalid("moderationRelays need at least one moderator key")
	}
	for _, key := range c.ModeratorKeys {
		if !models.ValidHouseholdKey(key) {
			return invalid("moderator key %q is not a 64 character hex key", key)
		}
	}
	if c.DiscoveryPollInterval <= 0 || c.PrimaryTimeout <= 0 || c.AuxiliaryTimeout <= 0 {
		return invalid("discovery intervals must be positive")
	}
	if c.AuditRetention < 0 {
		return invalid("auditRetention must not be negative")
	}
	if c.AuditRetention > 0 && c.AuditPruneInterval <= 0 {
		return invalid("auditPruneInterval must be positive")
	}
	if c.EventLedgerTTL <= 0 {
		return invalid("eventLedgerTtl must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return invalid("logLevel %q", c.LogLevel)
	}
	return nil
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}
