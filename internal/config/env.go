package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Secrets are read from the environment so config files can be committed.
// A non-empty variable overrides the file value.
type Secrets struct {
	AdminToken    string            `env:"RELAY_ADMIN_TOKEN"`
	TelegramToken string            `env:"RELAY_TELEGRAM_TOKEN"`
	RedisURL      string            `env:"RELAY_REDIS_URL"`
	RedisPassword string            `env:"RELAY_REDIS_PASSWORD"`
	DeviceTokens  map[string]string `env:"RELAY_DEVICE_TOKENS" envSeparator:"," envKeyValSeparator:"="`
	LogLevel      string            `env:"RELAY_LOG_LEVEL"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ReadSecrets parses the environment.
func ReadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, err
	}
	return s, nil
}

// Overlay copies non-empty secrets into cfg.
func (s Secrets) Overlay(cfg *Config) {
	if cfg == nil {
		return
	}
	if s.AdminToken != "" {
		cfg.Admin.Token = s.AdminToken
	}
	if s.TelegramToken != "" {
		cfg.Alerts.Telegram.Token = s.TelegramToken
	}
	if s.RedisURL != "" {
		cfg.Storage.Redis.URL = s.RedisURL
	}
	if s.RedisPassword != "" {
		cfg.Storage.Redis.Password = s.RedisPassword
	}
	if s.LogLevel != "" {
		cfg.Logging.Level = s.LogLevel
	}
	for i := range cfg.Devices {
		if tok := s.DeviceTokens[cfg.Devices[i].ID]; tok != "" {
			cfg.Devices[i].Token = tok
		}
	}
}
