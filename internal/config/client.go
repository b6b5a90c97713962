package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Client is the configuration of the messaging client.
type Client struct {
	Env              string
	LogLevel         string
	ServerURL        string
	Token            string
	TokenFile        string
	DatabaseID       string
	PageSize         int
	ReconnectBase    time.Duration
	ReconnectMax     int
	SubscribeDelay   time.Duration
	PresenceTimeout  time.Duration
	PresenceInterval time.Duration
	UsersRefresh     time.Duration
}

func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	cfg := &Client{
		Env:          getEnv("PARLEY_ENV", "dev"),
		LogLevel:     getEnv("LOG_LEVEL", "warn"),
		ServerURL:    strings.TrimRight(getEnv("PARLEY_SERVER", "http://localhost:8080"), "/"),
		Token:        strings.TrimSpace(getEnv("PARLEY_TOKEN", "")),
		TokenFile:    getEnv("PARLEY_TOKEN_FILE", defaultTokenFile()),
		DatabaseID:   getEnv("DATABASE_ID", "parley"),
		PageSize:     parseIntWithDefault(getEnv("PAGE_SIZE", ""), 20),
		ReconnectMax: parseIntWithDefault(getEnv("RECONNECT_MAX_ATTEMPTS", ""), 3),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"RECONNECT_BASE", "2s", &cfg.ReconnectBase},
		{"SUBSCRIBE_DELAY", "1s", &cfg.SubscribeDelay},
		{"PRESENCE_TIMEOUT", "5s", &cfg.PresenceTimeout},
		{"PRESENCE_INTERVAL", "30s", &cfg.PresenceInterval},
		{"USERS_REFRESH", "30s", &cfg.UsersRefresh},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.fallback)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Client) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("PARLEY_SERVER is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be greater than 0")
	}
	if c.ReconnectMax <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be greater than 0")
	}
	if c.ReconnectBase <= 0 || c.PresenceTimeout <= 0 || c.PresenceInterval <= 0 {
		return fmt.Errorf("RECONNECT_BASE, PRESENCE_TIMEOUT and PRESENCE_INTERVAL must be greater than 0")
	}
	if c.SubscribeDelay < 0 || c.UsersRefresh < 0 {
		return fmt.Errorf("SUBSCRIBE_DELAY and USERS_REFRESH must not be negative")
	}
	return nil
}

// defaultTokenFile is where login keeps the session token between runs.
func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".parley-token"
	}
	return filepath.Join(dir, "parley", "token")
}
