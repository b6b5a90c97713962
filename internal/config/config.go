package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendBbolt = "bbolt"
	BackendMongo = "mongo"
)

type Config struct {
	Env           string
	LogLevel      string
	DBFile        string
	AdminAddr     string
	APIAddr       string
	BaseURL       string
	AuthSecret    string
	TokenExpiry   time.Duration
	Backend       string
	MongoURI      string
	MongoDatabase string
	DatabaseID    string
	WriteRate     float64
	WriteBurst    int
}

// Load reads the server configuration. An optional .env file in the working
// directory is applied first; variables already set in the environment win.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load()

	tokenExpiry, err := parseDuration("TOKEN_EXPIRY", "24h")
	if err != nil {
		return nil, err
	}

	writeRate, err := strconv.ParseFloat(getEnv("WRITE_RATE", "20"), 64)
	if err != nil {
		return nil, fmt.Errorf("WRITE_RATE: %w", err)
	}

	cfg := &Config{
		Env:           getEnv("PARLEY_ENV", "dev"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DBFile:        getEnv("PARLEY_DB", "parley.db"),
		AdminAddr:     getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		BaseURL:       getEnv("BASE_URL", "http://localhost:8080"),
		AuthSecret:    os.Getenv("AUTH_SECRET"),
		TokenExpiry:   tokenExpiry,
		Backend:       strings.ToLower(strings.TrimSpace(getEnv("STORE_BACKEND", BackendBbolt))),
		MongoURI:      strings.TrimSpace(os.Getenv("MONGO_URI")),
		MongoDatabase: getEnv("MONGO_DATABASE", "parley"),
		DatabaseID:    getEnv("DATABASE_ID", "parley"),
		WriteRate:     writeRate,
		WriteBurst:    parseIntWithDefault(os.Getenv("WRITE_BURST"), 40),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	switch c.Backend {
	case BackendBbolt:
	case BackendMongo:
		if c.MongoURI == "" && !cliMode {
			return fmt.Errorf("MONGO_URI is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Backend)
	}

	if c.DatabaseID == "" {
		return fmt.Errorf("DATABASE_ID is required")
	}

	if c.WriteRate <= 0 || c.WriteBurst <= 0 {
		return fmt.Errorf("WRITE_RATE and WRITE_BURST must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(getEnv(key, fallback)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseIntWithDefault(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
