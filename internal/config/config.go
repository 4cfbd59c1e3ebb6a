package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config is the relay server configuration.
type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	AuthSecret  string
	TokenExpiry time.Duration
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "720h"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:      getEnv("PRIVCHAT_DB", "privchat.db"),
		AdminAddr:   getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:     getEnv("API_ADDR", ":8080"),
		BaseURL:     strings.TrimSuffix(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		AuthSecret:  os.Getenv("AUTH_SECRET"),
		TokenExpiry: tokenExpiry,
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

	if c.AdminAddr == "" || (c.APIAddr == "" && !cliMode) {
		return fmt.Errorf("ADMIN_ADDR and API_ADDR must not be empty")
	}

	// Clients are pointed at BASE_URL and derive the stream URL from it.
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid BASE_URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BASE_URL must be an absolute http(s) URL, got %q", c.BaseURL)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
