package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "PRIVCHAT"

	KeyServerURL                = "server_url"
	KeyToken                    = "token"
	KeyUserID                   = "user_id"
	KeyReconnectMaxRetries      = "reconnect_max_retries"
	KeyReconnectInitialInterval = "reconnect_initial_interval"
	KeyReconnectMaxInterval     = "reconnect_max_interval"
	KeyRequestTimeout           = "request_timeout"
)

// Client is the chat client configuration.
type Client struct {
	ServerURL string
	Token     string
	UserID    string

	ReconnectMaxRetries      uint64
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	RequestTimeout           time.Duration
}

// SetClientDefaults registers defaults and environment binding on v.
// Environment variables use the PRIVCHAT_ prefix, e.g. PRIVCHAT_TOKEN.
func SetClientDefaults(v *viper.Viper) {
	v.SetDefault(KeyServerURL, "http://localhost:8080")
	v.SetDefault(KeyReconnectMaxRetries, 10)
	v.SetDefault(KeyReconnectInitialInterval, 500*time.Millisecond)
	v.SetDefault(KeyReconnectMaxInterval, 30*time.Second)
	v.SetDefault(KeyRequestTimeout, 15*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// LoadClient reads the client configuration from v. A config file is optional.
func LoadClient(v *viper.Viper) (*Client, error) {
	if v == nil {
		v = viper.New()
	}
	SetClientDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && v.ConfigFileUsed() != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Client{
		ServerURL:                strings.TrimRight(v.GetString(KeyServerURL), "/"),
		Token:                    v.GetString(KeyToken),
		UserID:                   v.GetString(KeyUserID),
		ReconnectMaxRetries:      v.GetUint64(KeyReconnectMaxRetries),
		ReconnectInitialInterval: v.GetDuration(KeyReconnectInitialInterval),
		ReconnectMaxInterval:     v.GetDuration(KeyReconnectMaxInterval),
		RequestTimeout:           v.GetDuration(KeyRequestTimeout),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Client) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", KeyServerURL, c.ServerURL)
	}
	if c.Token == "" {
		return fmt.Errorf("%s is required", KeyToken)
	}
	if c.UserID == "" {
		return fmt.Errorf("%s is required", KeyUserID)
	}
	if c.ReconnectInitialInterval <= 0 || c.ReconnectMaxInterval < c.ReconnectInitialInterval {
		return errors.New("reconnect intervals must be positive and max >= initial")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s must be greater than 0", KeyRequestTimeout)
	}
	return nil
}

// StreamURL is the websocket endpoint derived from ServerURL.
func (c *Client) StreamURL() string {
	u, _ := url.Parse(c.ServerURL)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}
