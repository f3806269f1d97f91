// Package config loads the storefront client configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/martlane/storefront/internal/domain"
)

// Config is the full client configuration.
type Config struct {
	API     APIConfig     `toml:"api"`
	Auth    AuthConfig    `toml:"auth"`
	Tracing TracingConfig `toml:"tracing"`
	Cart    CartConfig    `toml:"cart"`
	Storage StorageConfig `toml:"storage"`
	Log     LogConfig     `toml:"log"`
	Sandbox SandboxConfig `toml:"sandbox"`
}

// APIConfig locates the collaborating services.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
	// Services maps a logical service name to its path prefix under BaseURL.
	Services map[string]string `toml:"services"`
}

// AuthConfig names the durable credential entries and identity endpoints.
type AuthConfig struct {
	TokenKey        string   `toml:"token_key"`
	RefreshTokenKey string   `toml:"refresh_token_key"`
	UserKey         string   `toml:"user_key"`
	ExpiresAtKey    string   `toml:"expires_at_key"`
	IdentityPaths   []string `toml:"identity_paths"`
}

// TracingConfig controls correlation tagging.
type TracingConfig struct {
	CorrelationHeader string `toml:"correlation_header"`
	SessionKey        string `toml:"session_key"`
	MaxSpans          int    `toml:"max_spans"`
}

// CartConfig controls the cart manager.
type CartConfig struct {
	domain.DeliveryPolicy
	GuestSessionKey    string `toml:"guest_session_key"`
	GuestSessionHeader string `toml:"guest_session_header"`
}

// StorageConfig locates client state on disk.
type StorageConfig struct {
	Dir string `toml:"dir"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `toml:"level"`
}

// SandboxConfig controls the local sandbox backend.
type SandboxConfig struct {
	Listen    string `toml:"listen"`
	AccessTTL string `toml:"access_ttl"`
}

// DefaultConfig returns a configuration usable without any file.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://127.0.0.1:8787",
			Timeout: "15s",
			Services: map[string]string{
				"user":         "/user-service",
				"product":      "/product-service",
				"cart":         "/cart-service",
				"order":        "/order-service",
				"notification": "/notification-service",
			},
		},
		Auth: AuthConfig{
			TokenKey:        "mart_token",
			RefreshTokenKey: "mart_refresh_token",
			UserKey:         "mart_user",
			ExpiresAtKey:    "mart_token_expires_at",
			IdentityPaths: []string{
				"/auth/login",
				"/auth/register",
				"/auth/refresh",
				"/health",
			},
		},
		Tracing: TracingConfig{
			CorrelationHeader: "X-Correlation-Id",
			SessionKey:        "x-correlation-id",
			MaxSpans:          1000,
		},
		Cart: CartConfig{
			DeliveryPolicy:     domain.DefaultDeliveryPolicy(),
			GuestSessionKey:    "guestCartSession",
			GuestSessionHeader: "X-Guest-Session",
		},
		Storage: StorageConfig{Dir: DefaultHome()},
		Log:     LogConfig{Level: "info"},
		Sandbox: SandboxConfig{
			Listen:    "127.0.0.1:8787",
			AccessTTL: "15m",
		},
	}
}

// DefaultHome returns $MART_HOME or ~/.mart.
func DefaultHome() string {
	if env := os.Getenv("MART_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mart")
}

// DefaultPath returns the config file path inside the state directory.
func DefaultPath() string {
	return filepath.Join(DefaultHome(), "config.toml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	if _, err := parseDuration(c.API.Timeout, 0); err != nil {
		return fmt.Errorf("api.timeout: %w", err)
	}
	if strings.TrimSpace(c.Tracing.CorrelationHeader) == "" {
		return errors.New("tracing.correlation_header is required")
	}
	if c.Cart.FreeThreshold < 0 || c.Cart.FlatCharge < 0 {
		return errors.New("cart delivery values must not be negative")
	}
	return nil
}

// RequestTimeout returns the parsed API timeout (15s when unset).
func (c Config) RequestTimeout() time.Duration {
	d, err := parseDuration(c.API.Timeout, 15*time.Second)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// AccessTTL returns the sandbox access-token lifetime (15m when unset).
func (c Config) AccessTTL() time.Duration {
	d, err := parseDuration(c.Sandbox.AccessTTL, 15*time.Minute)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
