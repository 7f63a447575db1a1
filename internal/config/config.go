// Package config handles gatehouse configuration loading and validation.
//
// Everything comes from the environment; a .env file in the working
// directory is folded in first when present.
package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the top-level gatehouse configuration.
type Config struct {
	Server  ServerConfig
	Auth    AuthConfig
	Sandbox SandboxConfig
	Storage StorageConfig
	Logging LoggingConfig
}

// ServerConfig defines the listener and public-facing settings.
type ServerConfig struct {
	Port      string // listen port; default "3000"
	PublicURL string // external base URL; decides the Secure cookie flag
	UIDir     string // built chat UI files; "" serves no static UI
}

// AuthConfig holds the secrets and the single allowed identity.
type AuthConfig struct {
	AppSecret          string // >= 32 chars; cookie and ticket MACs
	EncryptionKey      string // 64 hex chars; token storage AEAD key
	GoogleClientID     string
	GoogleClientSecret string
	AllowedEmail       string // the only identity allowed through login
}

// SandboxConfig defines the agent sandbox.
type SandboxConfig struct {
	WrapperPath string // executable that pipes stdio into the sandbox
	Container   string // sandbox container name
	Image       string // image used when the container must be created
	Workspace   string // host dir bind-mounted at /workspace; "" = none
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // "json" or "text"
}

// FromEnv loads .env when present, then assembles and validates the
// configuration. All missing required variables are reported in one error.
func FromEnv() (*Config, error) {
	// A missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:      os.Getenv("PORT"),
			PublicURL: os.Getenv("GATEHOUSE_PUBLIC_URL"),
			UIDir:     os.Getenv("GATEHOUSE_UI_DIR"),
		},
		Auth: AuthConfig{
			AppSecret:          os.Getenv("GATEHOUSE_APP_SECRET"),
			EncryptionKey:      os.Getenv("GATEHOUSE_ENCRYPTION_KEY"),
			GoogleClientID:     os.Getenv("GATEHOUSE_GOOGLE_CLIENT_ID"),
			GoogleClientSecret: os.Getenv("GATEHOUSE_GOOGLE_CLIENT_SECRET"),
			AllowedEmail:       os.Getenv("GATEHOUSE_ALLOWED_EMAIL"),
		},
		Sandbox: SandboxConfig{
			WrapperPath: os.Getenv("GATEHOUSE_WRAPPER_PATH"),
			Container:   os.Getenv("GATEHOUSE_SANDBOX_CONTAINER"),
			Image:       os.Getenv("GATEHOUSE_SANDBOX_IMAGE"),
			Workspace:   os.Getenv("GATEHOUSE_WORKSPACE"),
		},
		Storage: StorageConfig{
			Driver: os.Getenv("GATEHOUSE_DB_DRIVER"),
			DSN:    os.Getenv("GATEHOUSE_DB_DSN"),
		},
		Logging: LoggingConfig{
			Level:  os.Getenv("GATEHOUSE_LOG_LEVEL"),
			Format: os.Getenv("GATEHOUSE_LOG_FORMAT"),
		},
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	for _, v := range []struct{ name, value string }{
		{"GATEHOUSE_APP_SECRET", c.Auth.AppSecret},
		{"GATEHOUSE_ENCRYPTION_KEY", c.Auth.EncryptionKey},
		{"GATEHOUSE_GOOGLE_CLIENT_ID", c.Auth.GoogleClientID},
		{"GATEHOUSE_GOOGLE_CLIENT_SECRET", c.Auth.GoogleClientSecret},
		{"GATEHOUSE_ALLOWED_EMAIL", c.Auth.AllowedEmail},
		{"GATEHOUSE_PUBLIC_URL", c.Server.PublicURL},
	} {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if len(c.Auth.AppSecret) < 32 {
		return fmt.Errorf("GATEHOUSE_APP_SECRET must be at least 32 characters")
	}
	if key, err := hex.DecodeString(c.Auth.EncryptionKey); err != nil || len(key) != 32 {
		return fmt.Errorf("GATEHOUSE_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}
	u, err := url.ParseRequestURI(c.Server.PublicURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("GATEHOUSE_PUBLIC_URL is not a valid URL: %q", c.Server.PublicURL)
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Server.Port)
	}
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("GATEHOUSE_DB_DRIVER must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "3000"
	}
	if c.Sandbox.WrapperPath == "" {
		c.Sandbox.WrapperPath = "./claude-wrapper.sh"
	}
	if c.Sandbox.Container == "" {
		c.Sandbox.Container = "gatehouse-sandbox"
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "gatehouse-sandbox:latest"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "gatehouse.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Server.Port
}

// SecureCookies reports whether session cookies should carry the Secure
// flag, which follows the public URL scheme.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.Server.PublicURL, "https://")
}

// OAuthCallbackURL is the Google redirect target under the public URL.
func (c *Config) OAuthCallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/api/auth/callback"
}
