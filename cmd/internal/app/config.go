package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"inbox/cmd/internal/feed"
	"inbox/cmd/internal/messages"
	"inbox/cmd/security/signature"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	WebhookSecret         string `env:"WEBHOOK_SECRET,required=true"`
	WebhookSecretMinBytes int    `env:"WEBHOOK_SECRET_MIN_BYTES,default=1"`
	SignatureHeader       string `env:"SIGNATURE_HEADER,default=X-Signature"`
	WebhookMaxBodyBytes   int    `env:"WEBHOOK_MAX_BODY_BYTES,default=65536"`

	DatabaseURL   string `env:"DATABASE_URL,default=sqlite://./data/app.db"`
	DBMaxConns    int    `env:"DB_MAX_CONNS,default=10"`
	DBMinConns    int    `env:"DB_MIN_CONNS,default=0"`
	DBAutoMigrate bool   `env:"DB_AUTO_MIGRATE,default=true"`
	DBSchema      string `env:"DB_SCHEMA,default=public"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	HTTPAddr          string        `env:"HTTP_ADDR,default=0.0.0.0:8000"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT,default=15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT,default=60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES,default=1048576"`

	FeedEnabled bool `env:"FEED_ENABLED,default=true"`
	// Comma-separated full origins or bare hosts. The tag syntax cannot carry a
	// comma, so the default is applied in normalize.
	FeedAllowedOrigins string `env:"FEED_ALLOWED_ORIGINS"`
	FeedSendQueue      int    `env:"FEED_SEND_QUEUE,default=64"`

	// Empty disables the /ui/ dashboard.
	UIDir string `env:"UI_DIR"`
}

// LoadConfig loads Config from the process environment. A .env file in the
// working directory is applied first; variables already set win.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg.normalize(), nil
}

// ConfigFromEnvSet decodes Config from an explicit variable set.
func ConfigFromEnvSet(es env.EnvSet) (Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg.normalize(), nil
}

func (c Config) normalize() Config {
	c.WebhookSecret = strings.TrimSpace(c.WebhookSecret)
	c.SignatureHeader = strings.TrimSpace(c.SignatureHeader)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.DBSchema = strings.TrimSpace(c.DBSchema)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.UIDir = strings.TrimSpace(c.UIDir)
	if c.SignatureHeader == "" {
		c.SignatureHeader = signature.DefaultHeader
	}
	if strings.TrimSpace(c.FeedAllowedOrigins) == "" {
		c.FeedAllowedOrigins = feed.DefaultAllowedOrigins
	}
	return c
}

// AllowedOrigins splits FeedAllowedOrigins.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.FeedAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// ValidateConfig fails fast on settings the server cannot run with.
func ValidateConfig(cfg Config) error {
	var errs []error

	if err := ValidateSecurityConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := messages.ParseDSN(cfg.DatabaseURL); err != nil {
		errs = append(errs, fmt.Errorf("DATABASE_URL: %w", err))
	}
	switch cfg.LogFormat {
	case "", logFormatJSON, logFormatPretty:
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unknown format %q (json|pretty)", cfg.LogFormat))
	}
	if cfg.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR: empty"))
	}
	if cfg.DBMinConns > cfg.DBMaxConns && cfg.DBMaxConns > 0 {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", cfg.DBMinConns, cfg.DBMaxConns))
	}
	if cfg.UIDir != "" {
		if fi, err := os.Stat(cfg.UIDir); err != nil || !fi.IsDir() {
			errs = append(errs, fmt.Errorf("UI_DIR: %q is not a directory", cfg.UIDir))
		}
	}

	return errors.Join(errs...)
}
