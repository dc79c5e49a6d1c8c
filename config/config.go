package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3002"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	StorageType      string `env:"STORAGE_TYPE"`
	LocalStoragePath string `env:"LOCAL_STORAGE_PATH" envDefault:"./data"`
	DataSourceName   string `env:"DATA_SOURCE_NAME" envDefault:"cloudvault.db"`
	S3BucketName     string `env:"S3_BUCKET_NAME"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"168h"`

	OIDCIssuerURL      string `env:"OIDC_ISSUER_URL"`
	OIDCClientID       string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret   string `env:"OIDC_CLIENT_SECRET"`
	OIDCRedirectURL    string `env:"OIDC_REDIRECT_URL"`
	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string `env:"GITHUB_REDIRECT_URL"`
	FrontendURL        string `env:"FRONTEND_URL" envDefault:"/"`

	AuthVerifyTimeout time.Duration `env:"AUTH_VERIFY_TIMEOUT" envDefault:"5s"`
	CollabEventRate   float64       `env:"COLLAB_EVENT_RATE" envDefault:"50"`
	CollabEventBurst  int           `env:"COLLAB_EVENT_BURST" envDefault:"100"`
	CollabMaxChanges  int           `env:"COLLAB_MAX_CHANGES" envDefault:"1000"`
	MaxBufferSize     int64         `env:"SOCKETIO_MAX_BUFFER_SIZE" envDefault:"1000000"`

	ShareLinkTTL time.Duration `env:"SHARE_LINK_TTL" envDefault:"24h"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:","`

	// BillingAPIURL points at the payment backend. Billing routes answer 501
	// while it is empty.
	BillingAPIURL   string            `env:"BILLING_API_URL"`
	BillingAPIKey   string            `env:"BILLING_API_KEY"`
	BillingTimeout  time.Duration     `env:"BILLING_TIMEOUT" envDefault:"10s"`
	BillingPriceIDs map[string]string `env:"BILLING_PRICE_IDS" envSeparator:"," envKeyValSeparator:":"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.CollabEventRate < 0 {
		return nil, fmt.Errorf("COLLAB_EVENT_RATE must not be negative")
	}
	if cfg.CollabMaxChanges < 0 {
		return nil, fmt.Errorf("COLLAB_MAX_CHANGES must not be negative")
	}
	return cfg, nil
}

func (c *Config) BillingEnabled() bool {
	return c.BillingAPIURL != ""
}

func (c *Config) OIDCEnabled() bool {
	return c.OIDCIssuerURL != "" && c.OIDCClientID != ""
}

func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}
