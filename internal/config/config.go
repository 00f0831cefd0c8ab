package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.io/infrasutra/listingrelay/internal/listing"
)

const (
	RendererChrome = "chrome"
	RendererNone   = "none"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	SMTP      SMTPConfig
	Resolver  ResolverConfig
	Pipeline  PipelineConfig
	Composer  ComposerConfig
	Publisher PublisherConfig
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

type ServerConfig struct {
	HTTPPort int `envconfig:"HTTP_PORT" default:"3025"`
	SMTPPort int `envconfig:"SMTP_PORT" default:"2025"`
	// APIToken guards the /api routes. Empty leaves them open.
	APIToken string `envconfig:"API_TOKEN"`
}

type StorageConfig struct {
	// DBPath empty means an in-memory database.
	DBPath string `envconfig:"DB_PATH"`
	// LedgerDSN moves the posting ledger to Postgres when set.
	LedgerDSN       string `envconfig:"LEDGER_DSN"`
	MasterSecretKey string `envconfig:"MASTER_SECRET_KEY"`
}

type SMTPConfig struct {
	AuthEnabled bool   `envconfig:"SMTP_AUTH_ENABLED" default:"true"`
	Username    string `envconfig:"SMTP_USERNAME" default:"listingrelay"`
	Password    string `envconfig:"SMTP_PASSWORD" default:"listingrelay"`
}

type ResolverConfig struct {
	Site              string        `envconfig:"SITE" default:"mobile.de"`
	PageTimeout       time.Duration `envconfig:"PAGE_TIMEOUT" default:"20s"`
	RenderTimeout     time.Duration `envconfig:"RENDER_TIMEOUT" default:"15s"`
	ImageTimeout      time.Duration `envconfig:"IMAGE_TIMEOUT" default:"15s"`
	RateLimitCooldown time.Duration `envconfig:"RATE_LIMIT_COOLDOWN" default:"30s"`
	RequestRPS        float64       `envconfig:"REQUEST_RPS" default:"1"`
	UserAgent         string        `envconfig:"USER_AGENT"`
	Renderer          string        `envconfig:"RENDERER" default:"chrome"`
	ChromePath        string        `envconfig:"CHROME_PATH"`
}

type PipelineConfig struct {
	PublishInterval     time.Duration `envconfig:"PUBLISH_INTERVAL" default:"1s"`
	SweepInterval       time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	MessageWorkers      int           `envconfig:"MESSAGE_WORKERS" default:"1"`
	RequirePhotos       bool          `envconfig:"REQUIRE_PHOTOS" default:"true"`
	SkipForeignMessages bool          `envconfig:"SKIP_FOREIGN_MESSAGES" default:"false"`
}

type ComposerConfig struct {
	BaseURL string        `envconfig:"COMPOSER_BASE_URL"`
	Model   string        `envconfig:"COMPOSER_MODEL"`
	Timeout time.Duration `envconfig:"COMPOSER_TIMEOUT" default:"60s"`
}

type PublisherConfig struct {
	Endpoint string        `envconfig:"TELEGRAM_API_ENDPOINT"`
	Timeout  time.Duration `envconfig:"PUBLISHER_TIMEOUT" default:"30s"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, ok := listing.Sites[c.Resolver.Site]; !ok {
		errs = append(errs, fmt.Errorf("SITE %q is not a known site profile", c.Resolver.Site))
	}
	if c.Resolver.Renderer != RendererChrome && c.Resolver.Renderer != RendererNone {
		errs = append(errs, fmt.Errorf("RENDERER must be %q or %q, got %q", RendererChrome, RendererNone, c.Resolver.Renderer))
	}
	for name, port := range map[string]int{"HTTP_PORT": c.Server.HTTPPort, "SMTP_PORT": c.Server.SMTPPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d is out of range", name, port))
		}
	}
	if c.Pipeline.MessageWorkers < 1 {
		errs = append(errs, errors.New("MESSAGE_WORKERS must be at least 1"))
	}
	if c.Pipeline.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// Site returns the configured site profile.
func (c *Config) Site() listing.Site {
	return listing.Sites[c.Resolver.Site]
}

// RequireMasterKey reports the error commands that touch account secrets
// return when no master key is configured.
func (c *Config) RequireMasterKey() error {
	if c.Storage.MasterSecretKey == "" {
		return errors.New("MASTER_SECRET_KEY is required")
	}
	return nil
}
