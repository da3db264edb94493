package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// DevSessionSecret is the SESSION_SECRET default; Parse refuses it outside dev.
const DevSessionSecret = "kbadmin-dev-secret"

type Config struct {
	Env       string `env:"APP_ENV" envDefault:"dev"`
	HttpPort  string `env:"HTTP_PORT" envDefault:"8080"`
	DBDriver  string `env:"DB_DRIVER" envDefault:"sqlite"`         // sqlite|postgres
	DBPath    string `env:"DB_PATH" envDefault:"data/kbadmin.db"` // used when DBDriver=sqlite
	DBDsn     string `env:"DATABASE_URL"`                         // used when DBDriver=postgres
	StaticDir string `env:"STATIC_DIR" envDefault:"web/dist"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"true"`

	SessionSecret string        `env:"SESSION_SECRET" envDefault:"kbadmin-dev-secret"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	CookieSecure  bool          `env:"COOKIE_SECURE" envDefault:"false"`

	RootLoginEnabled bool   `env:"ROOT_LOGIN_ENABLED" envDefault:"false"`
	RootEmail        string `env:"ROOT_EMAIL" envDefault:"root@localhost"`
	RootPassword     string `env:"ROOT_PASSWORD"`

	Azure AzureConfig

	MinIO MinIOConfig

	NotifySecret string `env:"NOTIFY_SHARED_SECRET"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	DeleteBatchSize int      `env:"DELETE_BATCH_SIZE" envDefault:"100"`
	MaxUploadBytes  int64    `env:"MAX_UPLOAD_BYTES" envDefault:"104857600"`
	CORSOrigins     []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

type AzureConfig struct {
	TenantID          string `env:"AZURE_TENANT_ID"`
	ClientID          string `env:"AZURE_CLIENT_ID"`
	ClientSecret      string `env:"AZURE_CLIENT_SECRET"`
	RedirectURL       string `env:"AZURE_REDIRECT_URL"`
	PostLoginRedirect string `env:"POST_LOGIN_REDIRECT" envDefault:"/"`
}

// Enabled reports whether enough is configured to run the OAuth flow.
func (a AzureConfig) Enabled() bool {
	return a.TenantID != "" && a.ClientID != "" && a.RedirectURL != ""
}

// Issuer is the Azure AD v2.0 OIDC issuer for the tenant.
func (a AzureConfig) Issuer() string {
	return "https://login.microsoftonline.com/" + a.TenantID + "/v2.0"
}

type MinIOConfig struct {
	Endpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	UseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
	Region    string `env:"MINIO_REGION"`
	// PartSize bounds the buffer minio allocates per streamed upload
	PartSize uint64 `env:"MINIO_PART_SIZE" envDefault:"16777216"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return Parse()
}

// Parse reads the configuration from the environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.DeleteBatchSize <= 0 {
		return nil, fmt.Errorf("DELETE_BATCH_SIZE must be positive, got %d", cfg.DeleteBatchSize)
	}
	if cfg.RootLoginEnabled && cfg.RootPassword == "" {
		return nil, errors.New("ROOT_PASSWORD is required when ROOT_LOGIN_ENABLED=true")
	}
	if !cfg.IsDev() {
		if err := cfg.checkProduction(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) IsDev() bool { return c.Env == "dev" }

// checkProduction rejects settings that are only safe on a developer machine.
// CORS_ORIGINS also drives the WebSocket origin check, which accepts anything
// for an empty or wildcard list.
func (c *Config) checkProduction() error {
	if c.SessionSecret == DevSessionSecret || c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET must be set when APP_ENV=%s", c.Env)
	}
	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("CORS_ORIGINS must list the console origins when APP_ENV=%s", c.Env)
	}
	for _, o := range c.CORSOrigins {
		if strings.TrimSpace(o) == "*" {
			return fmt.Errorf("CORS_ORIGINS must not contain * when APP_ENV=%s", c.Env)
		}
	}
	return nil
}
