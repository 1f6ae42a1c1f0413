package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Netflix/go-env"
	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/transport"
	"github.com/alapierre/go-cfdi-proxy/sat/util"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// ServerEnvironment holds every setting of the serve and worker commands.
type ServerEnvironment struct {

	// http server settings
	Environment     string        `env:"ENVIRONMENT,default=dev"`
	Host            string        `env:"HOST,default=0.0.0.0"`
	Port            int           `env:"PORT,default=8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT,default=60s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=660s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT,default=120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES,default=10485760"`
	RateLimitRPS    int32         `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst  int32         `env:"RATE_LIMIT_BURST,default=40"`

	// retrieval settings
	DownloadConcurrency  int           `env:"DOWNLOAD_CONCURRENCY,default=10"`
	DownloadDeadline     time.Duration `env:"DOWNLOAD_DEADLINE,default=600s"`
	PortalConnectTimeout time.Duration `env:"PORTAL_CONNECT_TIMEOUT,default=60s"`
	PortalTimeout        time.Duration `env:"PORTAL_TIMEOUT,default=600s"`
	PortalRetries        int           `env:"PORTAL_RETRIES,default=3"`
	PortalRetryWait      time.Duration `env:"PORTAL_RETRY_WAIT,default=1s"`
	PortalLegacyTLS      bool          `env:"PORTAL_LEGACY_TLS,default=true"`

	// endpoint overrides, empty means the production SAT address
	PortalBaseURL   string `env:"PORTAL_BASE_URL"`
	PortalLoginURL  string `env:"PORTAL_LOGIN_URL"`
	BulkAuthURL     string `env:"BULK_AUTH_URL"`
	BulkRequestURL  string `env:"BULK_REQUEST_URL"`
	BulkVerifyURL   string `env:"BULK_VERIFY_URL"`
	BulkDownloadURL string `env:"BULK_DOWNLOAD_URL"`

	// job mode
	JobsEnabled       bool          `env:"JOBS_ENABLED,default=false"`
	RedisAddr         string        `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB,default=0"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	S3Endpoint        string        `env:"S3_ENDPOINT,default=localhost:9000"`
	S3AccessKey       string        `env:"S3_ACCESS_KEY"`
	S3SecretKey       string        `env:"S3_SECRET_KEY"`
	S3Bucket          string        `env:"S3_BUCKET,default=cfdi-proxy"`
	S3UseSSL          bool          `env:"S3_USE_SSL,default=false"`
	S3Region          string        `env:"S3_REGION,default=us-east-1"`
	JobsSealKey       string        `env:"JOBS_SEAL_KEY"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=4"`
	BulkPollInterval  time.Duration `env:"BULK_POLL_INTERVAL,default=2m"`
	BulkPollMaxAge    time.Duration `env:"BULK_POLL_MAX_AGE,default=72h"`
}

var validEnvs = map[string]bool{
	"dev":     true,
	"test":    true,
	"prod":    true,
	"staging": true,
}

// Load reads an optional .env file and then the environment.
func Load() (*ServerEnvironment, error) {
	_ = godotenv.Load()
	return FromEnviron()
}

// FromEnviron reads the process environment only.
func FromEnviron() (*ServerEnvironment, error) {
	var cfg ServerEnvironment

	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment variables: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateConfig(cfg *ServerEnvironment) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if !validEnvs[cfg.Environment] {
		return fmt.Errorf("invalid ENVIRONMENT: %s", cfg.Environment)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %s", cfg.LogLevel)
	}
	if cfg.DownloadConcurrency < 1 || cfg.DownloadConcurrency > 50 {
		return fmt.Errorf("DOWNLOAD_CONCURRENCY must be between 1 and 50, got %d", cfg.DownloadConcurrency)
	}
	if cfg.DownloadDeadline <= 0 {
		return fmt.Errorf("DOWNLOAD_DEADLINE must be positive")
	}
	if cfg.WriteTimeout < cfg.DownloadDeadline {
		return fmt.Errorf("WRITE_TIMEOUT (%s) cannot be shorter than DOWNLOAD_DEADLINE (%s)", cfg.WriteTimeout, cfg.DownloadDeadline)
	}
	if cfg.PortalRetries < 1 {
		return fmt.Errorf("PORTAL_RETRIES must be at least 1")
	}
	if cfg.MaxUploadBytes < 1024 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be at least 1024")
	}
	for name, v := range map[string]string{
		"PORTAL_BASE_URL":   cfg.PortalBaseURL,
		"PORTAL_LOGIN_URL":  cfg.PortalLoginURL,
		"BULK_AUTH_URL":     cfg.BulkAuthURL,
		"BULK_REQUEST_URL":  cfg.BulkRequestURL,
		"BULK_VERIFY_URL":   cfg.BulkVerifyURL,
		"BULK_DOWNLOAD_URL": cfg.BulkDownloadURL,
	} {
		if v == "" {
			continue
		}
		if u, err := url.Parse(v); err != nil || !u.IsAbs() {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}

	if cfg.JobsEnabled {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOBS_ENABLED is set")
		}
		if cfg.JobsSealKey == "" {
			return fmt.Errorf("JOBS_SEAL_KEY is required when JOBS_ENABLED is set")
		}
		if cfg.WorkerConcurrency < 1 {
			return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
		}
		if cfg.BulkPollInterval < time.Minute {
			return fmt.Errorf("BULK_POLL_INTERVAL must be at least 1m")
		}
	}
	return nil
}

func (c *ServerEnvironment) Production() bool {
	return c.Environment == "prod"
}

// TransportOptions returns the outbound HTTP settings.
func (c *ServerEnvironment) TransportOptions() transport.Options {
	o := transport.DefaultOptions()
	o.ConnectTimeout = c.PortalConnectTimeout
	o.Timeout = c.PortalTimeout
	o.Attempts = c.PortalRetries
	o.RetryWait = c.PortalRetryWait
	o.LegacyTLS = c.PortalLegacyTLS
	return o
}

// Endpoints returns the SAT addresses with overrides applied. The bulk overrides
// apply to every service type.
func (c *ServerEnvironment) Endpoints() sat.Endpoints {
	e := sat.DefaultEndpoints()
	if c.PortalBaseURL != "" {
		e.PortalBase = c.PortalBaseURL
	}
	if c.PortalLoginURL != "" {
		e.PortalLogin = c.PortalLoginURL
	}
	for t, b := range e.Bulk {
		if c.BulkAuthURL != "" {
			b.Authenticate = c.BulkAuthURL
		}
		if c.BulkRequestURL != "" {
			b.Request = c.BulkRequestURL
		}
		if c.BulkVerifyURL != "" {
			b.Verify = c.BulkVerifyURL
		}
		if c.BulkDownloadURL != "" {
			b.Download = c.BulkDownloadURL
		}
		e.Bulk[t] = b
	}
	return e
}

// ConfigureLogging applies LOG_LEVEL and the formatter for the environment. SAT_DEBUG
// forces the debug level.
func (c *ServerEnvironment) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if util.DebugEnabled() {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	if c.Environment == "prod" || c.Environment == "staging" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
