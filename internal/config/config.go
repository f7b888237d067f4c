package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the signup service
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Mail      MailConfig      `yaml:"mail"`
	Geo       GeoConfig       `yaml:"geo"`
	Export    ExportConfig    `yaml:"export"`
	Auth      AuthConfig      `yaml:"auth"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig selects the subscriber store backend.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"` // "postgres", "mysql" or "memory"
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// Lifetime returns the connection max lifetime as a duration
func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig holds the optional Redis connection. Empty URL disables Redis.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// RateLimitConfig configures the subscribe rate limiter
type RateLimitConfig struct {
	MaxRequests   int    `yaml:"max_requests"`
	WindowSeconds int    `yaml:"window_seconds"`
	Backend       string `yaml:"backend"` // "file" or "redis"
	FilePath      string `yaml:"file_path"`
	AdvisoryLock  bool   `yaml:"advisory_lock"`
}

// Window returns the configured window as a duration
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// MailConfig holds outbound mail settings
type MailConfig struct {
	Provider               string `yaml:"provider"` // "ses" or "log"
	Region                 string `yaml:"region"`
	AccessKey              string `yaml:"access_key"`
	SecretKey              string `yaml:"secret_key"`
	FromEmail              string `yaml:"from_email"`
	FromName               string `yaml:"from_name"`
	ReplyTo                string `yaml:"reply_to"`
	SiteURL                string `yaml:"site_url"`
	UnsubscribeSecret      string `yaml:"unsubscribe_secret"`
	DispatchTimeoutSeconds int    `yaml:"dispatch_timeout_seconds"`
	ConfigurationSet       string `yaml:"configuration_set"`
}

// DispatchTimeout returns the per-send timeout as a duration
func (c MailConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// GeoConfig controls asynchronous country lookup
type GeoConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the configured timeout as a duration
func (c GeoConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ExportConfig controls CSV archive uploads
type ExportConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
}

// AuthConfig holds the admin credentials
type AuthConfig struct {
	APIKey             string `yaml:"api_key"`
	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`
	AllowedDomain      string `yaml:"allowed_domain"`
	SessionSecret      string `yaml:"session_secret"`
	CookieName         string `yaml:"cookie_name"`
	CookieMaxAge       int    `yaml:"cookie_max_age"`
	BaseURL            string `yaml:"base_url"`
}

// OAuthEnabled reports whether Google sign-in is configured.
func (c AuthConfig) OAuthEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.SessionSecret != ""
}

// BroadcastConfig tunes batch sends
type BroadcastConfig struct {
	DelayMillis    int `yaml:"delay_ms"`
	LockTTLSeconds int `yaml:"lock_ttl_seconds"`
}

// Delay returns the pause between consecutive sends
func (c BroadcastConfig) Delay() time.Duration {
	return time.Duration(c.DelayMillis) * time.Millisecond
}

// LockTTL returns how long a broadcast lock may be held
func (c BroadcastConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on (default true).
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file. A missing file is not an
// error: the service runs on defaults plus environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err) && path != "":
		// fall through to defaults
	default:
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"https://countryballcards.com", "http://localhost:8080"}
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 3
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 10
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "file"
	}
	if cfg.RateLimit.FilePath == "" {
		cfg.RateLimit.FilePath = "data/rate_limits.json"
	}
	if cfg.Mail.Provider == "" {
		cfg.Mail.Provider = "log"
	}
	if cfg.Mail.Region == "" {
		cfg.Mail.Region = "us-east-1"
	}
	if cfg.Mail.FromName == "" {
		cfg.Mail.FromName = "Countryball Cards"
	}
	if cfg.Mail.SiteURL == "" {
		cfg.Mail.SiteURL = "https://countryballcards.com"
	}
	if cfg.Mail.DispatchTimeoutSeconds == 0 {
		cfg.Mail.DispatchTimeoutSeconds = 15
	}
	if cfg.Geo.BaseURL == "" {
		cfg.Geo.BaseURL = "http://ip-api.com"
	}
	if cfg.Geo.TimeoutSeconds == 0 {
		cfg.Geo.TimeoutSeconds = 5
	}
	if cfg.Geo.MaxRetries == 0 {
		cfg.Geo.MaxRetries = 2
	}
	if cfg.Export.Region == "" {
		cfg.Export.Region = cfg.Mail.Region
	}
	if cfg.Export.Prefix == "" {
		cfg.Export.Prefix = "exports/subscribers"
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "signup_admin"
	}
	if cfg.Auth.CookieMaxAge == 0 {
		cfg.Auth.CookieMaxAge = 8 * 3600
	}
	if cfg.Broadcast.DelayMillis == 0 {
		cfg.Broadcast.DelayMillis = 100
	}
	if cfg.Broadcast.LockTTLSeconds == 0 {
		cfg.Broadcast.LockTTLSeconds = 3600
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setInt(&cfg.Server.Port, "PORT")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	setInt(&cfg.RateLimit.MaxRequests, "RATE_LIMIT_MAX_REQUESTS")
	setInt(&cfg.RateLimit.WindowSeconds, "RATE_LIMIT_WINDOW_SECONDS")
	setString(&cfg.RateLimit.Backend, "RATE_LIMIT_BACKEND")
	setString(&cfg.RateLimit.FilePath, "RATE_LIMIT_FILE")

	setString(&cfg.Mail.Provider, "MAIL_PROVIDER")
	setString(&cfg.Mail.AccessKey, "AWS_SES_ACCESS_KEY")
	setString(&cfg.Mail.SecretKey, "AWS_SES_SECRET_KEY")
	setString(&cfg.Mail.Region, "AWS_SES_REGION")
	setString(&cfg.Mail.FromEmail, "MAIL_FROM_EMAIL")
	setString(&cfg.Mail.SiteURL, "SITE_URL")
	setString(&cfg.Mail.UnsubscribeSecret, "UNSUBSCRIBE_SECRET")

	setString(&cfg.Export.S3Bucket, "EXPORT_S3_BUCKET")

	setString(&cfg.Auth.APIKey, "API_KEY")
	setString(&cfg.Auth.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.Auth.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.Auth.SessionSecret, "SESSION_SECRET")
	setString(&cfg.Auth.AllowedDomain, "AUTH_ALLOWED_DOMAIN")
	setString(&cfg.Auth.BaseURL, "AUTH_BASE_URL")

	setString(&cfg.Logging.Level, "LOG_LEVEL")

	return cfg, nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
