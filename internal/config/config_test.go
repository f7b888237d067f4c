package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins: ["https://example.org"]

database:
  driver: mysql
  url: "user:pass@tcp(localhost:3306)/signup"

rate_limit:
  max_requests: 3
  window_seconds: 30
  backend: redis

mail:
  provider: ses
  from_email: "hello@countryballcards.com"
  dispatch_timeout_seconds: 5

broadcast:
  delay_ms: 250

logging:
  level: debug
  redact_pii: false
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, []string{"https://example.org"}, cfg.Server.AllowedOrigins)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/signup", cfg.Database.URL)

	assert.Equal(t, 3, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window())
	assert.Equal(t, "redis", cfg.RateLimit.Backend)

	assert.Equal(t, "ses", cfg.Mail.Provider)
	assert.Equal(t, 5*time.Second, cfg.Mail.DispatchTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.Broadcast.Delay())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Redact())
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8081\n"), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 60, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, "file", cfg.RateLimit.Backend)
	assert.Equal(t, "log", cfg.Mail.Provider)
	assert.Equal(t, 100*time.Millisecond, cfg.Broadcast.Delay())
	assert.True(t, cfg.Logging.Redact())
	assert.Equal(t, "http://ip-api.com", cfg.Geo.BaseURL)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("auth:\n  api_key: file-key\n"), 0644))

	t.Setenv("API_KEY", "env-key")
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "25")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Auth.APIKey)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 25, cfg.RateLimit.MaxRequests)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestOAuthEnabled(t *testing.T) {
	assert.False(t, AuthConfig{GoogleClientID: "id"}.OAuthEnabled())
	assert.True(t, AuthConfig{GoogleClientID: "id", GoogleClientSecret: "s", SessionSecret: "x"}.OAuthEnabled())
}
