package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test from an empty directory so stray .env files in
// the package directory are not picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, "abtrack", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, 10, cfg.RateLimit.TrackPerMinute)
	assert.Equal(t, 20, cfg.RateLimit.BeaconPerMinute)
	assert.Equal(t, 10, cfg.RateLimit.LeadPerMinute)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.Auth.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Auth.Lockout)
	assert.Equal(t, 5*time.Minute, cfg.Dedup.Window)
	assert.Equal(t, 5*time.Minute, cfg.Signing.MaxSkew)
	assert.Equal(t, 60*24*time.Hour, cfg.Report.Lookback)
	assert.Equal(t, 50, cfg.Report.MaxBuckets)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "abtrack.db", cfg.Database.Path)
	assert.Equal(t, GuardMemory, cfg.Guard.Backend)
	assert.Equal(t, "Site Davanti", cfg.Lead.DefaultSource)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestValidate_MissingSecret(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, "security.hmac_secret: is required", err.Error())

	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Security.HMACSecret = "test-secret"

	assert.NoError(t, cfg.Validate())
}

func TestValidate_RedisNeedsAddress(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Security.HMACSecret = "s"
	cfg.Guard.Backend = GuardRedis

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.address")
}

func TestValidateStorage_UnknownDriver(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Database.Driver = "mysql"

	err := cfg.ValidateStorage()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
}

func TestDSN(t *testing.T) {
	db := &DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		Name:     "abtrack",
		SSLMode:  "disable",
	}

	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=abtrack sslmode=disable",
		db.DSN())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := chdirTemp(t)

	cfg, err := Load(filepath.Join(dir, "does-not-exist.yml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Service.Port)
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "abtrack.yml")
	yml := `
service:
  port: 9000
security:
  hmac_secret: from-yaml
cors:
  allowed_origins:
    - https://davanti.example/
rate_limit:
  window: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("AB_HMAC_SECRET", "from-env")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("ABTRACK_TRUST_PROXY", "yes")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Service.Port)
	assert.Equal(t, "from-env", cfg.Security.HMACSecret, "env wins over yaml")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.True(t, cfg.Server.TrustProxyHeaders)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.Window)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ADMIN_PASSWORD=from-dotenv\n"), 0o600))
	// godotenv never overrides variables already present; make sure it is unset.
	t.Setenv("ADMIN_PASSWORD", "")
	require.NoError(t, os.Unsetenv("ADMIN_PASSWORD"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Security.AdminPassword)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("service: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLimits(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.RateLimit.TrackPerMinute = 3

	l := cfg.Limits()
	assert.Equal(t, 3, l.TrackPerWindow)
	assert.Equal(t, 20, l.BeaconPerWindow)
	assert.Equal(t, 15*time.Minute, l.LockoutFor)
}

func TestLoggerConfig_DebugForcesLevel(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Service.Debug = true

	assert.Equal(t, "debug", cfg.LoggerConfig().Level)
}
