package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RateLimit.Ceiling)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.Equal(t, RateModeReject, cfg.RateLimit.Mode)
	assert.Equal(t, RateBackendMemory, cfg.RateLimit.Backend)
	assert.Equal(t, 10*time.Second, cfg.WhatsApp.SendTimeout)
	assert.Equal(t, 5*time.Second, cfg.WhatsApp.ProbeTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Normalizer.CacheTTL)
	assert.Equal(t, "default", cfg.WhatsApp.Session)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
app:
  env: production
rate_limit:
  ceiling: 20
  window: 1m
  mode: queue
whatsapp:
  base_url: http://waha:3000
  session: leads
sms:
  account_sid: AC1
`)
	t.Setenv("DELIVERY_SMS_AUTH_TOKEN", "from-env")
	t.Setenv("DELIVERY_RATE_LIMIT_CEILING", "30")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Env)
	assert.Equal(t, 30, cfg.RateLimit.Ceiling)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, RateModeQueue, cfg.RateLimit.Mode)
	assert.Equal(t, "http://waha:3000", cfg.WhatsApp.BaseURL)
	assert.Equal(t, "leads", cfg.WhatsApp.Session)
	assert.Equal(t, "AC1", cfg.SMS.AccountSID)
	assert.Equal(t, "from-env", cfg.SMS.AuthToken)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  ceiling: 0
  mode: sometimes
opt_out:
  backend: mongo
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.ceiling")
	assert.Contains(t, err.Error(), "rate_limit.mode")
	assert.Contains(t, err.Error(), "opt_out.backend")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
