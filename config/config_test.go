package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := FromViper(New())

	assert.Equal(t, "http://127.0.0.1:5000", cfg.BackendURL)
	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 64, cfg.EventBufferSize)
	assert.Equal(t, 15*time.Second, cfg.SSEKeepalive)
	assert.Equal(t, 500, cfg.MaxSessions)
	assert.Equal(t, "http://localhost:5173", cfg.CORSOrigin, "CORS origin defaults to the frontend URL")
	assert.False(t, cfg.ValidateWebhooks)
	require.NoError(t, cfg.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(KeyAccountSID, " AC123 ")
	t.Setenv(KeyAuthToken, "tok")
	t.Setenv(KeyNumberA, "+15005550006")
	t.Setenv(KeyNumberB, "+15005550001")
	t.Setenv(KeyBackendURL, "https://bridge.example/")
	t.Setenv(KeyHTTPTimeout, "5s")
	t.Setenv(KeyValidateWebhooks, "true")
	t.Setenv(KeyEventBufferSize, "8")
	t.Setenv(KeyCORSOrigin, "https://ui.example")

	cfg := FromViper(New())
	assert.Equal(t, "AC123", cfg.AccountSID)
	assert.Equal(t, "https://bridge.example", cfg.BackendURL)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.True(t, cfg.ValidateWebhooks)
	assert.Equal(t, 8, cfg.EventBufferSize)
	assert.Equal(t, "https://ui.example", cfg.CORSOrigin)
	assert.True(t, cfg.TwilioConfigured())
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := FromViper(New())

	cases := map[string]func(*Config){
		"relative backend url":   func(c *Config) { c.BackendURL = "/api" },
		"zero buffer":            func(c *Config) { c.EventBufferSize = 0 },
		"zero max sessions":      func(c *Config) { c.MaxSessions = 0 },
		"zero keepalive":         func(c *Config) { c.SSEKeepalive = 0 },
		"zero timeout":           func(c *Config) { c.HTTPTimeout = 0 },
		"empty listen addr":      func(c *Config) { c.ListenAddr = "" },
		"validation needs token": func(c *Config) { c.ValidateWebhooks = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTwilioConfigured(t *testing.T) {
	cfg := Config{AccountSID: "AC1", APIKeySID: "SK1", APIKeySecret: "sec", NumberA: "+1", NumberB: "+2"}
	assert.True(t, cfg.TwilioConfigured())

	cfg.APIKeySecret = ""
	assert.False(t, cfg.TwilioConfigured())

	cfg = Config{AccountSID: "AC1", AuthToken: "tok", NumberA: "+1"}
	assert.False(t, cfg.TwilioConfigured())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TWILIO_NUMBER_A=+15005550006\nTWILIO_NUMBER_B=+15005550001\n"), 0o600))

	// Variables already in the environment win over the file.
	t.Setenv(KeyNumberB, "+15005550009")
	t.Setenv(KeyNumberA, "")
	os.Unsetenv(KeyNumberA)

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "+15005550006", cfg.NumberA)
	assert.Equal(t, "+15005550009", cfg.NumberB)
}
