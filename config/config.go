// Package config loads and validates the bridge configuration from the
// environment, an optional .env file, and command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Keys
const (
	KeyAccountSID       = "TWILIO_ACCOUNT_SID"
	KeyAuthToken        = "TWILIO_AUTH_TOKEN"
	KeyAPIKeySID        = "TWILIO_API_KEY_SID"
	KeyAPIKeySecret     = "TWILIO_API_KEY_SECRET"
	KeyNumberA          = "TWILIO_NUMBER_A"
	KeyNumberB          = "TWILIO_NUMBER_B"
	KeyBackendURL       = "BACKEND_URL"
	KeyFrontendURL      = "FRONTEND_URL"
	KeyCORSOrigin       = "CORS_ORIGIN"
	KeyListenAddr       = "LISTEN_ADDR"
	KeyHTTPTimeout      = "TWILIO_HTTP_TIMEOUT"
	KeyValidateWebhooks = "VALIDATE_WEBHOOKS"
	KeyEventBufferSize  = "EVENT_BUFFER_SIZE"
	KeySSEKeepalive     = "SSE_KEEPALIVE"
	KeyMaxSessions      = "MAX_SESSIONS"
	KeyLogLevel         = "LOG_LEVEL"
	KeyOTELEndpoint     = "OTEL_EXPORTER_OTLP_ENDPOINT"
	KeyOTELServiceName  = "OTEL_SERVICE_NAME"
	KeyOTELInsecure     = "OTEL_INSECURE"
)

// Config holds all application configuration.
type Config struct {
	// Carrier credentials. Either set may be absent.
	AccountSID   string
	AuthToken    string
	APIKeySID    string
	APIKeySecret string
	HTTPTimeout  time.Duration

	// Carrier numbers. A places outbound legs; B is the default agent.
	NumberA string
	NumberB string

	// Server settings.
	ListenAddr       string
	BackendURL       string // Public URL the carrier posts webhooks to.
	FrontendURL      string
	CORSOrigin       string
	ValidateWebhooks bool

	// Operational settings.
	EventBufferSize int
	SSEKeepalive    time.Duration
	MaxSessions     int
	LogLevel        string

	// OTEL settings.
	OTELEndpoint    string
	OTELServiceName string
	OTELInsecure    bool
}

// New returns a viper instance reading the environment with defaults applied.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(KeyBackendURL, "http://127.0.0.1:5000")
	v.SetDefault(KeyFrontendURL, "http://localhost:5173")
	v.SetDefault(KeyListenAddr, ":5000")
	v.SetDefault(KeyHTTPTimeout, 30*time.Second)
	v.SetDefault(KeyValidateWebhooks, false)
	v.SetDefault(KeyEventBufferSize, 64)
	v.SetDefault(KeySSEKeepalive, 15*time.Second)
	v.SetDefault(KeyMaxSessions, 500)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyOTELServiceName, "twibridge")
	v.SetDefault(KeyOTELInsecure, false)
	return v
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads .env files, then the environment, and validates the result.
func Load(envFiles ...string) (Config, error) {
	if err := LoadDotEnv(envFiles...); err != nil {
		return Config{}, err
	}
	cfg := FromViper(New())
	return cfg, cfg.Validate()
}

// FromViper builds a Config from v.
func FromViper(v *viper.Viper) Config {
	cfg := Config{
		AccountSID:       strings.TrimSpace(v.GetString(KeyAccountSID)),
		AuthToken:        strings.TrimSpace(v.GetString(KeyAuthToken)),
		APIKeySID:        strings.TrimSpace(v.GetString(KeyAPIKeySID)),
		APIKeySecret:     strings.TrimSpace(v.GetString(KeyAPIKeySecret)),
		HTTPTimeout:      v.GetDuration(KeyHTTPTimeout),
		NumberA:          strings.TrimSpace(v.GetString(KeyNumberA)),
		NumberB:          strings.TrimSpace(v.GetString(KeyNumberB)),
		ListenAddr:       v.GetString(KeyListenAddr),
		BackendURL:       strings.TrimRight(v.GetString(KeyBackendURL), "/"),
		FrontendURL:      v.GetString(KeyFrontendURL),
		CORSOrigin:       v.GetString(KeyCORSOrigin),
		ValidateWebhooks: v.GetBool(KeyValidateWebhooks),
		EventBufferSize:  v.GetInt(KeyEventBufferSize),
		SSEKeepalive:     v.GetDuration(KeySSEKeepalive),
		MaxSessions:      v.GetInt(KeyMaxSessions),
		LogLevel:         v.GetString(KeyLogLevel),
		OTELEndpoint:     v.GetString(KeyOTELEndpoint),
		OTELServiceName:  v.GetString(KeyOTELServiceName),
		OTELInsecure:     v.GetBool(KeyOTELInsecure),
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = cfg.FrontendURL
	}
	return cfg
}

// Validate checks that required fields are present and values are sane.
// Missing credentials are not an error: the server starts and reports them
// as unconfigured.
func (c Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL, got %q", KeyBackendURL, c.BackendURL)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: %s is required", KeyListenAddr)
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("config: %s must be positive", KeyEventBufferSize)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("config: %s must be positive", KeyMaxSessions)
	}
	if c.SSEKeepalive <= 0 {
		return fmt.Errorf("config: %s must be positive", KeySSEKeepalive)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("config: %s must be positive", KeyHTTPTimeout)
	}
	if c.ValidateWebhooks && c.AuthToken == "" {
		return fmt.Errorf("config: %s requires %s", KeyValidateWebhooks, KeyAuthToken)
	}
	return nil
}

// TwilioConfigured reports whether outbound bridging can work: a credential
// set and both numbers are present.
func (c Config) TwilioConfigured() bool {
	hasCreds := c.AccountSID != "" && (c.AuthToken != "" || (c.APIKeySID != "" && c.APIKeySecret != ""))
	return hasCreds && c.NumberA != "" && c.NumberB != ""
}
