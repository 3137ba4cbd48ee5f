package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// SigningContext holds one trusted token issuer. A context with neither a
// secret nor a public key is considered unset and skipped.
type SigningContext struct {
	Name         string        `env:"NAME"`
	Secret       string        `env:"SECRET"`
	PublicKeyPEM string        `env:"PUBLIC_KEY"`
	Issuer       string        `env:"ISSUER"`
	Audience     string        `env:"AUDIENCE"`
	Leeway       time.Duration `env:"LEEWAY" envDefault:"5s"`
	ProviderURL  string        `env:"PROVIDER_URL"`
	ProviderKey  string        `env:"PROVIDER_KEY"`
}

// Enabled reports whether the context has key material.
func (s SigningContext) Enabled() bool {
	return s.Secret != "" || s.PublicKeyPEM != ""
}

// Config holds all gateway configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr             string        `env:"GATEWAY_ADDR" envDefault:":3002"`
	WSPath           string        `env:"GATEWAY_WS_PATH" envDefault:"/ws"`
	ReadLimit        int64         `env:"GATEWAY_READ_LIMIT" envDefault:"4096"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	AllowedOrigins   []string      `env:"GATEWAY_ALLOWED_ORIGINS" envSeparator:","`
	TrustedProxies   []string      `env:"GATEWAY_TRUSTED_PROXIES" envSeparator:","`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Trusted signing contexts, tried in this order
	PrimaryContext   SigningContext `envPrefix:"AUTH_PRIMARY_"`
	SecondaryContext SigningContext `envPrefix:"AUTH_SECONDARY_"`

	// Internal identity service
	IdentityServiceURL string        `env:"IDENTITY_SERVICE_URL" envDefault:"http://localhost:4000"`
	IdentityHeader     string        `env:"IDENTITY_HEADER" envDefault:"X-External-User-Id"`
	IdentityTimeout    time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"5s"`

	// Broker
	BrokerKind          string        `env:"BROKER_KIND" envDefault:"nats"`
	NATSURL             string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSMaxReconnects   int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`
	NATSReconnectWait   time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"1s"`
	NATSReconnectJitter time.Duration `env:"NATS_RECONNECT_JITTER" envDefault:"200ms"`
	NATSPingInterval    time.Duration `env:"NATS_PING_INTERVAL" envDefault:"10s"`
	NATSMaxPingsOut     int           `env:"NATS_MAX_PINGS_OUT" envDefault:"3"`
	RedisURL            string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Channels
	PrivatePrefix         string   `env:"CHANNEL_PRIVATE_PREFIX" envDefault:"dashboard:"`
	ScopedPrefixes        []string `env:"CHANNEL_SCOPED_PREFIXES" envSeparator:"," envDefault:"dashboard:recruiter:"`
	BroadcastChannels     []string `env:"CHANNEL_BROADCAST_NAMES" envSeparator:"," envDefault:"dashboard:activity"`
	MaxChannelsPerRequest int      `env:"CHANNEL_MAX_PER_REQUEST" envDefault:"20"`

	// Connection admission
	ConnRateIPBurst     int     `env:"CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPRate      float64 `env:"CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateGlobalBurst int     `env:"CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate  float64 `env:"CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and environment variables
// Priority: ENV vars > .env file > defaults
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	return Parse()
}

// Parse builds a Config from the process environment without touching .env.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PrimaryContext.Name == "" {
		cfg.PrimaryContext.Name = "primary"
	}
	if cfg.SecondaryContext.Name == "" {
		cfg.SecondaryContext.Name = "secondary"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// SigningContexts returns the enabled contexts in evaluation order.
func (c *Config) SigningContexts() []SigningContext {
	var out []SigningContext
	for _, sc := range []SigningContext{c.PrimaryContext, c.SecondaryContext} {
		if sc.Enabled() {
			out = append(out, sc)
		}
	}
	return out
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: GATEWAY_ADDR is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("%w: GATEWAY_WS_PATH must start with /, got %q", ErrInvalidConfig, c.WSPath)
	}
	if c.ReadLimit < 1 {
		return fmt.Errorf("%w: GATEWAY_READ_LIMIT must be > 0, got %d", ErrInvalidConfig, c.ReadLimit)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: HANDSHAKE_TIMEOUT must be > 0", ErrInvalidConfig)
	}
	for _, p := range c.TrustedProxies {
		p = strings.TrimSpace(p)
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("%w: GATEWAY_TRUSTED_PROXIES entry %q is not an IP or CIDR", ErrInvalidConfig, p)
		}
	}

	if len(c.SigningContexts()) == 0 {
		return fmt.Errorf("%w: at least one signing context (AUTH_PRIMARY_SECRET or AUTH_PRIMARY_PUBLIC_KEY) is required", ErrInvalidConfig)
	}
	for _, sc := range c.SigningContexts() {
		if sc.ProviderURL == "" {
			return fmt.Errorf("%w: signing context %q has no PROVIDER_URL", ErrInvalidConfig, sc.Name)
		}
		if _, err := url.ParseRequestURI(sc.ProviderURL); err != nil {
			return fmt.Errorf("%w: signing context %q PROVIDER_URL: %v", ErrInvalidConfig, sc.Name, err)
		}
	}

	if _, err := url.ParseRequestURI(c.IdentityServiceURL); err != nil {
		return fmt.Errorf("%w: IDENTITY_SERVICE_URL: %v", ErrInvalidConfig, err)
	}
	if c.IdentityHeader == "" {
		return fmt.Errorf("%w: IDENTITY_HEADER is required", ErrInvalidConfig)
	}

	switch c.BrokerKind {
	case "nats", "redis":
	default:
		return fmt.Errorf("%w: BROKER_KIND must be one of: nats, redis (got: %s)", ErrInvalidConfig, c.BrokerKind)
	}

	if c.PrivatePrefix == "" {
		return fmt.Errorf("%w: CHANNEL_PRIVATE_PREFIX is required", ErrInvalidConfig)
	}
	if c.MaxChannelsPerRequest < 1 {
		return fmt.Errorf("%w: CHANNEL_MAX_PER_REQUEST must be > 0, got %d", ErrInvalidConfig, c.MaxChannelsPerRequest)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("%w: LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", ErrInvalidConfig, c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("%w: LOG_FORMAT must be one of: json, pretty (got: %s)", ErrInvalidConfig, c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging. Secrets are omitted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	names := make([]string, 0, 2)
	for _, sc := range c.SigningContexts() {
		names = append(names, sc.Name)
	}
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("ws_path", c.WSPath).
		Strs("trusted_proxies", c.TrustedProxies).
		Strs("signing_contexts", names).
		Str("identity_service", c.IdentityServiceURL).
		Str("broker", c.BrokerKind).
		Str("private_prefix", c.PrivatePrefix).
		Strs("scoped_prefixes", c.ScopedPrefixes).
		Strs("broadcast_channels", c.BroadcastChannels).
		Int("max_channels_per_request", c.MaxChannelsPerRequest).
		Dur("handshake_timeout", c.HandshakeTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
