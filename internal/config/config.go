// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultMaxBodyBytes caps how much JSON body the authorization gate reads when looking for an organization ID.
const DefaultMaxBodyBytes = 1 << 20

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8081).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC authorization service listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. Required by the server, migrate, and seed commands.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file. Only cmd/seed signs tokens;
	// the server verifies with JWT_PUBLIC_KEY alone.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file. Auth is enabled when set.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim (e.g. "civic-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "civic-api").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`

	// OTLPEndpoint is the OTLP gRPC collector; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// AuditPersistDenials writes refused authorization decisions to audit_logs.
	AuditPersistDenials bool `mapstructure:"AUDIT_PERSIST_DENIALS"`
	// MaxBodyBytes bounds the body the authorization gate inspects.
	MaxBodyBytes int64 `mapstructure:"MAX_BODY_BYTES"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	// Every key needs a default so Unmarshal sees it when it only comes from the environment.
	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "civic-auth")
	v.SetDefault("JWT_AUDIENCE", "civic-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "civic-backend")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("AUDIT_PERSIST_DENIALS", true)
	v.SetDefault("MAX_BODY_BYTES", DefaultMaxBodyBytes)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, errors.New("config: MAX_BODY_BYTES must be positive")
	}
	if cfg.AuthEnabled() && (cfg.JWTIssuer == "" || cfg.JWTAudience == "") {
		return nil, errors.New("config: JWT_ISSUER and JWT_AUDIENCE must be set when JWT_PUBLIC_KEY is set")
	}
	if cfg.Env == "production" && !cfg.AuthEnabled() {
		return nil, errors.New("config: JWT_PUBLIC_KEY must be set when APP_ENV=production")
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTAccessTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// AuthEnabled reports whether bearer tokens can be verified. Without a public key every protected
// route answers 401.
func (c *Config) AuthEnabled() bool {
	return c != nil && strings.TrimSpace(c.JWTPublicKey) != ""
}

// CanIssueTokens reports whether a signing key is configured (cmd/seed dev tokens).
func (c *Config) CanIssueTokens() bool {
	return c.AuthEnabled() && strings.TrimSpace(c.JWTPrivateKey) != ""
}
