// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything cmd/api needs to wire the service.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration

	PostgresDSN     string
	DBMaxOpenConns  int
	AuthSecret      string
	TokenTTL        time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	CORSOrigin      string
	UpstreamTimeout time.Duration

	DadataAPIKey string
	OpenAIAPIKey string
	OpenAIModel  string

	OTelEndpoint    string
	OTelServiceName string
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:        getEnv("MAPPORTAL_HTTP_ADDR", ":8080"),
		GRPCAddr:        getEnv("MAPPORTAL_GRPC_ADDR", ""),
		ShutdownTimeout: getEnvDuration("MAPPORTAL_SHUTDOWN_TIMEOUT", 10*time.Second),

		PostgresDSN:     getEnv("MAPPORTAL_PG_DSN", getEnv("DATABASE_URL", "")),
		DBMaxOpenConns:  getEnvInt("MAPPORTAL_DB_MAX_OPEN_CONNS", 10),
		AuthSecret:      getEnv("MAPPORTAL_AUTH_SECRET", ""),
		TokenTTL:        getEnvDuration("MAPPORTAL_TOKEN_TTL", 24*time.Hour),
		RateLimitRPS:    getEnvFloat("MAPPORTAL_RATE_LIMIT_RPS", 20),
		RateLimitBurst:  getEnvInt("MAPPORTAL_RATE_LIMIT_BURST", 40),
		CORSOrigin:      getEnv("MAPPORTAL_CORS_ORIGIN", "*"),
		UpstreamTimeout: getEnvDuration("MAPPORTAL_UPSTREAM_TIMEOUT", 15*time.Second),

		DadataAPIKey: getEnv("DADATA_API_KEY", ""),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		OTelEndpoint:    getEnv("MAPPORTAL_OTEL_ENDPOINT", ""),
		OTelServiceName: getEnv("MAPPORTAL_OTEL_SERVICE_NAME", "mapportal-api"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with. A missing DSN is
// allowed: requests that need the store then fail with a configuration error.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if c.GRPCAddr != "" && c.GRPCAddr == c.HTTPAddr {
		errs = append(errs, errors.New("http and grpc addresses must differ"))
	}
	if c.DBMaxOpenConns <= 0 {
		errs = append(errs, fmt.Errorf("db max open conns must be positive, got %d", c.DBMaxOpenConns))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("token ttl must be positive, got %s", c.TokenTTL))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit rps and burst must be positive"))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream timeout must be positive, got %s", c.UpstreamTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

// Redacted returns the fields worth logging at startup. Secrets are reported
// only as present or absent.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"http_addr":        c.HTTPAddr,
		"grpc_addr":        c.GRPCAddr,
		"database":         c.PostgresDSN != "",
		"signed_tokens":    c.AuthSecret != "",
		"dadata":           c.DadataAPIKey != "",
		"assistant":        c.OpenAIAPIKey != "",
		"assistant_model":  c.OpenAIModel,
		"otel_endpoint":    c.OTelEndpoint,
		"rate_limit_rps":   c.RateLimitRPS,
		"rate_limit_burst": c.RateLimitBurst,
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}
