package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Upstream configuration
	DefaultUpstreamURI = "http://localhost:8080"
	DefaultServiceName = "users-api"
	DefaultRedisAddr   = ""

	// Server configuration
	MetricsPort = ":2112"

	// OpenTelemetry configuration
	OTLPEndpoint   = "localhost:4317"
	ServiceName    = "sentinel-gateway-example"
	ServiceVersion = "0.1.0"

	// Operation intervals
	OperationInterval = 5 // seconds
)

// Config is the probe configuration. Every field can be overridden from the
// environment or a .env file.
type Config struct {
	UpstreamURI string
	ServiceName string

	// RedisAddr enables the distributed circuit breaker when set.
	RedisAddr string

	Interval time.Duration
	Debug    bool
}

// Load reads .env if present, then the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		UpstreamURI: getEnv("GATEWAY_UPSTREAM_URI", DefaultUpstreamURI),
		ServiceName: getEnv("GATEWAY_SERVICE_NAME", DefaultServiceName),
		RedisAddr:   getEnv("GATEWAY_REDIS_ADDR", DefaultRedisAddr),
		Interval:    time.Duration(getEnvInt("GATEWAY_INTERVAL_SECONDS", OperationInterval)) * time.Second,
		Debug:       getEnv("GATEWAY_DEBUG", "") == "true",
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
