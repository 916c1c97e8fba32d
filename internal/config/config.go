package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	RateLimitRedis = "redis"
	RateLimitLocal = "local"

	maxRegistrationTTL = time.Hour
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	AutoMigrate bool

	// Web session tokens are signed by the identity layer with this secret.
	JWTSecret string
	JWTExpiry time.Duration

	RegistrationTTL time.Duration
	DeviceTokenTTL  time.Duration
	PollInterval    time.Duration
	PairingURL      string
	SweepInterval   time.Duration

	RateLimitBackend  string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	// Only requests arriving from these networks may name the client in
	// X-Forwarded-For / X-Real-IP. Empty means the headers are ignored.
	TrustedProxies []netip.Prefix

	LogLevel  string
	LogFormat string
}

func LoadConfig() (*Config, error) {
	jwtExpiry, err := getDuration("JWT_EXPIRY", "24h")
	if err != nil {
		return nil, err
	}
	registrationTTL, err := getDuration("REGISTRATION_TTL", "10m")
	if err != nil {
		return nil, err
	}
	tokenTTL, err := getDuration("DEVICE_TOKEN_TTL", "720h")
	if err != nil {
		return nil, err
	}
	pollInterval, err := getDuration("POLL_INTERVAL", "2s")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getDuration("SWEEP_INTERVAL", "5m")
	if err != nil {
		return nil, err
	}
	rateWindow, err := getDuration("RATE_LIMIT_WINDOW", "1m")
	if err != nil {
		return nil, err
	}
	rateRequests, err := strconv.Atoi(getEnv("RATE_LIMIT_REQUESTS", "30"))
	if err != nil {
		return nil, errors.New("invalid RATE_LIMIT_REQUESTS format")
	}

	trustedProxies, err := ParseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		AutoMigrate:       getEnv("AUTO_MIGRATE", "false") == "true",
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTExpiry:         jwtExpiry,
		RegistrationTTL:   registrationTTL,
		DeviceTokenTTL:    tokenTTL,
		PollInterval:      pollInterval,
		PairingURL:        getEnv("PAIRING_URL", "http://localhost:3000/pair"),
		SweepInterval:     sweepInterval,
		RateLimitBackend:  getEnv("RATE_LIMIT_BACKEND", RateLimitRedis),
		RateLimitRequests: rateRequests,
		RateLimitWindow:   rateWindow,
		TrustedProxies:    trustedProxies,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	// Validate required fields
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	if c.RegistrationTTL <= 0 || c.RegistrationTTL > maxRegistrationTTL {
		return fmt.Errorf("REGISTRATION_TTL must be between 0 and %s", maxRegistrationTTL)
	}
	if c.DeviceTokenTTL <= c.RegistrationTTL {
		return errors.New("DEVICE_TOKEN_TTL must be longer than REGISTRATION_TTL")
	}
	// clients are told the poll interval in whole seconds
	if c.PollInterval < time.Second {
		return errors.New("POLL_INTERVAL must be at least 1s")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.RateLimitBackend != RateLimitRedis && c.RateLimitBackend != RateLimitLocal {
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}

// ParseTrustedProxies reads a comma separated list of CIDRs or bare IPs.
func ParseTrustedProxies(value string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(item); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q", item)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return d, nil
}
