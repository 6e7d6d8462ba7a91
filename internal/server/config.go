// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the signaling service.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Tyrowin/roomcall/internal/accounts"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	DataFile       string
	StaticDir      string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	BcryptCost     int
	ICEServers     []webrtc.ICEServer
}

const (
	defaultPort           = ":3000"
	defaultDataFile       = "data.json"
	defaultStaticDir      = "public"
	defaultMaxMessageSize = 64 * 1024
	defaultRateBurst      = 20
)

func defaultConfig() Config {
	return Config{
		Port:      defaultPort,
		DataFile:  defaultDataFile,
		StaticDir: defaultStaticDir,
		AllowedOrigins: []string{
			"http://localhost:3000",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: time.Second,
		},
		BcryptCost: accounts.DefaultCost,
		ICEServers: defaultICEServers(),
	}
}

func sanitizeConfig(cfg Config) Config {
	cfg.Port = normalizePort(cfg.Port)

	if cfg.DataFile == "" {
		cfg.DataFile = defaultDataFile
	}

	if cfg.StaticDir == "" {
		cfg.StaticDir = defaultStaticDir
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = accounts.DefaultCost
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.ICEServers = append([]webrtc.ICEServer(nil), cfg.ICEServers...)
	return cfg
}

// normalizePort accepts "3000", ":3000" or "host:3000".
func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return defaultPort
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
// Only a malformed ICE server configuration is reported as an error.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = normalizePort(port)
	}

	if dataFile := os.Getenv("DATA_FILE"); dataFile != "" {
		cfg.DataFile = dataFile
	}

	if staticDir := os.Getenv("STATIC_DIR"); staticDir != "" {
		cfg.StaticDir = staticDir
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	// Production hashes never drop below the default cost.
	if cost := os.Getenv("BCRYPT_COST"); cost != "" {
		cfg.BcryptCost = max(parseIntValue(cost, cfg.BcryptCost), accounts.DefaultCost)
	}

	iceServers, err := iceServersFromEnv()
	if err != nil {
		return nil, err
	}
	if iceServers != nil {
		cfg.ICEServers = iceServers
	}

	return &cfg, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
