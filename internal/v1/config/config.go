// Package config loads and validates the gateway's environment-driven
// configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default room capacities per resource type. "default" is the fallback for
// any type without an explicit limit.
const (
	DefaultRoomLimitSurgery    = 20
	DefaultRoomLimitAdminPanel = 5
	DefaultRoomLimitChat       = 100
	DefaultRoomLimit           = 50
)

// Config holds validated environment configuration.
type Config struct {
	// Server
	Port           string
	Namespace      string
	AllowedOrigins string
	Transports     []string

	// Connection keepalive
	PingInterval time.Duration
	PingTimeout  time.Duration

	// Limits
	MaxConnectionsPerUser int
	RoomLimits            map[string]int

	// Activity tracking
	LockTTL           time.Duration
	WarningTime       time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration

	// Features
	EnableAutoLock bool
	GatewayEnabled bool

	// Shutdown
	ShutdownGrace time.Duration
	ReconnectIn   time.Duration

	// Force-transfer request timeout
	ForceRequestTimeout time.Duration

	// Redis bridge (optional)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth
	AuthDomain      string
	AuthAudience    string
	SkipAuth        bool
	DevelopmentMode bool

	// Resource validator port
	ResourceAPIURL     string
	ResourceAPITimeout time.Duration

	// Handshake rate limit (ulule format, e.g. "100-M")
	RateLimitWsIP string

	// Observability
	GoEnv          string
	LogLevel       string
	TracingEnabled bool
	OTELCollector  string
}

// ValidateEnv validates all environment variables and returns a Config.
// Returns an error listing every invalid or missing variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: ALLOWED_ORIGINS (comma-separated; empty allows same-host only)
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Optional: NAMESPACE (must start with "/")
	cfg.Namespace = getEnvOrDefault("NAMESPACE", "/collab")
	if !strings.HasPrefix(cfg.Namespace, "/") {
		errors = append(errors, fmt.Sprintf("NAMESPACE must start with '/' (got '%s')", cfg.Namespace))
	}

	// Optional: TRANSPORTS (comma-separated, non-empty entries)
	transportsStr := getEnvOrDefault("TRANSPORTS", "websocket")
	for _, tr := range strings.Split(transportsStr, ",") {
		tr = strings.TrimSpace(tr)
		if tr == "" {
			errors = append(errors, "TRANSPORTS entries must be non-empty strings")
			continue
		}
		cfg.Transports = append(cfg.Transports, tr)
	}
	if len(cfg.Transports) == 0 {
		errors = append(errors, "TRANSPORTS must list at least one transport")
	}

	// Keepalive
	cfg.PingInterval = getDurationMs("PING_INTERVAL_MS", 25000, &errors)
	cfg.PingTimeout = getDurationMs("PING_TIMEOUT_MS", 20000, &errors)

	// Limits
	cfg.MaxConnectionsPerUser = getInt("MAX_CONNECTIONS_PER_USER", 5, &errors)
	if cfg.MaxConnectionsPerUser < 1 {
		errors = append(errors, fmt.Sprintf("MAX_CONNECTIONS_PER_USER must be positive (got %d)", cfg.MaxConnectionsPerUser))
	}

	cfg.RoomLimits = map[string]int{
		"surgery-management": getInt("ROOM_LIMIT_SURGERY_MANAGEMENT", DefaultRoomLimitSurgery, &errors),
		"admin_panel":        getInt("ROOM_LIMIT_ADMIN_PANEL", DefaultRoomLimitAdminPanel, &errors),
		"chat":               getInt("ROOM_LIMIT_CHAT", DefaultRoomLimitChat, &errors),
		"default":            getInt("ROOM_LIMIT_DEFAULT", DefaultRoomLimit, &errors),
	}

	// Activity tracking
	cfg.LockTTL = getDuration("LOCK_TTL", 3*time.Hour, &errors)
	cfg.WarningTime = getDuration("LOCK_WARNING_TIME", 15*time.Minute, &errors)
	cfg.SweepInterval = getDuration("SWEEP_INTERVAL", time.Minute, &errors)
	cfg.HeartbeatInterval = getDuration("HEARTBEAT_INTERVAL", time.Minute, &errors)
	if cfg.WarningTime >= cfg.LockTTL {
		errors = append(errors, fmt.Sprintf("LOCK_WARNING_TIME (%s) must be shorter than LOCK_TTL (%s)", cfg.WarningTime, cfg.LockTTL))
	}

	// Features. COLLAB_ENABLE_AUTO_LOCK wins over the default.
	cfg.EnableAutoLock = true
	if raw, exists := os.LookupEnv("COLLAB_ENABLE_AUTO_LOCK"); exists {
		switch raw {
		case "true", "1":
			cfg.EnableAutoLock = true
		case "false", "0":
			cfg.EnableAutoLock = false
		default:
			errors = append(errors, fmt.Sprintf("COLLAB_ENABLE_AUTO_LOCK must be one of true/1/false/0 (got '%s')", raw))
		}
	}
	cfg.GatewayEnabled = getEnvOrDefault("GATEWAY_ENABLED", "true") != "false"

	// Shutdown
	cfg.ShutdownGrace = getDuration("SHUTDOWN_GRACE", 5*time.Second, &errors)
	cfg.ReconnectIn = getDurationMs("RECONNECT_IN_MS", 5000, &errors)

	cfg.ForceRequestTimeout = getDuration("FORCE_REQUEST_TIMEOUT", 30*time.Second, &errors)

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Auth
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	// Resource validator
	cfg.ResourceAPIURL = os.Getenv("RESOURCE_API_URL")
	cfg.ResourceAPITimeout = getDuration("RESOURCE_API_TIMEOUT", 5*time.Second, &errors)

	// Handshake rate limit
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	// Observability
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.OTELCollector = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// RoomLimit returns the member cap for a resource type, falling back to the
// "default" entry.
func (c *Config) RoomLimit(resourceType string) int {
	if limit, ok := c.RoomLimits[resourceType]; ok {
		return limit
	}
	if limit, ok := c.RoomLimits["default"]; ok {
		return limit
	}
	return DefaultRoomLimit
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive duration like '3h' or '15m' (got '%s')", key, raw))
		return defaultValue
	}
	return d
}

func getDurationMs(key string, defaultMs int64, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return time.Duration(defaultMs) * time.Millisecond
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive millisecond count (got '%s')", key, raw))
		return time.Duration(defaultMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"namespace", cfg.Namespace,
		"max_connections_per_user", cfg.MaxConnectionsPerUser,
		"lock_ttl", cfg.LockTTL,
		"warning_time", cfg.WarningTime,
		"sweep_interval", cfg.SweepInterval,
		"enable_auto_lock", cfg.EnableAutoLock,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}
