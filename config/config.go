package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Calls          CallConfig
	Presence       PresenceConfig
	Client         ClientConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// CallConfig holds server-side call lifetimes.
type CallConfig struct {
	// RingTimeout is how long a call may stay pending before the server
	// reports it cancelled.
	RingTimeout time.Duration
	RecordTTL   time.Duration
}

// PresenceConfig controls heartbeat acceptance on the server.
type PresenceConfig struct {
	TTL   time.Duration
	Rate  float64 // accepted heartbeats per second per user
	Burst int
}

// ClientConfig is read by cmd/callclient.
type ClientConfig struct {
	APIBaseURL           string
	Token                string
	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatMinInterval time.Duration
	CallPollInterval     time.Duration
	CallTimeout          time.Duration
	IncomingPollInterval time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Calls: CallConfig{
			RingTimeout: getEnvDuration("CALL_RING_TIMEOUT", 30*time.Second),
			RecordTTL:   getEnvDuration("CALL_RECORD_TTL", time.Hour),
		},
		Presence: PresenceConfig{
			TTL:   getEnvDuration("PRESENCE_TTL", 2*time.Minute),
			Rate:  getEnvFloat("PRESENCE_RATE", 0.2),
			Burst: getEnvInt("PRESENCE_BURST", 3),
		},
		Client: ClientConfig{
			APIBaseURL:           getEnv("SIGNALING_URL", "http://localhost:8080"),
			Token:                getEnv("SIGNALING_TOKEN", ""),
			RequestTimeout:       getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
			HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatMinInterval: getEnvDuration("HEARTBEAT_MIN_INTERVAL", 10*time.Second),
			CallPollInterval:     getEnvDuration("CALL_POLL_INTERVAL", 2*time.Second),
			CallTimeout:          getEnvDuration("CALL_TIMEOUT", 35*time.Second),
			IncomingPollInterval: getEnvDuration("INCOMING_POLL_INTERVAL", 3*time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("45s") or bare seconds ("45").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
