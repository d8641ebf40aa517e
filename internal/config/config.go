package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                      string
	DatabaseURL               string
	RedisURL                  string
	RedisChannel              string
	RedisStream               string
	RosterFile                string
	LogLevel                  string
	DefaultServiceDuration    time.Duration
	CriticalWait              time.Duration
	BusyMultiplier            int
	SkipRetryLimit            int
	EstimatorWindow           int
	EstimatorMaxAge           time.Duration
	SnapshotPushInterval      time.Duration
	SnapshotMaxAge            time.Duration
	RateLimitPerMinute        int
	RateLimitBurst            int
	CounterRateLimitPerMinute int
	CounterRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return Config{
		Port:                      port,
		DatabaseURL:               os.Getenv("DB_DSN"),
		RedisURL:                  os.Getenv("REDIS_URL"),
		RedisChannel:              readString("REDIS_CHANNEL", "qms:dispatch"),
		RedisStream:               readString("REDIS_STREAM", "qms:dispatch:events"),
		RosterFile:                os.Getenv("ROSTER_FILE"),
		LogLevel:                  logLevel,
		DefaultServiceDuration:    readDurationMinutes("DEFAULT_SERVICE_MINUTES", 5),
		CriticalWait:              readDurationMinutes("CRITICAL_WAIT_MINUTES", 30),
		BusyMultiplier:            readInt("BUSY_MULTIPLIER", 3),
		SkipRetryLimit:            readInt("SKIP_RETRY_LIMIT", 2),
		EstimatorWindow:           readInt("ESTIMATOR_WINDOW", 20),
		EstimatorMaxAge:           readDurationMinutes("ESTIMATOR_MAX_AGE_MINUTES", 60),
		SnapshotPushInterval:      readDurationSeconds("SNAPSHOT_PUSH_SECONDS", 5),
		SnapshotMaxAge:            readDurationSeconds("SNAPSHOT_MAX_AGE_SECONDS", 5),
		RateLimitPerMinute:        readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:            readInt("RATE_LIMIT_BURST", 30),
		CounterRateLimitPerMinute: readInt("COUNTER_RATE_LIMIT_PER_MIN", 60),
		CounterRateLimitBurst:     readInt("COUNTER_RATE_LIMIT_BURST", 10),
	}
}

func readString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
