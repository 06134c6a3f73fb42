// Package config reads the gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr string
	APIToken   string
	AuthDir    string
	LogLevel   string

	SendRateMax    int
	SendRateWindow time.Duration
	IdempotencyTTL time.Duration
	MediaMaxBytes  int64

	SendRetryAttempts int
	SendRetryBackoff  time.Duration

	TTSBase string
}

func Load() Config {
	addr := getEnv("LISTEN_ADDR", "")
	if addr == "" {
		addr = ":" + getEnv("PORT", "3000")
	}
	return Config{
		ListenAddr: addr,
		APIToken:   getEnv("API_TOKEN", ""),
		AuthDir:    getEnv("AUTH_DIR", "auth_info"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		SendRateMax:    getEnvInt("SEND_RATE_MAX", 3),
		SendRateWindow: getEnvDuration("SEND_RATE_WINDOW", time.Second),
		IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 5*time.Minute),
		MediaMaxBytes:  getEnvInt64("MEDIA_MAX_BYTES", 25<<20),

		SendRetryAttempts: getEnvInt("SEND_RETRY_ATTEMPTS", 3),
		SendRetryBackoff:  getEnvDuration("SEND_RETRY_BACKOFF", 200*time.Millisecond),

		TTSBase: getEnv("TTS_HOST", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
