// Package config provides configuration for the agent daemon.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the daemon configuration.
type Config struct {
	// Server settings
	HTTPPort  int
	AuthToken string

	// Database
	DatabaseURL string

	// LLM settings
	LLMProvider  string // "openai" or "mock"
	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	LLMTimeout   time.Duration
	SystemPrompt string

	// Turn settings
	MaxIterations int

	// WebSocket settings
	MaxMessageSize int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 8080),
		AuthToken:      getEnv("AUTH_TOKEN", ""),
		DatabaseURL:    getEnv("DATABASE_URL", "file:ember.db?cache=shared&mode=rwc"),
		LLMProvider:    getEnv("LLM_PROVIDER", "openai"),
		LLMBaseURL:     getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:      getEnv("LLM_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:     time.Duration(getEnvInt("LLM_TIMEOUT_MS", 120000)) * time.Millisecond,
		SystemPrompt:   getEnv("SYSTEM_PROMPT", "You are a helpful assistant."),
		MaxIterations:  getEnvInt("MAX_ITERATIONS", 10),
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
