// ABOUTME: This file handles configuration management for the Brivo uploader
// ABOUTME: Loads environment variables and validates settings for the Brivo API integration

package config

import (
	"os"
	"strconv"
	"time"

	"brivo-uploader/models"
)

// Config holds all configuration for the Brivo uploader service.
type Config struct {
	// Service configuration
	ServiceName string
	LogLevel    string
	ListenAddr  string

	// Brivo API configuration
	Brivo BrivoConfig

	// OAuth2 lifecycle configuration
	OAuth2 OAuth2Config

	// API client configuration
	Client ClientConfig

	// Batch upload configuration
	Batch BatchConfig

	// Token storage configuration
	Storage StorageConfig
}

// BrivoConfig holds Brivo API credentials and endpoints.
type BrivoConfig struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthBaseURL  string
	APIBaseURL   string
}

// OAuth2Config holds token lifecycle settings.
type OAuth2Config struct {
	// RefreshMargin is how long before expiry a token counts as stale.
	RefreshMargin time.Duration
	// ProactiveInterval paces the background refresh scheduler.
	ProactiveInterval time.Duration
	// StateSecret signs the authorization state parameter.
	StateSecret string
	// StateTTL bounds how long a login redirect stays redeemable.
	StateTTL time.Duration
}

// ClientConfig holds retry and cache settings for resource calls.
type ClientConfig struct {
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	CacheTTL          time.Duration
}

// BatchConfig holds batch upload settings.
type BatchConfig struct {
	BatchSize    int
	WaveInterval time.Duration
	ErrorBudget  int
}

// StorageConfig selects where the token pair persists.
type StorageConfig struct {
	// Backend is "memory", "env", or "postgres".
	Backend string
	// PostgresDSN is required when Backend is "postgres".
	PostgresDSN string
}

// NewConfig creates a new configuration from environment variables.
func NewConfig() *Config {
	return &Config{
		ServiceName: getEnvOrDefault("SERVICE_NAME", "brivo-uploader"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		ListenAddr:  getEnvOrDefault("LISTEN_ADDR", ":8080"),
		Brivo: BrivoConfig{
			APIKey:       os.Getenv("BRIVO_API_KEY"),
			ClientID:     os.Getenv("BRIVO_CLIENT_ID"),
			ClientSecret: os.Getenv("BRIVO_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("BRIVO_REDIRECT_URI"),
			AuthBaseURL:  getEnvOrDefault("BRIVO_AUTH_BASE_URL", "https://auth.brivo.com"),
			APIBaseURL:   getEnvOrDefault("BRIVO_API_BASE_URL", "https://api.brivo.com/v1/api"),
		},
		OAuth2: OAuth2Config{
			RefreshMargin:     getDurationOrDefault("OAUTH2_REFRESH_MARGIN", 5*time.Minute),
			ProactiveInterval: getDurationOrDefault("OAUTH2_PROACTIVE_INTERVAL", 1*time.Minute),
			StateSecret:       getEnvOrDefault("OAUTH2_STATE_SECRET", ""),
			StateTTL:          getDurationOrDefault("OAUTH2_STATE_TTL", 10*time.Minute),
		},
		Client: ClientConfig{
			RetryMaxAttempts:  getIntOrDefault("API_RETRY_MAX_ATTEMPTS", 3),
			RetryInitialDelay: getDurationOrDefault("API_RETRY_INITIAL_DELAY", 1*time.Second),
			RetryMaxDelay:     getDurationOrDefault("API_RETRY_MAX_DELAY", 30*time.Second),
			CacheTTL:          getDurationOrDefault("API_CACHE_TTL", 5*time.Minute),
		},
		Batch: BatchConfig{
			BatchSize:    getIntOrDefault("BATCH_SIZE", 5),
			WaveInterval: getDurationOrDefault("BATCH_WAVE_INTERVAL", 100*time.Millisecond),
			ErrorBudget:  getIntOrDefault("BATCH_ERROR_BUDGET", 100),
		},
		Storage: StorageConfig{
			Backend:     getEnvOrDefault("TOKEN_STORAGE_BACKEND", "env"),
			PostgresDSN: os.Getenv("TOKEN_STORAGE_POSTGRES_DSN"),
		},
	}
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.Brivo.APIKey == "" {
		return models.NewAPIError(0, models.KindConfiguration, "BRIVO_API_KEY is required")
	}
	if c.Brivo.ClientID == "" {
		return models.NewAPIError(0, models.KindConfiguration, "BRIVO_CLIENT_ID is required")
	}
	if c.Brivo.ClientSecret == "" {
		return models.NewAPIError(0, models.KindConfiguration, "BRIVO_CLIENT_SECRET is required")
	}
	if c.Brivo.RedirectURI == "" {
		return models.NewAPIError(0, models.KindConfiguration, "BRIVO_REDIRECT_URI is required")
	}
	if c.OAuth2.StateSecret == "" {
		return models.NewAPIError(0, models.KindConfiguration, "OAUTH2_STATE_SECRET is required")
	}

	switch c.Storage.Backend {
	case "memory", "env":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return models.NewAPIError(0, models.KindConfiguration,
				"TOKEN_STORAGE_POSTGRES_DSN is required when TOKEN_STORAGE_BACKEND is postgres")
		}
	default:
		return models.NewAPIError(0, models.KindConfiguration,
			"TOKEN_STORAGE_BACKEND must be memory, env, or postgres")
	}

	if c.Client.RetryMaxAttempts < 1 {
		return models.NewAPIError(0, models.KindConfiguration, "API_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.OAuth2.RefreshMargin < 0 {
		return models.NewAPIError(0, models.KindConfiguration, "OAUTH2_REFRESH_MARGIN must not be negative")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
