package config

import (
	"encoding/json"
	"os"
	"strconv"

	"courier/internal/constants"
	"courier/internal/models"
)

var (
	ErrMissingAccountAddress = models.ConfigError{Message: "missing account address"}
	ErrMissingAPIBaseURL     = models.ConfigError{Message: "missing transport API base URL"}
	ErrMissingFeedURL        = models.ConfigError{Message: "missing envelope feed URL"}
	ErrMissingDBPath         = models.ConfigError{Message: "missing database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Account.Address == "" {
		return ErrMissingAccountAddress
	}
	if c.Transport.APIBaseURL == "" {
		return ErrMissingAPIBaseURL
	}
	if c.Transport.FeedURL == "" {
		return ErrMissingFeedURL
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Transport.TimeoutSec <= 0 {
		c.Transport.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.ServerPort <= 0 {
		c.ServerPort = constants.DefaultServerPort
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if addr := os.Getenv("COURIER_ACCOUNT_ADDRESS"); addr != "" {
		c.Account.Address = addr
	}
	if url := os.Getenv("COURIER_API_URL"); url != "" {
		c.Transport.APIBaseURL = url
	}
	if url := os.Getenv("COURIER_FEED_URL"); url != "" {
		c.Transport.FeedURL = url
	}

	// SECURITY: credentials should be set via environment variables
	if token := os.Getenv("COURIER_AUTH_TOKEN"); token != "" {
		c.Transport.AuthToken = token
	}

	if path := os.Getenv("COURIER_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if level := os.Getenv("COURIER_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if port := os.Getenv("COURIER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.ServerPort = p
		}
	}
}
