package models

// Config holds the application configuration.
type Config struct {
	Account     AccountConfig     `json:"account"`
	Transport   TransportConfig   `json:"transport"`
	Database    DatabaseConfig    `json:"database"`
	Preferences PreferencesConfig `json:"preferences"`
	Retry       RetryConfig       `json:"retry"`
	Tracing     TracingConfig     `json:"tracing"`
	LogLevel    string            `json:"log_level"`
	ServerPort  int               `json:"server_port"`
}

// AccountConfig identifies the local user.
type AccountConfig struct {
	Address string `json:"address"`
}

// TransportConfig holds message-service endpoints and credentials.
type TransportConfig struct {
	APIBaseURL string `json:"api_base_url"`
	FeedURL    string `json:"feed_url"`
	AuthToken  string `json:"auth_token"`
	TimeoutSec int    `json:"timeout_sec"`
}

// DatabaseConfig holds database related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// PreferencesConfig holds the user-controlled sending preferences this
// subsystem consults.
type PreferencesConfig struct {
	ReadReceiptsEnabled         bool `json:"read_receipts_enabled"`
	UnidentifiedDeliveryEnabled bool `json:"unidentified_delivery_enabled"`
}

// RetryConfig tunes the send-job retry budget.
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	UseStdout    bool    `json:"use_stdout"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate"`
	Environment  string  `json:"environment"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
