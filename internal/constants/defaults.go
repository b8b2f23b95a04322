package constants

// Default retry configuration values
const (
	DefaultRetryBackoffMs = 1000
	DefaultMaxBackoffMs   = 60000
	DefaultMaxAttempts    = 5
)

// Default server and timeout values
const (
	DefaultServerPort            = 8082
	DefaultHTTPTimeoutSec        = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultDatabaseRetryAttempts = 3
)

// Job runner values
const (
	DefaultJobWorkers    = 4
	DefaultJobQueueDepth = 256
)

// Envelope feed values
const (
	DefaultFeedReconnectInitialMs = 500
	DefaultFeedReconnectMaxSec    = 30
)

// Encryption salts. The lookup salt must stay stable across releases or
// deterministic lookups break.
const (
	EncryptionSalt       = "courier-store-v1"
	EncryptionLookupSalt = "courier-lookup-v1"
)

// Privacy settings
const (
	DefaultAddressMaskLength = 8
)
