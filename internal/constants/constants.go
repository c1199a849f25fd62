// Package constants provides centralized constant definitions for the chatrelay application.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// HTTP Status Codes
const (
	StatusOK                 = 200
	StatusTooManyRequests    = 429
	StatusServiceUnavailable = 503
)

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard database operations
	MessageAppendTimeout  = 5 * time.Second  // Persisting a single chat message
	HistoryQueryTimeout   = 10 * time.Second // History and ranking reads
	MongoIndexTimeout     = 30 * time.Second // MongoDB index creation
	HealthCheckTimeout    = 2 * time.Second  // Health check operations
	ShutdownTimeout       = 10 * time.Second // Graceful shutdown deadline
)

// Sizes and Limits
const (
	DefaultMaxFrameSize   = 65536 // 64KB per inbound WebSocket frame
	MaxMessageLength      = 10000 // Maximum chat message length in characters
	MaxIdentifierLength   = 255   // Maximum user identifier length
	DefaultHistoryLimit   = 100   // Default number of history messages per page
	MaxHistoryLimit       = 1000  // Maximum history messages per page (performance cap)
	DefaultRateLimit      = 100   // Default inbound frames per minute per user
	MaxConnectionsPerUser = 10    // Simultaneous WebSocket connections per user
	MaxRetryAttempts      = 3     // Maximum retry attempts for transient errors
	PublicEndpointRate    = 60    // Requests per minute for public endpoints (healthz, readyz, metrics)
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second  // Maximum time to read the entire request
	HTTPWriteTimeout = 60 * time.Second  // Maximum time to write the response
	HTTPIdleTimeout  = 120 * time.Second // Maximum time to keep idle connections alive
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute // Rate limiting window
	DefaultCleanupInterval = 5 * time.Minute // Cleanup goroutine interval
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
)

// Room key derivation
const (
	RoomKeyPrefix    = "chat:" // Prefix distinguishing room keys from bare identifiers
	RoomKeySeparator = "|"     // Reserved separator; rejected inside identifiers
)

// Default Configuration Values
const (
	DefaultMongoURI   = "mongodb://localhost:27017"
	DefaultDatabase   = "chat"
	DefaultCollection = "messages"
	DefaultPort       = 8080
	DefaultLogLevel   = "info"
	DefaultPathPrefix = "/chatrelay" // Default HTTP path prefix for all routes
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
	HeaderRequestID     = "X-Request-ID"
	BearerPrefix        = "Bearer "
)

// Error Messages
const (
	ErrMsgInvalidAuthHeader = "Invalid or missing Authorization header"
	ErrMsgInvalidToken      = "Invalid or expired token"
	ErrMsgInternalError     = "Internal server error"
	ErrMsgRateLimitExceeded = "Too many requests. Please try again later."
	ErrMsgPeerRequired      = "Peer identifier is required"
)

// MongoDB Field Names (BSON tags)
const (
	MongoFieldID        = "_id"
	MongoFieldSender    = "sender"
	MongoFieldReceiver  = "receiver"
	MongoFieldContent   = "content"
	MongoFieldTimestamp = "ts"
)

// MongoDB Index Names
const (
	IndexSenderReceiverTime = "idx_sender_receiver_ts"
	IndexReceiverSenderTime = "idx_receiver_sender_ts"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "test123", "password", "admin",
	"changeme", "default", "example", "demo", "12345",
	"placeholder",
}

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32 // Minimum length for JWT secret (256 bits)
)

// Retry After Calculation
const (
	MillisecondsPerSecond = 1000
	MinRetryAfterSeconds  = 1 // Minimum retry-after value in seconds
)

// Network configuration defaults
const (
	DefaultTrustedProxies         = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
)
