// Package constants provides centralized constant definitions for the support desk.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// HTTP Status Codes
const (
	StatusOK                 = 200
	StatusServiceUnavailable = 503
)

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard database operations
	MongoIndexTimeout     = 30 * time.Second // MongoDB index creation
	MessageSaveTimeout    = 5 * time.Second  // Persisting a single message
	HealthCheckTimeout    = 2 * time.Second  // Health check operations
	RelayTimeout          = 10 * time.Second // One outbound relay HTTP call
	JoinFrameTimeout      = 15 * time.Second // Time allowed for the first visitor frame
	ShutdownTimeout       = 30 * time.Second // Graceful shutdown budget
)

// Sizes and Limits
const (
	DefaultMaxMessageLength  = 2000    // Characters per chat message, longer content is rejected
	DefaultMaxFrameSize      = 65536   // 64KB per WebSocket frame
	DefaultMaxRequestSize    = 1048576 // 1MB per HTTP request body
	MaxRequestIDLength       = 64      // Longest X-Request-ID echoed back
	MaxDisplayNameLength     = 80
	DefaultMaxVisitors       = 250
	DefaultMaxAdmins         = 5
	MaxConnectionCeiling     = 10000
	DefaultHistoryLimit      = 50  // Messages replayed on resume
	DefaultPageLimit         = 50  // Default page size for admin listings
	MaxPageLimit             = 100 // Maximum page size for admin listings
	DefaultSearchLimit       = 50
	MinSearchQueryLength     = 2
	MaxRetryAttempts         = 3
	DefaultCacheMaxEntries   = 1000
	TelegramMaxMessageLength = 4096
	SendBufferSize           = 256 // Outbound frames buffered per connection
	OTPCodeLength            = 6
	SessionTokenBytes        = 32
	MinSaltLength            = 32
)

// Rate limit defaults
const (
	DefaultVisitorRatePerSecond  = 1.0
	DefaultVisitorBurst          = 5
	DefaultAdminAPIRequests      = 100
	DefaultAdminAPIWindow        = 5 * time.Minute
	DefaultOTPAttempts           = 5
	DefaultOTPWindow             = 15 * time.Minute
	DefaultBucketIdleTTL         = 1 * time.Hour
	DefaultRelayNoticesPerMinute = 20
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second
	HTTPWriteTimeout = 60 * time.Second
	HTTPIdleTimeout  = 120 * time.Second
)

// Durations for background operations
const (
	DefaultCodeTTL         = 5 * time.Minute
	DefaultSessionTTL      = 24 * time.Hour
	DefaultCleanupInterval = 1 * time.Hour
	DefaultCacheTTL        = 30 * time.Second
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
	RelayInitialBackoff    = 1 * time.Second
	// Deleted conversations refuse resume for this long after deletion
	TombstoneTTL = 10 * time.Minute
)

// Sender Types for messages
const (
	SenderVisitor = "visitor"
	SenderAdmin   = "admin"
)

// Conversation lifecycle states
const (
	ConversationActive  = "active"
	ConversationDeleted = "deleted"
)

// Default Configuration Values
const (
	DefaultDatabase     = "support"
	DefaultPort         = 8080
	DefaultLogLevel     = "info"
	DefaultLogDir       = "logs"
	DefaultPathPrefix   = "/support"
	DefaultDisplayName  = "Ziyaretçi"
	DefaultLanguage     = "tr"
	DefaultAMQPExchange = "supportdesk.events"
)

// MongoDB collections
const (
	CollConversations = "conversations"
	CollMessages      = "messages"
	CollRelayLinks    = "telegram_links"
	CollActivity      = "admin_activity"
)

// HTTP Headers
const (
	HeaderAuthorization  = "Authorization"
	HeaderRetryAfter     = "Retry-After"
	HeaderNewToken       = "X-New-Token"
	HeaderTokenRotated   = "X-Token-Rotated"
	HeaderTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"
	BearerPrefix         = "Bearer "
)

// Error Messages
const (
	ErrMsgInvalidAuthHeader = "Invalid or missing Authorization header"
	ErrMsgInvalidToken      = "Invalid or expired session"
	ErrMsgRequestTooLarge   = "Request too large"
)

// MongoDB Field Names (BSON tags)
const (
	MongoFieldID             = "_id"
	MongoFieldStatus         = "st"
	MongoFieldLastActivity   = "lastTs"
	MongoFieldMessageCount   = "mc"
	MongoFieldConversationID = "cid"
	MongoFieldCreatedAt      = "ts"
	MongoFieldContent        = "content"
	MongoFieldSender         = "sender"
	MongoFieldDate           = "dt"
	MongoFieldReadAt         = "readTs"
	MongoFieldChatID         = "chat"
	MongoFieldRelayMessageID = "rmid"
	MongoFieldSessionID      = "sid"
	MongoFieldVisitorName    = "vn"
	MongoFieldClientIP       = "ip"
	MongoFieldUserAgent      = "ua"
	MongoFieldVia            = "via"
	MongoFieldAttachment     = "att"
)

// MongoDB Index Names
const (
	IndexConvStatusActivity = "idx_conv_status_activity"
	IndexMsgConvCreated     = "idx_msg_conv_created"
	IndexMsgDate            = "idx_msg_date"
	IndexLinkConvCreated    = "idx_link_conv_created"
	IndexLinkChatMessage    = "idx_link_chat_message"
	IndexActivitySession    = "idx_activity_session"
)

// Weak secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "password", "admin",
	"changeme", "change-me", "default", "example", "demo", "12345",
	"placeholder",
}

// Retry After Calculation
const (
	MinRetryAfterSeconds = 1
)

// Network configuration defaults
const (
	DefaultTrustedProxies         = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
	// Telegram webhook source ranges
	TelegramNetworks = "149.154.160.0/20,91.108.4.0/22"
)

// WebSocket close codes
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// Admin activity actions
const (
	ActionLogin              = "login"
	ActionLogout             = "logout"
	ActionSendMessage        = "send_message"
	ActionDeleteConversation = "delete_conversation"
	ActionMarkRead           = "mark_read"
)

// Channels an admin reply can arrive through
const (
	ViaWebSocket = "ws"
	ViaHTTP      = "http"
	ViaTelegram  = "telegram"
)
