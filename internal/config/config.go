// Package config assembles the service configuration. Values come from the
// goconfig TOML file under the supportdesk.* keys and are then overridden by
// environment variables, so Kubernetes secrets win over the checked-in file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/real-rm/supportdesk/internal/constants"
	"github.com/real-rm/supportdesk/internal/util"
)

// Source is the part of goconfig.ConfigAccessor that Load reads
type Source interface {
	ConfigStringWithDefault(key string, defaultValue string) (string, error)
	ConfigIntWithDefault(key string, defaultValue int) (int, error)
	ConfigBoolWithDefault(key string, defaultValue bool) (bool, error)
}

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Limits   LimitsConfig
	Database DatabaseConfig
	Telegram TelegramConfig
	Queue    QueueConfig
}

// ServerConfig holds the HTTP and WebSocket surface settings
type ServerConfig struct {
	PathPrefix             string        `env:"SUPPORT_PATH_PREFIX"`
	AllowedOrigins         []string      `env:"SUPPORT_ALLOWED_ORIGINS" envSeparator:","`
	CORSOrigins            []string      `env:"SUPPORT_CORS_ALLOWED_ORIGINS" envSeparator:","`
	TrustedProxies         string        `env:"SUPPORT_TRUSTED_PROXIES"`
	MetricsAllowedNetworks string        `env:"SUPPORT_METRICS_ALLOWED_NETWORKS"`
	AdminAllowedNetworks   string        `env:"SUPPORT_ADMIN_ALLOWED_NETWORKS"`
	MaxRequestSize         int64         `env:"SUPPORT_MAX_REQUEST_SIZE"`
	MaxFrameSize           int64         `env:"SUPPORT_MAX_FRAME_SIZE"`
	MaxMessageLength       int           `env:"SUPPORT_MAX_MESSAGE_LENGTH"`
	HistoryLimit           int           `env:"SUPPORT_HISTORY_LIMIT"`
	CacheTTL               time.Duration `env:"SUPPORT_CACHE_TTL"`
}

// AuthConfig holds admin login and session settings
type AuthConfig struct {
	Salt        string        `env:"SUPPORT_SALT"`
	CodeTTL     time.Duration `env:"SUPPORT_CODE_TTL"`
	SessionTTL  time.Duration `env:"SUPPORT_SESSION_TTL"`
	MaxAttempts int           `env:"SUPPORT_OTP_MAX_ATTEMPTS"`
	RotateOnUse bool          `env:"SUPPORT_ROTATE_ON_USE"`
}

// LimitsConfig holds connection ceilings and rate limit families
type LimitsConfig struct {
	MaxVisitors        int           `env:"SUPPORT_MAX_VISITORS"`
	MaxAdmins          int           `env:"SUPPORT_MAX_ADMINS"`
	VisitorRate        float64       `env:"SUPPORT_VISITOR_RATE"`
	VisitorBurst       int           `env:"SUPPORT_VISITOR_BURST"`
	AdminRequests      int           `env:"SUPPORT_ADMIN_RATE_LIMIT"`
	AdminWindow        time.Duration `env:"SUPPORT_ADMIN_RATE_WINDOW"`
	OTPAttempts        int           `env:"SUPPORT_OTP_RATE_LIMIT"`
	OTPWindow          time.Duration `env:"SUPPORT_OTP_RATE_WINDOW"`
	RelayNoticesPerMin int           `env:"SUPPORT_RELAY_NOTICES_PER_MINUTE"`
}

// DatabaseConfig holds MongoDB settings. The connection itself is owned by gomongo.
type DatabaseConfig struct {
	Name string `env:"SUPPORT_DB_NAME"`
}

// TelegramConfig enables the Telegram relay when Token and ChatID are set
type TelegramConfig struct {
	Token         string `env:"TELEGRAM_BOT_TOKEN"`
	ChatID        int64  `env:"TELEGRAM_CHAT_ID"`
	APIBase       string `env:"TELEGRAM_API_BASE"`
	Language      string `env:"TELEGRAM_LANGUAGE"`
	WebhookSecret string `env:"TELEGRAM_WEBHOOK_SECRET"`
	// WebhookNetworks restricts webhook callers; empty disables the check
	WebhookNetworks string `env:"TELEGRAM_WEBHOOK_NETWORKS"`
}

// Enabled reports whether the Telegram relay is configured
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

// QueueConfig enables the AMQP relay when URL is set
type QueueConfig struct {
	URL         string `env:"AMQP_URL"`
	Exchange    string `env:"AMQP_EXCHANGE"`
	DialRetries int    `env:"AMQP_DIAL_RETRIES"`
}

// Enabled reports whether the AMQP relay is configured
func (q QueueConfig) Enabled() bool {
	return q.URL != ""
}

// Defaults returns the configuration used when nothing is set
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			PathPrefix:             constants.DefaultPathPrefix,
			TrustedProxies:         constants.DefaultTrustedProxies,
			MetricsAllowedNetworks: constants.DefaultMetricsAllowedNetworks,
			MaxRequestSize:         constants.DefaultMaxRequestSize,
			MaxFrameSize:           constants.DefaultMaxFrameSize,
			MaxMessageLength:       constants.DefaultMaxMessageLength,
			HistoryLimit:           constants.DefaultHistoryLimit,
			CacheTTL:               constants.DefaultCacheTTL,
		},
		Auth: AuthConfig{
			CodeTTL:     constants.DefaultCodeTTL,
			SessionTTL:  constants.DefaultSessionTTL,
			MaxAttempts: constants.DefaultOTPAttempts,
			RotateOnUse: true,
		},
		Limits: LimitsConfig{
			MaxVisitors:        constants.DefaultMaxVisitors,
			MaxAdmins:          constants.DefaultMaxAdmins,
			VisitorRate:        constants.DefaultVisitorRatePerSecond,
			VisitorBurst:       constants.DefaultVisitorBurst,
			AdminRequests:      constants.DefaultAdminAPIRequests,
			AdminWindow:        constants.DefaultAdminAPIWindow,
			OTPAttempts:        constants.DefaultOTPAttempts,
			OTPWindow:          constants.DefaultOTPWindow,
			RelayNoticesPerMin: constants.DefaultRelayNoticesPerMinute,
		},
		Database: DatabaseConfig{
			Name: constants.DefaultDatabase,
		},
		Telegram: TelegramConfig{
			Language:        constants.DefaultLanguage,
			WebhookNetworks: constants.TelegramNetworks,
		},
		Queue: QueueConfig{
			Exchange:    constants.DefaultAMQPExchange,
			DialRetries: constants.MaxRetryAttempts,
		},
	}
}

// reader pulls typed values out of a Source, collecting failures
type reader struct {
	src  Source
	errs []error
}

func (r *reader) str(key, def string) string {
	v, err := r.src.ConfigStringWithDefault(key, def)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return strings.TrimSpace(v)
}

func (r *reader) list(key string, def []string) []string {
	raw := r.str(key, strings.Join(def, ","))
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *reader) integer(key string, def int) int {
	v, err := r.src.ConfigIntWithDefault(key, def)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (r *reader) boolean(key string, def bool) bool {
	v, err := r.src.ConfigBoolWithDefault(key, def)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, def.String())
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s format: %w", key, err))
		return def
	}
	return d
}

func (r *reader) float(key string, def float64) float64 {
	raw := r.str(key, fmt.Sprintf("%g", def))
	var f float64
	if _, err := fmt.Sscanf(raw, "%g", &f); err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s format: %w", key, err))
		return def
	}
	return f
}

// Load reads the supportdesk.* keys from src, then applies environment
// overrides. src may be nil, in which case only defaults and the
// environment are used. Load does not validate; call Validate.
func Load(src Source) (*Config, error) {
	cfg := Defaults()

	if src != nil {
		r := &reader{src: src}
		d := *cfg

		cfg.Server = ServerConfig{
			PathPrefix:             r.str("supportdesk.path_prefix", d.Server.PathPrefix),
			AllowedOrigins:         r.list("supportdesk.allowed_origins", nil),
			CORSOrigins:            r.list("supportdesk.cors_allowed_origins", nil),
			TrustedProxies:         r.str("supportdesk.trusted_proxies", d.Server.TrustedProxies),
			MetricsAllowedNetworks: r.str("supportdesk.metrics_allowed_networks", d.Server.MetricsAllowedNetworks),
			AdminAllowedNetworks:   r.str("supportdesk.admin_allowed_networks", ""),
			MaxRequestSize:         int64(r.integer("supportdesk.max_request_size", int(d.Server.MaxRequestSize))),
			MaxFrameSize:           int64(r.integer("supportdesk.max_frame_size", int(d.Server.MaxFrameSize))),
			MaxMessageLength:       r.integer("supportdesk.max_message_length", d.Server.MaxMessageLength),
			HistoryLimit:           r.integer("supportdesk.history_limit", d.Server.HistoryLimit),
			CacheTTL:               r.duration("supportdesk.cache_ttl", d.Server.CacheTTL),
		}
		cfg.Auth = AuthConfig{
			Salt:        r.str("supportdesk.salt", ""),
			CodeTTL:     r.duration("supportdesk.code_ttl", d.Auth.CodeTTL),
			SessionTTL:  r.duration("supportdesk.session_ttl", d.Auth.SessionTTL),
			MaxAttempts: r.integer("supportdesk.otp_max_attempts", d.Auth.MaxAttempts),
			RotateOnUse: r.boolean("supportdesk.rotate_on_use", d.Auth.RotateOnUse),
		}
		cfg.Limits = LimitsConfig{
			MaxVisitors:        r.integer("supportdesk.max_visitors", d.Limits.MaxVisitors),
			MaxAdmins:          r.integer("supportdesk.max_admins", d.Limits.MaxAdmins),
			VisitorRate:        r.float("supportdesk.visitor_rate", d.Limits.VisitorRate),
			VisitorBurst:       r.integer("supportdesk.visitor_burst", d.Limits.VisitorBurst),
			AdminRequests:      r.integer("supportdesk.admin_rate_limit", d.Limits.AdminRequests),
			AdminWindow:        r.duration("supportdesk.admin_rate_window", d.Limits.AdminWindow),
			OTPAttempts:        r.integer("supportdesk.otp_rate_limit", d.Limits.OTPAttempts),
			OTPWindow:          r.duration("supportdesk.otp_rate_window", d.Limits.OTPWindow),
			RelayNoticesPerMin: r.integer("supportdesk.relay_notices_per_minute", d.Limits.RelayNoticesPerMin),
		}
		cfg.Database = DatabaseConfig{
			Name: r.str("supportdesk.db_name", d.Database.Name),
		}
		cfg.Telegram = TelegramConfig{
			Token:           r.str("supportdesk.telegram.token", ""),
			ChatID:          int64(r.integer("supportdesk.telegram.chat_id", 0)),
			APIBase:         r.str("supportdesk.telegram.api_base", ""),
			Language:        r.str("supportdesk.telegram.language", d.Telegram.Language),
			WebhookSecret:   r.str("supportdesk.telegram.webhook_secret", ""),
			WebhookNetworks: r.str("supportdesk.telegram.webhook_networks", d.Telegram.WebhookNetworks),
		}
		cfg.Queue = QueueConfig{
			URL:         r.str("supportdesk.amqp.url", ""),
			Exchange:    r.str("supportdesk.amqp.exchange", d.Queue.Exchange),
			DialRetries: r.integer("supportdesk.amqp.dial_retries", d.Queue.DialRetries),
		}

		if len(r.errs) > 0 {
			return nil, fmt.Errorf("failed to read configuration: %w", errors.Join(r.errs...))
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// placeholder reports values copied from an example file without editing
func placeholder(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "change_me") || strings.Contains(lower, "changeme") ||
		strings.Contains(lower, "your_") || strings.Contains(lower, "<")
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Server
	if c.Server.PathPrefix == "" {
		errs = append(errs, errors.New("path prefix cannot be empty"))
	} else if !strings.HasPrefix(c.Server.PathPrefix, "/") {
		errs = append(errs, fmt.Errorf("path prefix must start with '/' (got: %s)", c.Server.PathPrefix))
	}
	for _, origin := range append(append([]string{}, c.Server.AllowedOrigins...), c.Server.CORSOrigins...) {
		if placeholder(origin) {
			errs = append(errs, fmt.Errorf("origin %q is a placeholder value", origin))
		}
	}
	networks := []struct{ name, list string }{
		{"trusted proxies", c.Server.TrustedProxies},
		{"metrics allowed networks", c.Server.MetricsAllowedNetworks},
		{"admin allowed networks", c.Server.AdminAllowedNetworks},
		{"telegram webhook networks", c.Telegram.WebhookNetworks},
	}
	for _, n := range networks {
		if _, err := util.ParseNetworks(n.list); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.name, err))
		}
	}
	add(util.ValidatePositive(int(c.Server.MaxRequestSize), "max request size"))
	add(util.ValidatePositive(int(c.Server.MaxFrameSize), "max frame size"))
	add(util.ValidatePositive(c.Server.MaxMessageLength, "max message length"))
	add(util.ValidatePositive(c.Server.HistoryLimit, "history limit"))
	if c.Server.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache TTL must be positive"))
	}

	// Auth
	if c.Auth.Salt == "" {
		errs = append(errs, errors.New("session salt is required"))
	} else {
		add(util.ValidateMinLength(c.Auth.Salt, constants.MinSaltLength, "session salt"))
		if placeholder(c.Auth.Salt) {
			errs = append(errs, errors.New("session salt contains placeholder value, set a real secret before deploying"))
		} else if weak, pattern := util.ContainsWeakPattern(c.Auth.Salt, constants.WeakSecrets); weak {
			errs = append(errs, fmt.Errorf(
				"session salt appears to be weak (contains '%s'). "+
					"Use a cryptographically random secret generated with: openssl rand -base64 32", pattern))
		}
	}
	if c.Auth.CodeTTL <= 0 {
		errs = append(errs, errors.New("code TTL must be positive"))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}
	add(util.ValidatePositive(c.Auth.MaxAttempts, "OTP max attempts"))

	// Limits
	add(util.ValidateRange(c.Limits.MaxVisitors, 1, constants.MaxConnectionCeiling, "max visitors"))
	add(util.ValidateRange(c.Limits.MaxAdmins, 1, constants.MaxConnectionCeiling, "max admins"))
	if c.Limits.VisitorRate <= 0 {
		errs = append(errs, errors.New("visitor rate must be positive"))
	}
	add(util.ValidatePositive(c.Limits.VisitorBurst, "visitor burst"))
	add(util.ValidatePositive(c.Limits.AdminRequests, "admin rate limit"))
	add(util.ValidatePositive(c.Limits.OTPAttempts, "OTP rate limit"))
	add(util.ValidatePositive(c.Limits.RelayNoticesPerMin, "relay notices per minute"))
	if c.Limits.AdminWindow <= 0 || c.Limits.OTPWindow <= 0 {
		errs = append(errs, errors.New("rate limit windows must be positive"))
	}

	// Database
	add(util.ValidateNotEmpty(c.Database.Name, "database name"))

	// Relays
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram chat id is required when a bot token is set"))
	}
	if c.Telegram.Token != "" && placeholder(c.Telegram.Token) {
		errs = append(errs, errors.New("telegram bot token contains placeholder value"))
	}
	if c.Telegram.Language != "tr" && c.Telegram.Language != "en" {
		errs = append(errs, fmt.Errorf("telegram language must be tr or en (got: %s)", c.Telegram.Language))
	}
	if c.Queue.Enabled() {
		add(util.ValidateNotEmpty(c.Queue.Exchange, "AMQP exchange"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}
