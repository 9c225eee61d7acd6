// Package supportdesk provides the service registration for the support chat.
// It integrates with gomain by implementing a Register function that sets up
// every WebSocket and HTTP endpoint for visitors, operators and the Telegram
// webhook.
package supportdesk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"

	"github.com/real-rm/supportdesk/internal/auth"
	"github.com/real-rm/supportdesk/internal/config"
	"github.com/real-rm/supportdesk/internal/constants"
	"github.com/real-rm/supportdesk/internal/delivery"
	"github.com/real-rm/supportdesk/internal/notification"
	"github.com/real-rm/supportdesk/internal/ratelimit"
	"github.com/real-rm/supportdesk/internal/registry"
	"github.com/real-rm/supportdesk/internal/storage"
	"github.com/real-rm/supportdesk/internal/util"
	"github.com/real-rm/supportdesk/internal/websocket"
)

var (
	// Global reference for graceful shutdown
	globalService *Service
	shutdownMu    sync.Mutex
)

// Store is the durable state behind the service. storage.Service satisfies it.
type Store interface {
	delivery.Store
	Ping(ctx context.Context) error
}

// ReplyResolver maps an inbound Telegram update onto a conversation reply.
// notification.TelegramRelay satisfies it.
type ReplyResolver interface {
	ResolveReply(ctx context.Context, upd *notification.Update) (conversationID, text string, ok bool, err error)
}

// Service owns the chat core and the HTTP surface that exposes it
type Service struct {
	cfg       *config.Config
	logger    *golog.Logger
	store     Store
	authority *auth.Authority
	governor  *ratelimit.Governor
	registry  *registry.Registry
	coord     *delivery.Coordinator
	relay     notification.Relay
	throttled *notification.Throttled
	replies   ReplyResolver
	guard     *notification.WebhookGuard
	ws        *websocket.Handler

	metricsNets []*net.IPNet
	closers     []io.Closer
}

// NewService wires the rate governor, session authority, connection registry
// and delivery coordinator together. relay and replies may be nil.
func NewService(cfg *config.Config, store Store, relay notification.Relay, replies ReplyResolver, logger *golog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	logger = logger.WithGroup("supportdesk")

	authOpts := auth.DefaultOptions()
	authOpts.Salt = cfg.Auth.Salt
	authOpts.CodeTTL = cfg.Auth.CodeTTL
	authOpts.SessionTTL = cfg.Auth.SessionTTL
	authOpts.MaxAttempts = cfg.Auth.MaxAttempts
	authOpts.RotateOnUse = cfg.Auth.RotateOnUse
	authority, err := auth.NewAuthority(authOpts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session authority: %w", err)
	}

	governor := ratelimit.NewGovernor(ratelimit.GovernorConfig{
		VisitorRate:   cfg.Limits.VisitorRate,
		VisitorBurst:  cfg.Limits.VisitorBurst,
		AdminRequests: cfg.Limits.AdminRequests,
		AdminWindow:   cfg.Limits.AdminWindow,
		OTPAttempts:   cfg.Limits.OTPAttempts,
		OTPWindow:     cfg.Limits.OTPWindow,
	}, nil)

	adminNets, err := util.ParseNetworks(cfg.Server.AdminAllowedNetworks)
	if err != nil {
		return nil, fmt.Errorf("invalid admin allowed networks: %w", err)
	}
	metricsNets, err := util.ParseNetworks(cfg.Server.MetricsAllowedNetworks)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics allowed networks: %w", err)
	}

	s := &Service{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		authority:   authority,
		governor:    governor,
		replies:     replies,
		metricsNets: metricsNets,
	}

	if relay != nil {
		s.throttled = notification.NewThrottled(relay,
			ratelimit.PerWindow("relay_notices", cfg.Limits.RelayNoticesPerMin, time.Minute), logger)
		s.relay = s.throttled
	}

	s.registry = registry.New(registry.Options{
		MaxVisitors:    cfg.Limits.MaxVisitors,
		MaxAdmins:      cfg.Limits.MaxAdmins,
		AdminAllowList: adminNets,
	}, store, authority, logger)
	authority.OnSessionEnd(func(sessionID string) { s.registry.EvictSession(sessionID) })

	s.coord = delivery.New(store, s.registry, s.relay, delivery.Options{
		MaxMessageLength: cfg.Server.MaxMessageLength,
		HistoryLimit:     cfg.Server.HistoryLimit,
		CacheTTL:         cfg.Server.CacheTTL,
	}, logger)

	s.ws = websocket.NewHandler(s.coord, governor, cfg.Server.MaxFrameSize, logger)
	s.ws.SetAllowedOrigins(cfg.Server.AllowedOrigins)

	if replies != nil && cfg.Telegram.WebhookSecret != "" {
		webhookNets, err := util.ParseNetworks(cfg.Telegram.WebhookNetworks)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram webhook networks: %w", err)
		}
		s.guard = &notification.WebhookGuard{
			Secret:   cfg.Telegram.WebhookSecret,
			Networks: webhookNets,
		}
	}

	return s, nil
}

// Start launches the background cleanup loops
func (s *Service) Start() {
	s.authority.StartCleanup(constants.DefaultCleanupInterval)
	s.governor.StartCleanup(constants.DefaultCleanupInterval, constants.DefaultBucketIdleTTL)
	if s.throttled != nil {
		s.throttled.Limiter().StartCleanup(constants.DefaultCleanupInterval, constants.DefaultBucketIdleTTL)
	}
}

// Shutdown stops cleanup loops, closes every live connection and waits for
// in-flight operator notifications. It respects the context deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Starting graceful shutdown of support desk service")

	s.authority.StopCleanup()
	s.governor.StopCleanup()
	if s.throttled != nil {
		s.throttled.Limiter().StopCleanup()
	}

	var errs []error
	if err := s.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close connections: %w", err))
	}
	if err := s.coord.WaitNotifications(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain notifications: %w", err))
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.Warn("Support desk shutdown finished with errors", "error", err)
		return err
	}
	s.logger.Info("Support desk service shutdown complete")
	return nil
}

// buildRelay picks the operator notification channel. Telegram wins over
// AMQP. With neither configured the relay is nil: notices are dropped and
// admin login codes cannot be issued.
func buildRelay(ctx context.Context, cfg *config.Config, links notification.LinkStore, logger *golog.Logger) (notification.Relay, ReplyResolver, io.Closer, error) {
	switch {
	case cfg.Telegram.Enabled():
		tg, err := notification.NewTelegramRelay(notification.TelegramConfig{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			APIBase:  cfg.Telegram.APIBase,
			Language: cfg.Telegram.Language,
		}, links, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create telegram relay: %w", err)
		}
		logger.Info("Operator notifications via Telegram", "chat_id", cfg.Telegram.ChatID)
		return tg, tg, nil, nil

	case cfg.Queue.Enabled():
		q, err := notification.NewQueueRelay(ctx, notification.QueueConfig{
			URL:         cfg.Queue.URL,
			Exchange:    cfg.Queue.Exchange,
			DialRetries: cfg.Queue.DialRetries,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create AMQP relay: %w", err)
		}
		logger.Info("Operator notifications via AMQP", "exchange", cfg.Queue.Exchange)
		return q, nil, q, nil

	default:
		logger.Warn("No operator relay configured, notifications will be dropped")
		return nil, nil, nil, nil
	}
}

// Register registers the support desk service with the gomain router.
// This function is called by gomain during service initialization.
//
// Parameters:
//   - r: Gin router for registering HTTP and WebSocket endpoints
//   - accessor: Configuration accessor for loading service settings
//   - logger: Logger for structured logging
//   - mongo: MongoDB client for data persistence
//
// Returns:
//   - error: Any error that occurred during registration
func Register(r *gin.Engine, accessor *goconfig.ConfigAccessor, logger *golog.Logger, mongo *gomongo.Mongo) error {
	deskLogger := logger.WithGroup("supportdesk")
	deskLogger.Info("Initializing support desk service")

	var src config.Source
	if accessor != nil {
		src = accessor
	}
	cfg, err := config.Load(src)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		deskLogger.Error("Configuration validation failed", "error", err)
		return err
	}

	if mongo == nil {
		return errors.New("mongo client is required")
	}
	store := storage.NewService(mongo, cfg.Database.Name, logger)

	ctx, cancel := util.NewTimeoutContext(constants.MongoIndexTimeout)
	if err := store.EnsureIndexes(ctx); err != nil {
		deskLogger.Warn("Failed to ensure MongoDB indexes", "error", err)
	}
	cancel()

	relayCtx, relayCancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	relay, replies, closer, err := buildRelay(relayCtx, cfg, store, deskLogger)
	relayCancel()
	if err != nil {
		return err
	}

	svc, err := NewService(cfg, store, relay, replies, logger)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return err
	}
	if closer != nil {
		svc.closers = append(svc.closers, closer)
	}
	if cfg.Telegram.Enabled() && svc.guard == nil {
		deskLogger.Warn("Telegram webhook secret not set, operator replies from Telegram are disabled")
	}

	if err := svc.Routes(r); err != nil {
		return err
	}
	svc.Start()

	// Stop the previous instance if Register is called again
	shutdownMu.Lock()
	previous := globalService
	globalService = svc
	shutdownMu.Unlock()
	if previous != nil {
		ctx, cancel := util.NewTimeoutContext(constants.ShutdownTimeout)
		_ = previous.Shutdown(ctx)
		cancel()
	}

	prefix := cfg.Server.PathPrefix
	deskLogger.Info("Support desk service registered successfully",
		"visitor_endpoints", prefix+"/ws/visitor, "+prefix+"/api/visitor/*",
		"admin_endpoints", prefix+"/ws/admin, "+prefix+"/api/admin/*",
		"health_endpoints", prefix+"/healthz, "+prefix+"/readyz",
		"metrics_endpoint", prefix+"/metrics/prometheus",
		"telegram_webhook", svc.guard != nil,
	)
	return nil
}

// Shutdown gracefully shuts down the registered service.
// This function should be called when the application receives a SIGTERM or SIGINT signal.
func Shutdown(ctx context.Context) error {
	shutdownMu.Lock()
	svc := globalService
	globalService = nil
	shutdownMu.Unlock()

	if svc == nil {
		return nil
	}
	return svc.Shutdown(ctx)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
