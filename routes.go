package supportdesk

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes mounts the service under the configured path prefix
func (s *Service) Routes(r *gin.Engine) error {
	cfg := s.cfg.Server

	if len(cfg.CORSOrigins) > 0 {
		r.Use(corsMiddleware(cfg.CORSOrigins))
		s.logger.Info("CORS middleware configured", "allowed_origins", cfg.CORSOrigins)
	} else {
		s.logger.Warn("No CORS origins configured, CORS middleware not enabled")
	}

	// c.ClientIP() only trusts X-Forwarded-For from these networks
	if proxies := splitList(cfg.TrustedProxies); len(proxies) > 0 {
		if err := r.SetTrustedProxies(proxies); err != nil {
			s.logger.Warn("Failed to set trusted proxies", "error", err)
		} else {
			s.logger.Info("Trusted proxies configured", "proxies", proxies)
		}
	}

	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())

	group := r.Group(cfg.PathPrefix)
	group.Use(traceMiddleware())
	{
		group.GET("/ws/visitor", s.handleVisitorSocket)
		group.GET("/ws/admin", s.handleAdminSocket)

		api := group.Group("/api", requestSizeMiddleware(cfg.MaxRequestSize))

		visitor := api.Group("/visitor")
		{
			visitor.POST("/join", s.handleVisitorJoin)
			visitor.POST("/send", s.handleVisitorSend)
			visitor.GET("/messages/:id", s.handleVisitorMessages)
		}

		admin := api.Group("/admin", adminNetworkMiddleware(s.registry, s.logger))
		{
			admin.POST("/challenge", s.handleChallenge)
			admin.POST("/login", s.handleLogin)

			authed := admin.Group("",
				adminAuthMiddleware(s.authority, s.logger),
				adminRateLimitMiddleware(s.governor.AdminAPI, s.logger))
			authed.GET("/conversations", s.handleListConversations)
			authed.DELETE("/conversations/:id", s.handleDeleteConversation)
			authed.GET("/messages/:id", s.handleAdminMessages)
			authed.POST("/messages/:id/read", s.handleMarkRead)
			authed.POST("/send", s.handleAdminSend)
			authed.GET("/search", s.handleSearch)
			authed.GET("/statistics", s.handleStatistics)
			authed.POST("/logout", s.handleLogout)
		}

		if s.guard != nil {
			group.POST("/telegram/webhook", requestSizeMiddleware(cfg.MaxRequestSize), s.handleTelegramWebhook)
		}

		group.GET("/healthz", handleHealthCheck)
		group.GET("/readyz", s.handleReadyCheck)
	}

	// Prometheus metrics endpoint, restricted to configured networks
	group.GET("/metrics/prometheus",
		metricsNetworkMiddleware(s.metricsNets, s.logger),
		gin.WrapH(promhttp.Handler()),
	)

	s.logger.Info("Using HTTP path prefix", "prefix", cfg.PathPrefix, "max_request_size", cfg.MaxRequestSize)
	return nil
}
