package supportdesk

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/auth"
	"github.com/real-rm/supportdesk/internal/constants"
	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/httperrors"
	"github.com/real-rm/supportdesk/internal/metrics"
	"github.com/real-rm/supportdesk/internal/ratelimit"
	"github.com/real-rm/supportdesk/internal/registry"
	"github.com/real-rm/supportdesk/internal/util"
)

const (
	ctxKeySession = "session"
	ctxKeyToken   = "token"

	headerRequestID = "X-Request-ID"
)

func corsMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", constants.HeaderNewToken, constants.HeaderTokenRotated, constants.HeaderRetryAfter},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"endpoint": c.FullPath(),
			"method":   c.Request.Method,
		}).Observe(time.Since(start).Seconds())
	}
}

// traceMiddleware attaches a request id to the request context and echoes it
// back so operator reports can be matched against logs.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if !util.AcceptRequestID(id) {
			id = util.NewRequestID()
		}
		c.Request = c.Request.WithContext(util.WithRequestID(c.Request.Context(), id))
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// requestSizeMiddleware rejects bodies above max before any handler reads them
func requestSizeMiddleware(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, httperrors.ErrorResponse{
				Error: constants.ErrMsgRequestTooLarge,
				Code:  string(chaterrors.ErrCodeMessageTooLarge),
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		}
		c.Next()
	}
}

// metricsNetworkMiddleware restricts access to the metrics endpoint to configured networks.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// If no networks configured, allow all (development mode)
		if len(allowedNets) == 0 {
			c.Next()
			return
		}
		if util.IPInNetworks(c.ClientIP(), allowedNets) {
			c.Next()
			return
		}

		logger.Warn("Metrics access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"component", "metrics")
		httperrors.RespondForbidden(c)
	}
}

// adminNetworkMiddleware applies the admin allow-list to the HTTP admin
// surface, matching what the registry enforces for admin sockets.
func adminNetworkMiddleware(reg *registry.Registry, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if reg.IPAllowed(c.ClientIP()) {
			c.Next()
			return
		}
		logger.Warn("Admin access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"endpoint", c.Request.URL.Path)
		httperrors.RespondForbidden(c)
	}
}

// adminAuthMiddleware authenticates the bearer token. When the session
// rotates on use, the replacement token is announced in the headers of a
// successful response and committed once that response has been written.
func adminAuthMiddleware(authority *auth.Authority, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := util.ExtractBearerToken(c.GetHeader(constants.HeaderAuthorization))
		if err != nil {
			httperrors.RespondUnauthorized(c, constants.ErrMsgInvalidAuthHeader)
			return
		}

		info, rot, err := authority.Authenticate(token)
		if err != nil {
			logger.Warn("Admin token rejected",
				"error", err,
				"client_ip", c.ClientIP(),
				"component", "auth")
			httperrors.RespondUnauthorized(c, constants.ErrMsgInvalidToken)
			return
		}

		c.Set(ctxKeySession, info)
		c.Set(ctxKeyToken, token)
		if rot == nil {
			c.Next()
			return
		}

		w := &rotationWriter{ResponseWriter: c.Writer, rot: rot}
		c.Writer = w
		c.Next()

		if !w.announced {
			authority.AbortRotation(rot)
			return
		}
		if err := authority.CommitRotation(rot); err != nil {
			util.LogError(logger, "auth", "commit rotation", err, "session_id", rot.SessionID)
		}
	}
}

// rotationWriter adds the rotated token headers when a success status is
// written and leaves error responses untouched.
type rotationWriter struct {
	gin.ResponseWriter
	rot       *auth.Rotation
	decided   bool
	announced bool
}

func (w *rotationWriter) decide(status int) {
	if w.decided {
		return
	}
	w.decided = true
	if status < http.StatusBadRequest {
		w.Header().Set(constants.HeaderNewToken, w.rot.Token)
		w.Header().Set(constants.HeaderTokenRotated, "true")
		w.announced = true
	}
}

// withhold drops the rotation, for responses that end the session
func (w *rotationWriter) withhold() {
	w.decided = true
}

func (w *rotationWriter) WriteHeader(code int) {
	w.decide(code)
	w.ResponseWriter.WriteHeader(code)
}

func (w *rotationWriter) WriteHeaderNow() {
	w.decide(w.ResponseWriter.Status())
	w.ResponseWriter.WriteHeaderNow()
}

func (w *rotationWriter) Write(data []byte) (int, error) {
	w.decide(w.ResponseWriter.Status())
	return w.ResponseWriter.Write(data)
}

func (w *rotationWriter) WriteString(s string) (int, error) {
	w.decide(w.ResponseWriter.Status())
	return w.ResponseWriter.WriteString(s)
}

// adminRateLimitMiddleware limits admin API calls per session
func adminRateLimitMiddleware(limiter *ratelimit.Limiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := sessionFrom(c)
		if info == nil {
			httperrors.RespondUnauthorized(c, "")
			return
		}

		if !limiter.Allow(info.ID) {
			retryAfter := limiter.RetryAfter(info.ID)
			logger.Warn("Admin rate limit exceeded",
				"session_id", info.ID,
				"endpoint", c.Request.URL.Path,
				"retry_after", retryAfter,
				"component", "admin_rate_limit")
			respondRateLimited(c, retryAfter)
			return
		}
		c.Next()
	}
}

// respondRateLimited writes a 429 carrying Retry-After in whole seconds
func respondRateLimited(c *gin.Context, retryAfter time.Duration) {
	ms := int(retryAfter.Milliseconds())
	if floor := constants.MinRetryAfterSeconds * 1000; ms < floor {
		ms = floor
	}
	httperrors.RespondError(c, chaterrors.ErrRateLimited(ms))
}

func sessionFrom(c *gin.Context) *auth.SessionInfo {
	v, ok := c.Get(ctxKeySession)
	if !ok {
		return nil
	}
	info, _ := v.(*auth.SessionInfo)
	return info
}
