// Package chatrelay provides the main service registration for the two-party
// chat relay. Register wires the WebSocket relay, the history endpoints and
// the operational endpoints onto a gin engine; Shutdown tears them down.
package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/real-rm/chatrelay/internal/auth"
	"github.com/real-rm/chatrelay/internal/config"
	"github.com/real-rm/chatrelay/internal/constants"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
	"github.com/real-rm/chatrelay/internal/history"
	"github.com/real-rm/chatrelay/internal/httperrors"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/ratelimit"
	"github.com/real-rm/chatrelay/internal/registry"
	"github.com/real-rm/chatrelay/internal/room"
	"github.com/real-rm/chatrelay/internal/store"
	"github.com/real-rm/chatrelay/internal/util"
	"github.com/real-rm/chatrelay/internal/websocket"
)

var (
	// Global references for graceful shutdown
	globalWSHandler     *websocket.Handler
	globalMsgLimiter    *ratelimit.MessageLimiter
	globalPublicLimiter *ratelimit.MessageLimiter
	globalLogger        *zap.SugaredLogger
	shutdownMu          sync.Mutex
)

// Register wires the relay service onto the gin engine. The configuration
// must already be validated; the mongo client must already be connected.
func Register(r *gin.Engine, cfg *config.Config, logger *zap.SugaredLogger, mongoClient *mongo.Client) error {
	relayLogger := logger.Named("chatrelay")
	relayLogger.Infow("Initializing chat relay service")

	messageStore := store.New(mongoClient, cfg.Database.Database, cfg.Database.Collection, relayLogger)

	// Indexes back the pair-scoped history reads. Creation failure is not
	// fatal; the operator can create them manually.
	indexCtx, indexCancel := util.NewTimeoutContext(constants.MongoIndexTimeout)
	defer indexCancel()
	// No else needed: optional operation (non-critical index creation)
	if err := messageStore.EnsureIndexes(indexCtx); err != nil {
		relayLogger.Warnw("Failed to create MongoDB indexes", "error", err)
	}

	memberships := registry.New(relayLogger)
	historyService := history.NewService(messageStore, relayLogger)
	validator := auth.NewJWTValidator(cfg.Server.JWTSecret)

	connLimiter := ratelimit.NewConnectionLimiter(cfg.Server.MaxConnections)
	msgLimiter := ratelimit.NewMessageLimiter(cfg.Server.RateWindow, cfg.Server.RateLimit)

	// Per-IP limiter for healthz/readyz/metrics abuse prevention.
	publicLimiter := ratelimit.NewMessageLimiter(constants.DefaultRateWindow, constants.PublicEndpointRate)

	wsHandler := websocket.NewHandler(validator, memberships, messageStore,
		connLimiter, msgLimiter, relayLogger, constants.DefaultMaxFrameSize)

	// SECURITY: with no origins configured, ALL origins are accepted. This is
	// acceptable only in development. In production, always configure
	// ALLOWED_ORIGINS to prevent cross-site WebSocket hijacking.
	// No else needed: optional operation (configuration with fallback logging)
	if len(cfg.Server.AllowedOrigins) > 0 {
		wsHandler.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	} else {
		relayLogger.Warnw("No allowed origins configured, allowing all origins (development mode)")
	}

	// Start background cleanup goroutines only after all validation is
	// complete, so nothing leaks if Register returns an error.
	msgLimiter.StartCleanup()
	publicLimiter.StartCleanup()

	// Stop any previously-registered instances to prevent goroutine leaks
	// when Register is called multiple times (tests, hot-reload).
	shutdownMu.Lock()
	if globalMsgLimiter != nil {
		globalMsgLimiter.StopCleanup()
	}
	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}
	if globalWSHandler != nil {
		_ = globalWSHandler.ShutdownWithContext(context.Background())
	}
	globalWSHandler = wsHandler
	globalMsgLimiter = msgLimiter
	globalPublicLimiter = publicLimiter
	globalLogger = relayLogger
	shutdownMu.Unlock()

	// No else needed: optional operation (CORS configuration with fallback logging)
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsConfig := cors.Config{
			AllowOrigins:     cfg.Server.AllowedOrigins,
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}
		r.Use(cors.New(corsConfig))

		relayLogger.Infow("CORS middleware configured",
			"allowed_origins", cfg.Server.AllowedOrigins)
	} else {
		relayLogger.Warnw("No CORS origins configured, CORS middleware not enabled")
	}

	// Configure trusted proxies to prevent X-Forwarded-For spoofing.
	// c.ClientIP() will only trust X-Forwarded-For from these networks.
	if len(cfg.Server.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			relayLogger.Warnw("Failed to set trusted proxies", "error", err)
		} else {
			relayLogger.Infow("Trusted proxies configured", "proxies", cfg.Server.TrustedProxies)
		}
	}

	r.Use(requestIDMiddleware())
	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())

	relayLogger.Infow("Using HTTP path prefix", "prefix", cfg.Server.PathPrefix)

	relayGroup := r.Group(cfg.Server.PathPrefix)
	{
		// WebSocket relay endpoint. If the JWT arrives as a query parameter,
		// move it to the Authorization header and redact it from the URL so
		// it never appears in access logs.
		relayGroup.GET("/ws/:peer", func(c *gin.Context) {
			if token := c.Query("token"); token != "" {
				if c.Request.Header.Get("Authorization") == "" {
					c.Request.Header.Set("Authorization", "Bearer "+token)
				}
				q := c.Request.URL.Query()
				q.Del("token")
				c.Request.URL.RawQuery = q.Encode()
			}
			wsHandler.HandleWebSocket(c)
		})

		// History endpoints (authenticated)
		relayGroup.GET("/history/:peer",
			userAuthMiddleware(validator, relayLogger),
			handleHistory(historyService, relayLogger))
		relayGroup.GET("/conversations",
			userAuthMiddleware(validator, relayLogger),
			handleConversations(historyService, relayLogger))

		// Health check endpoints (rate limited to prevent abuse)
		relayGroup.GET("/healthz",
			publicRateLimitMiddleware(publicLimiter, relayLogger),
			handleHealthCheck)
		relayGroup.GET("/readyz",
			publicRateLimitMiddleware(publicLimiter, relayLogger),
			handleReadyCheck(messageStore, relayLogger))

		// Prometheus metrics endpoint, restricted to configured networks
		metricsNets := parseNetworks(cfg.Server.MetricsNetworks, relayLogger)
		relayGroup.GET("/metrics/prometheus",
			metricsNetworkMiddleware(metricsNets, relayLogger),
			publicRateLimitMiddleware(publicLimiter, relayLogger),
			gin.WrapH(promhttp.Handler()),
		)
	}

	// Warn if the MongoDB URI appears to carry no credentials.
	if cfg.Database.URI != "" && !strings.Contains(cfg.Database.URI, "@") {
		relayLogger.Warnw("MongoDB URI does not contain authentication credentials — ensure auth is configured for production")
	}

	relayLogger.Infow("Chat relay service registered successfully",
		"websocket_endpoint", cfg.Server.PathPrefix+"/ws/:peer",
		"history_endpoints", cfg.Server.PathPrefix+"/history/:peer, "+cfg.Server.PathPrefix+"/conversations",
		"health_endpoints", cfg.Server.PathPrefix+"/healthz, "+cfg.Server.PathPrefix+"/readyz",
		"metrics_endpoint", cfg.Server.PathPrefix+"/metrics/prometheus",
	)

	return nil
}

// requestIDMiddleware attaches a correlation ID to every request. The ID
// travels in the request context for log correlation and is echoed back in
// the X-Request-ID response header so clients can quote it in bug reports.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := util.WithRequestID(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Header(constants.HeaderRequestID, util.RequestIDFromContext(ctx))
		c.Next()
	}
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
			"route":  c.FullPath(),
			"status": strconv.Itoa(c.Writer.Status()),
		}).Observe(time.Since(start).Seconds())
	}
}

// userAuthMiddleware creates a Gin middleware for JWT authentication
func userAuthMiddleware(validator *auth.JWTValidator, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(constants.HeaderAuthorization)
		token, err := util.ExtractBearerToken(authHeader)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondUnauthorized(c, constants.ErrMsgInvalidAuthHeader)
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(token)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			// Log detailed error server-side, send generic error to client
			relayErr := authRelayError(err)
			logger.Warnw("Token validation failed",
				"error", err,
				"code", relayErr.Code,
				"request_id", util.RequestIDFromContext(c.Request.Context()),
				"component", "auth")
			httperrors.RespondInvalidToken(c)
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

// publicRateLimitMiddleware creates a Gin middleware for rate limiting public
// endpoints (healthz, readyz, metrics) by client IP to prevent abuse.
func publicRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ClientIP respects trusted proxies, preventing X-Forwarded-For spoofing
		clientIP := c.ClientIP()

		// No else needed: early return pattern (guard clause)
		if !limiter.Allow(clientIP) {
			retryAfter := limiter.RetryAfter(clientIP)
			logger.Warnw("Public endpoint rate limit exceeded",
				"client_ip", clientIP,
				"endpoint", c.Request.URL.Path)
			httperrors.RespondTooManyRequests(c, retryAfter)
			c.Abort()
			return
		}

		c.Next()
	}
}

// authRelayError classifies a token validation failure into the structured
// error carried through logs and WebSocket refusals.
func authRelayError(err error) *relayerrors.RelayError {
	// No else needed: early return pattern (guard clause)
	if errors.Is(err, auth.ErrExpiredToken) {
		return relayerrors.ErrExpiredToken(err)
	}
	return relayerrors.ErrInvalidToken(err)
}

// isInvalidPairError reports whether err stems from identifier validation
// during room resolution, which maps to a 400 rather than a 500.
func isInvalidPairError(err error) bool {
	return errors.Is(err, room.ErrEmptyIdentifier) ||
		errors.Is(err, room.ErrReservedSeparator) ||
		errors.Is(err, room.ErrIdentifierTooLong)
}

// claimsFromContext extracts JWT claims stored by userAuthMiddleware.
func claimsFromContext(c *gin.Context, logger *zap.SugaredLogger) (*auth.Claims, bool) {
	claimsInterface, exists := c.Get("claims")
	// No else needed: early return pattern (guard clause)
	if !exists {
		httperrors.RespondUnauthorized(c, "")
		return nil, false
	}

	claims, ok := claimsInterface.(*auth.Claims)
	// No else needed: early return pattern (guard clause)
	if !ok {
		util.LogError(logger, "http", "validate claims type", fmt.Errorf("invalid claims type in context"))
		httperrors.RespondInternalError(c)
		return nil, false
	}

	return claims, true
}

// handleHistory returns a handler for the transcript between the caller and
// one peer, oldest first, with optional search and pagination.
func handleHistory(service *history.Service, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		// No else needed: early return pattern (guard clause)
		if !ok {
			return
		}

		peer := c.Param("peer")
		// No else needed: early return pattern (guard clause)
		if peer == "" {
			httperrors.RespondBadRequest(c, constants.ErrMsgPeerRequired)
			return
		}

		opts := history.QueryOptions{
			Search: c.Query("search"),
		}

		limitStr := c.DefaultQuery("limit", "0")
		limit, err := strconv.Atoi(limitStr)
		// No else needed: early return pattern (guard clause)
		if err != nil || limit < 0 {
			httperrors.RespondBadRequest(c, "limit must be a non-negative integer")
			return
		}
		// The service returns unbounded transcripts; caps are this layer's job.
		if limit == 0 {
			limit = constants.DefaultHistoryLimit
		}
		if limit > constants.MaxHistoryLimit {
			limit = constants.MaxHistoryLimit
		}
		opts.Limit = limit

		offsetStr := c.DefaultQuery("offset", "0")
		offset, err := strconv.Atoi(offsetStr)
		// No else needed: early return pattern (guard clause)
		if err != nil || offset < 0 {
			httperrors.RespondBadRequest(c, "offset must be a non-negative integer")
			return
		}
		opts.Offset = offset

		ctx, cancel := util.NewTimeoutContext(constants.HistoryQueryTimeout)
		defer cancel()

		messages, err := service.Query(ctx, claims.UserID, peer, opts)
		if err != nil {
			// No else needed: optional operation (status mapping)
			if isInvalidPairError(err) {
				httperrors.RespondBadRequest(c, "Invalid participant pair")
				return
			}
			util.LogError(logger, "http", "query history", err,
				"user_id", claims.UserID, "peer", peer,
				"request_id", util.RequestIDFromContext(c.Request.Context()))
			httperrors.RespondInternalError(c)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"messages": messages,
			"count":    len(messages),
			"user_id":  claims.UserID,
			"peer":     peer,
			"offset":   offset,
		})
	}
}

// handleConversations returns a handler that ranks the caller's conversations
// with the candidate peers from the "with" parameter, most recent first.
func handleConversations(service *history.Service, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		// No else needed: early return pattern (guard clause)
		if !ok {
			return
		}

		withStr := c.Query("with")
		// No else needed: early return pattern (guard clause)
		if withStr == "" {
			httperrors.RespondBadRequest(c, "with parameter is required (comma-separated peer identifiers)")
			return
		}

		peers := strings.Split(withStr, ",")
		for i, p := range peers {
			peers[i] = strings.TrimSpace(p)
		}

		ctx, cancel := util.NewTimeoutContext(constants.HistoryQueryTimeout)
		defer cancel()

		conversations, err := service.Rank(ctx, claims.UserID, peers)
		if err != nil {
			util.LogError(logger, "http", "rank conversations", err,
				"user_id", claims.UserID,
				"request_id", util.RequestIDFromContext(c.Request.Context()))
			httperrors.RespondInternalError(c)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"conversations": conversations,
			"count":         len(conversations),
			"user_id":       claims.UserID,
		})
	}
}

// handleHealthCheck handles the liveness probe. If we can respond, we're alive.
func handleHealthCheck(c *gin.Context) {
	c.JSON(constants.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck handles the readiness probe by verifying the message store
// can reach MongoDB.
func handleReadyCheck(messageStore *store.Store, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := make(map[string]interface{})
		allReady := true

		ctx, cancel := util.NewTimeoutContext(constants.HealthCheckTimeout)
		defer cancel()

		// No else needed: optional operation (health check result recording)
		if err := messageStore.Ping(ctx); err != nil {
			logger.Warnw("MongoDB health check failed",
				"error", err,
				"component", "health")
			checks["mongodb"] = map[string]interface{}{
				"status": "not ready",
				"reason": "Database connectivity check failed",
			}
			allReady = false
		} else {
			checks["mongodb"] = map[string]interface{}{
				"status": "ready",
			}
		}

		status := "ready"
		statusCode := constants.StatusOK
		// No else needed: optional operation (status code adjustment based on health)
		if !allReady {
			status = "not ready"
			statusCode = constants.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	}
}

// parseNetworks parses CIDR network strings, skipping invalid entries.
func parseNetworks(networks []string, logger *zap.SugaredLogger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range networks {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warnw("Invalid CIDR in metrics allowed networks", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts the metrics endpoint to configured networks.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// No networks configured means allow all (development mode)
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		// No else needed: early return pattern (guard clause)
		if clientIP == nil {
			logger.Warnw("Could not parse client IP for metrics access", "ip", c.ClientIP())
			httperrors.RespondNotFound(c, httperrors.MsgResourceNotFound)
			c.Abort()
			return
		}

		for _, ipNet := range allowedNets {
			if ipNet.Contains(clientIP) {
				c.Next()
				return
			}
		}

		logger.Warnw("Metrics access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"component", "metrics")
		httperrors.RespondNotFound(c, httperrors.MsgResourceNotFound)
		c.Abort()
	}
}

// Shutdown gracefully shuts down the relay service: stops background cleanup
// goroutines and closes all active WebSocket connections. It respects the
// context deadline and forces closure when the deadline is exceeded.
func Shutdown(ctx context.Context) error {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()

	// No else needed: optional operation (logging during shutdown)
	if globalLogger != nil {
		globalLogger.Infow("Starting graceful shutdown of chat relay service")
	}

	// No else needed: optional operation (cleanup stop)
	if globalMsgLimiter != nil {
		globalMsgLimiter.StopCleanup()
	}
	// No else needed: optional operation (cleanup stop)
	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}

	// No else needed: optional operation (WebSocket shutdown with error handling)
	if globalWSHandler != nil {
		// No else needed: early return pattern (guard clause)
		if err := globalWSHandler.ShutdownWithContext(ctx); err != nil {
			// No else needed: optional operation (error logging)
			if globalLogger != nil {
				globalLogger.Warnw("WebSocket handler shutdown error", "error", err)
			}
			return err
		}
	}

	// No else needed: optional operation (final logging)
	if globalLogger != nil {
		globalLogger.Infow("Chat relay service shutdown complete")
	}

	return nil
}
