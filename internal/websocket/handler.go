// Package websocket provides the WebSocket transport for relay sessions: JWT
// authentication, HTTP upgrade, per-connection read/write pumps, and graceful
// shutdown of all active connections.
package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/real-rm/chatrelay/internal/auth"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/ratelimit"
	"github.com/real-rm/chatrelay/internal/registry"
	"github.com/real-rm/chatrelay/internal/relay"
	"github.com/real-rm/chatrelay/internal/util"
)

var (
	// upgrader configures the WebSocket upgrade.
	// SECURITY: in production this service sits behind a reverse proxy that
	// terminates TLS, so all WebSocket traffic uses WSS. CheckOrigin is set
	// per-handler instance.
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	// pongWait is the time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// pingPeriod is the interval for sending ping messages (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// errorFrame is the JSON payload sent to a client when one of its frames is
// refused. The session stays open for recoverable errors.
type errorFrame struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retry_after_ms,omitempty"`
}

// Connection represents an active WebSocket connection with user context.
// It is the registry.Member delivered to during room broadcasts.
type Connection struct {
	conn *websocket.Conn

	// ConnectionID is unique per connection; one user may hold several.
	ConnectionID string

	// UserID is the authenticated participant from the JWT.
	UserID string

	// Peer is the conversation partner from the URL.
	Peer string

	session *relay.Session

	// send is a buffered channel for outbound payloads.
	send chan []byte

	// closing is set before the send channel is closed, so SafeSend never
	// panics on a closed channel.
	closing atomic.Bool

	mu sync.RWMutex
}

// MemberID identifies this connection in registry logs.
func (c *Connection) MemberID() string {
	return c.ConnectionID
}

// Deliver hands a broadcast payload to the connection's write pump. Returns
// false when the connection is closing or its buffer is full.
func (c *Connection) Deliver(payload []byte) bool {
	return c.SafeSend(payload)
}

// SafeSend attempts to queue data for writing without ever blocking or
// panicking on a closed channel. The read lock pairs with the write lock held
// while unregister closes the send channel, so the closing check and the send
// cannot straddle the close.
func (c *Connection) SafeSend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SetClosing marks the connection as closing. After this call SafeSend
// returns false.
func (c *Connection) SetClosing() {
	c.closing.Store(true)
}

// Close closes the underlying WebSocket connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Handler upgrades HTTP requests to WebSocket relay sessions.
type Handler struct {
	validator   *auth.JWTValidator
	memberships *registry.Registry
	persister   relay.Persister
	logger      *zap.SugaredLogger

	connLimiter    *ratelimit.ConnectionLimiter
	msgLimiter     *ratelimit.MessageLimiter
	allowedOrigins map[string]bool
	maxMessageSize int64

	// connections tracks active connections by user ID and connection ID
	connections map[string]map[string]*Connection
	mu          sync.RWMutex
}

// NewHandler creates a WebSocket handler wired to the registry and store.
func NewHandler(
	validator *auth.JWTValidator,
	memberships *registry.Registry,
	persister relay.Persister,
	connLimiter *ratelimit.ConnectionLimiter,
	msgLimiter *ratelimit.MessageLimiter,
	logger *zap.SugaredLogger,
	maxMessageSize int64,
) *Handler {
	return &Handler{
		validator:      validator,
		memberships:    memberships,
		persister:      persister,
		logger:         logger.Named("websocket"),
		connLimiter:    connLimiter,
		msgLimiter:     msgLimiter,
		allowedOrigins: make(map[string]bool),
		maxMessageSize: maxMessageSize,
		connections:    make(map[string]map[string]*Connection),
	}
}

// SetAllowedOrigins configures the allowed origins for WebSocket upgrades.
// With no origins configured, all origins are accepted (development mode).
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool)
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}

	h.logger.Infow("Configured allowed origins",
		"count", len(origins),
		"origins", origins)
}

// IsOpenOrigin returns true when no allowed origins are configured, meaning
// all origins are accepted. Acceptable only behind a proxy that performs its
// own origin validation.
func (h *Handler) IsOpenOrigin() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allowedOrigins) == 0
}

// checkOrigin validates the origin of a WebSocket upgrade request.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	// No else needed: early return pattern (guard clause)
	if len(h.allowedOrigins) == 0 {
		return true
	}

	if h.allowedOrigins[origin] {
		return true
	}

	h.logger.Warnw("Origin not allowed", "origin", origin)
	return false
}

// HandleWebSocket handles GET /ws/:peer. It authenticates the caller,
// resolves the room against the fixed peer from the URL, upgrades the
// connection and starts the pumps.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	token := extractToken(c.Request, h.logger)
	// No else needed: early return pattern (guard clause)
	if token == "" {
		c.String(http.StatusUnauthorized, "Missing authentication token")
		return
	}

	claims, err := h.validator.ValidateToken(token)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		relayErr := relayerrors.ErrInvalidToken(err)
		if stderrors.Is(err, auth.ErrExpiredToken) {
			relayErr = relayerrors.ErrExpiredToken(err)
		}
		h.logger.Warnw("JWT validation failed", "error", err, "code", relayErr.Code)
		c.String(http.StatusUnauthorized, relayErr.Message)
		return
	}

	peer := c.Param("peer")

	// No else needed: early return pattern (guard clause)
	if !h.connLimiter.Acquire(claims.UserID) {
		h.logger.Warnw("Connection limit exceeded", "user_id", claims.UserID)
		relayErr := relayerrors.ErrConnectionLimitExceeded(5000)
		c.String(http.StatusTooManyRequests, relayErr.Message)
		return
	}

	connection := &Connection{
		ConnectionID: uuid.NewString(),
		UserID:       claims.UserID,
		Peer:         peer,
		send:         make(chan []byte, 256),
	}

	// Resolve the room before upgrading so an invalid pair is refused with a
	// proper HTTP status instead of an immediate WebSocket close.
	session, err := relay.NewSession(claims.UserID, peer, connection, h.memberships, h.persister, h.logger)
	if err != nil {
		h.connLimiter.Release(claims.UserID)
		h.logger.Warnw("Room resolution failed",
			"user_id", claims.UserID,
			"peer", peer,
			"error", err)
		c.String(http.StatusBadRequest, "Invalid participant pair")
		return
	}
	connection.session = session

	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin

	conn, err := localUpgrader.Upgrade(c.Writer, c.Request, nil)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		h.connLimiter.Release(claims.UserID)
		util.LogError(h.logger, "websocket", "upgrade connection", err)
		return
	}

	// Bound per-frame memory before the first read.
	conn.SetReadLimit(h.maxMessageSize)
	connection.conn = conn

	h.registerConnection(connection)

	if err := session.Open(); err != nil {
		h.unregisterConnection(connection)
		connection.Close()
		return
	}

	h.logger.Infow("WebSocket connection established",
		"user_id", claims.UserID,
		"peer", peer,
		"room", session.Room().String(),
		"connection_id", connection.ConnectionID)

	util.SafeGo(h.logger, "readPump", func() { connection.readPump(h) })
	util.SafeGo(h.logger, "writePump", func() { connection.writePump() })
}

// extractToken prefers the Authorization header and falls back to the token
// query parameter, which browsers need for WebSocket upgrades.
func extractToken(r *http.Request, logger *zap.SugaredLogger) string {
	if token, err := util.ExtractBearerToken(r.Header.Get("Authorization")); err == nil {
		return token
	}

	token := r.URL.Query().Get("token")
	if token != "" {
		logger.Debugw("JWT provided via query parameter")
	}
	return token
}

// registerConnection adds a connection to the active connections map.
func (h *Handler) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// No else needed: initialize if needed (lazy initialization)
	if h.connections[conn.UserID] == nil {
		h.connections[conn.UserID] = make(map[string]*Connection)
	}

	h.connections[conn.UserID][conn.ConnectionID] = conn

	metrics.WebSocketConnections.Inc()

	h.logger.Infow("Connection registered",
		"user_id", conn.UserID,
		"connection_id", conn.ConnectionID,
		"user_connections", len(h.connections[conn.UserID]))
}

// unregisterConnection removes a connection and releases its resources.
func (h *Handler) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userConns, ok := h.connections[conn.UserID]
	if !ok {
		return
	}
	if _, exists := userConns[conn.ConnectionID]; !exists {
		return
	}

	delete(userConns, conn.ConnectionID)

	// Exclude in-flight SafeSend calls while the channel closes.
	conn.mu.Lock()
	conn.closing.Store(true)
	close(conn.send)
	conn.mu.Unlock()

	h.connLimiter.Release(conn.UserID)
	metrics.WebSocketConnections.Dec()

	if len(userConns) == 0 {
		delete(h.connections, conn.UserID)
	}

	h.logger.Infow("Connection unregistered",
		"user_id", conn.UserID,
		"connection_id", conn.ConnectionID,
		"remaining_connections", len(userConns))
}

// ConnectionCount returns the number of active connections for a user.
func (h *Handler) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

// ShutdownWithContext closes all active WebSocket connections, respecting the
// context deadline.
func (h *Handler) ShutdownWithContext(ctx context.Context) error {
	h.logger.Infow("Shutting down WebSocket handler, closing all connections")

	h.mu.Lock()
	connections := make([]*Connection, 0)
	for _, userConns := range h.connections {
		for _, conn := range userConns {
			connections = append(connections, conn)
		}
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range connections {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()

			c.mu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"))
			}
			c.mu.Unlock()

			c.Close()
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Infow("All WebSocket connections closed gracefully")
		return nil
	case <-ctx.Done():
		h.logger.Warnw("Shutdown deadline exceeded, forcing closure",
			"remaining_connections", len(connections))
		return ctx.Err()
	}
}

// sendErrorFrame queues a structured error payload for the client. Uses a
// non-blocking send so a full buffer never stalls the read pump.
func (c *Connection) sendErrorFrame(relayErr *relayerrors.RelayError) {
	frame := errorFrame{
		Error:       relayErr.Message,
		Code:        string(relayErr.Code),
		Recoverable: relayErr.Recoverable,
		RetryAfter:  relayErr.RetryAfter,
	}
	payload, err := json.Marshal(frame)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return
	}
	c.SafeSend(payload)
}

// readPump reads frames from the client and feeds them to the relay session.
// It owns connection teardown: when the loop exits for any reason the session
// leaves its room and the connection is unregistered.
func (c *Connection) readPump(h *Handler) {
	defer func() {
		c.session.Close()
		h.unregisterConnection(c)
		c.Close()
		h.logger.Infow("WebSocket connection closed",
			"user_id", c.UserID,
			"connection_id", c.ConnectionID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		// No else needed: error handling with break (exits loop)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				util.LogError(h.logger, "websocket", "handle unexpected close", err,
					"user_id", c.UserID,
					"connection_id", c.ConnectionID)
			}
			break
		}

		// No else needed: error handling with continue (skips to next iteration)
		if !h.msgLimiter.Allow(c.UserID) {
			retryAfter := h.msgLimiter.RetryAfter(c.UserID)
			h.logger.Warnw("Message rate limit exceeded",
				"user_id", c.UserID,
				"retry_after_ms", retryAfter)
			c.sendErrorFrame(relayerrors.ErrTooManyRequests(retryAfter))
			continue
		}

		if err := c.session.HandleFrame(context.Background(), rawMessage); err != nil {
			var relayErr *relayerrors.RelayError
			if stderrors.As(err, &relayErr) {
				c.sendErrorFrame(relayErr)
				// No else needed: optional operation (only break on fatal)
				if relayErr.IsFatal() {
					break
				}
				continue
			}

			util.LogError(h.logger, "websocket", "handle frame", err,
				"user_id", c.UserID,
				"connection_id", c.ConnectionID)
		}
	}
}

// writePump writes queued payloads to the client and keeps the heartbeat
// alive. One payload per WebSocket frame so clients can JSON-decode each
// message independently.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// No else needed: channel closed handling (sends close and returns)
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// No else needed: error handling with return (exits function)
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// No else needed: error handling with return (exits function)
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
