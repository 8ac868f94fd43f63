// Package socket implements the broker's only channel to the browser
// agent: an authenticated WebSocket server with handshake, heartbeat, and
// liveness eviction.
//
// Per-connection state machine: connected (unauthenticated) → authenticated
// → closed. A connection must present the shared token within the auth
// timeout; any other frame before that, a wrong token, or the timer firing
// closes the connection with a policy-violation code. Answer frames from
// authenticated connections are forwarded to the queue manager.
package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duetai/chatbridge/internal/errors"
	"github.com/duetai/chatbridge/internal/security"
	"github.com/duetai/chatbridge/internal/wire"
)

// Resolver is the queue manager surface the socket server drives.
// Satisfied by *queue.Manager; narrowed for testing with mocks.
type Resolver interface {
	Resolve(requestID, response string)
	Reject(requestID string, err error)
}

// Config holds the socket server's tunables.
type Config struct {
	Host              string
	Port              int
	MaxConnections    int
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	// ConnectionTimeout is the minimum age before a silent connection may
	// be evicted by the heartbeat sweep. Zero disables the grace period.
	ConnectionTimeout time.Duration
	// WriteTimeout bounds individual frame writes and close handshakes.
	WriteTimeout time.Duration
}

// ConnDetail describes one connection for diagnostics.
type ConnDetail struct {
	ClientID      string
	ConnectedAt   time.Time
	IsAlive       bool
	Authenticated bool
}

// ConnStats is a read-only snapshot of connection state.
type ConnStats struct {
	TotalConnections  int
	ActiveConnections int
	Details           []ConnDetail
}

// Server accepts inbound connections from the browser agent.
type Server struct {
	log      *slog.Logger
	cfg      Config
	token    string
	resolver Resolver
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	mu        sync.Mutex
	clients   map[string]*client
	clientSeq int
	totalSeen int
	closed    bool

	stopHeartbeat chan struct{}
	wg            sync.WaitGroup
}

// NewServer creates a socket server that validates the given token and
// forwards answers to the resolver.
func NewServer(log *slog.Logger, cfg Config, token string, resolver Resolver) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &Server{
		log:      log.With("component", "socket"),
		cfg:      cfg,
		token:    token,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The agent connects from a browser extension origin; the
			// shared-token handshake is the access control, not Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:       make(map[string]*client),
		stopHeartbeat: make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections and heartbeat
// ticks. It does not block.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(2)

	go func() {
		defer s.wg.Done()

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("Socket server stopped unexpectedly", "error", err)
		}
	}()

	go s.heartbeatLoop()

	s.log.Info("Socket server listening", "addr", listener.Addr().String())

	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop terminates every connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return errors.ErrServerClosed
	}

	s.closed = true
	clients := make([]*client, 0, len(s.clients))

	for _, c := range s.clients {
		clients = append(clients, c)
	}

	s.clients = make(map[string]*client)

	s.mu.Unlock()

	close(s.stopHeartbeat)

	for _, c := range clients {
		c.stopAuthTimer()
		c.closeWith(websocket.CloseGoingAway, "server shutting down", s.cfg.WriteTimeout)
	}

	err := s.httpServer.Shutdown(ctx)

	s.wg.Wait()
	s.log.Info("Socket server stopped")

	return err
}

// AuthenticatedCount returns how many connections have completed the
// handshake. The chat tools short-circuit when this is zero.
func (s *Server) AuthenticatedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0

	for _, c := range s.clients {
		if c.isAuthenticated() {
			count++
		}
	}

	return count
}

// Stats returns a diagnostics snapshot of all connections.
func (s *Server) Stats() ConnStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := ConnStats{
		TotalConnections:  s.totalSeen,
		ActiveConnections: len(s.clients),
		Details:           make([]ConnDetail, 0, len(s.clients)),
	}

	for _, c := range s.clients {
		c.mu.Lock()
		stats.Details = append(stats.Details, ConnDetail{
			ClientID:      c.id,
			ConnectedAt:   c.connectedAt,
			IsAlive:       c.isAlive,
			Authenticated: c.authenticated,
		})
		c.mu.Unlock()
	}

	return stats
}

// Broadcast sends a frame to every authenticated connection and returns
// how many received it.
func (s *Server) Broadcast(frame wire.Frame) int {
	data, err := wire.Encode(frame)
	if err != nil {
		s.log.Error("Failed to marshal broadcast frame", "error", err)

		return 0
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))

	for _, c := range s.clients {
		if c.isAuthenticated() {
			clients = append(clients, c)
		}
	}

	s.mu.Unlock()

	sent := 0

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data, s.cfg.WriteTimeout); err != nil {
			s.log.Warn("Failed to send frame", "client_id", c.id, "error", err)

			continue
		}

		sent++
	}

	s.log.Debug("Broadcast frame", "action", frame.FrameAction(), "recipients", sent)

	return sent
}

// SendTo sends a frame to one authenticated connection. Returns false when
// the client is unknown, unauthenticated, or the write fails.
func (s *Server) SendTo(clientID string, frame wire.Frame) bool {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()

	if !ok || !c.isAuthenticated() {
		s.log.Warn("Cannot send frame", "client_id", clientID)

		return false
	}

	data, err := wire.Encode(frame)
	if err != nil {
		s.log.Error("Failed to marshal frame", "error", err)

		return false
	}

	if err := c.write(websocket.TextMessage, data, s.cfg.WriteTimeout); err != nil {
		s.log.Warn("Failed to send frame", "client_id", clientID, "error", err)

		return false
	}

	return true
}

// handleUpgrade admits a new connection, subject to the connection cap.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)

		return
	}

	s.mu.Lock()

	if s.closed || len(s.clients) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.log.Warn("Connection refused",
			"reason", "connection cap reached",
			"max", s.cfg.MaxConnections,
		)

		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server overloaded")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.Close()

		return
	}

	s.clientSeq++
	s.totalSeen++

	c := &client{
		id:          "client-" + strconv.Itoa(s.clientSeq),
		conn:        conn,
		isAlive:     true,
		connectedAt: time.Now(),
	}
	s.clients[c.id] = c

	active := len(s.clients)

	s.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.markAlive()

		return nil
	})

	// Unauthenticated connections get one auth window, then are closed
	// with a policy code.
	c.mu.Lock()
	c.authTimer = time.AfterFunc(s.cfg.AuthTimeout, func() {
		if c.isAuthenticated() {
			return
		}

		s.log.Warn("Authentication timeout", "client_id", c.id)
		s.evict(c, websocket.ClosePolicyViolation, "authentication timeout")
	})
	c.mu.Unlock()

	s.log.Info("Client connected",
		"client_id", c.id,
		"active", active,
		"max", s.cfg.MaxConnections,
	)

	s.wg.Add(1)

	go s.readLoop(c)
}

// readLoop consumes frames from one connection until it closes.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.deregister(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("Client read error", "client_id", c.id, "error", err)
			}

			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			s.log.Warn("Dropping undecodable frame", "client_id", c.id, "error", err)

			if !c.isAuthenticated() {
				s.evict(c, websocket.ClosePolicyViolation, "invalid frame before authentication")

				return
			}

			continue
		}

		if !c.isAuthenticated() {
			auth, ok := frame.(*wire.Authenticate)
			if !ok {
				s.log.Warn("Non-authentication frame from unauthenticated client",
					"client_id", c.id,
					"action", frame.FrameAction(),
				)
				s.evict(c, websocket.ClosePolicyViolation, "authentication required")

				return
			}

			if !s.handleAuthenticate(c, auth) {
				return
			}

			continue
		}

		s.routeFrame(c, frame)
	}
}

// handleAuthenticate validates the token. Reports whether the connection
// survives.
func (s *Server) handleAuthenticate(c *client, auth *wire.Authenticate) bool {
	if !security.ValidateToken(auth.Token, s.token) {
		s.log.Warn("Authentication failed", "client_id", c.id)
		s.evict(c, websocket.ClosePolicyViolation, "invalid token")

		return false
	}

	c.authenticate()

	ack := &wire.AuthSuccess{
		Header:  wire.NewHeader(wire.ActionAuthSuccess),
		Message: "authenticated",
	}

	data, err := wire.Encode(ack)
	if err != nil {
		s.log.Error("Failed to marshal auth ack", "error", err)

		return true
	}

	if err := c.write(websocket.TextMessage, data, s.cfg.WriteTimeout); err != nil {
		s.log.Warn("Failed to send auth ack", "client_id", c.id, "error", err)
	}

	s.log.Info("Client authenticated", "client_id", c.id)

	return true
}

// routeFrame handles frames from authenticated connections.
func (s *Server) routeFrame(c *client, frame wire.Frame) {
	switch f := frame.(type) {
	case *wire.ChatResponse:
		s.handleChatResponse(c, f)

	case *wire.SendPrompt:
		// Prompts originate on the broker side, never from an agent.
		s.log.Warn("Unexpected send-prompt frame from client",
			"client_id", c.id,
			"request_id", f.RequestID,
		)

	case *wire.Authenticate:
		s.log.Debug("Redundant authenticate frame", "client_id", c.id)

	default:
		s.log.Warn("Unhandled frame", "client_id", c.id, "action", frame.FrameAction())
	}
}

// handleChatResponse resolves or rejects the matching queued request.
func (s *Server) handleChatResponse(c *client, f *wire.ChatResponse) {
	s.log.Info("Chat response received",
		"client_id", c.id,
		"request_id", f.RequestID,
		"response_length", len(f.Response),
		"error_code", f.ErrorCode,
	)

	if f.Error != "" || f.ErrorCode != "" {
		code := f.ErrorCode
		if code == "" {
			code = wire.CodeUnknown
		}

		s.resolver.Reject(f.RequestID, &errors.AgentError{
			Code:    code,
			Message: wire.AgentErrorMessage(code),
		})

		return
	}

	s.resolver.Resolve(f.RequestID, f.Response)
}

// heartbeatLoop pings every connection each interval and evicts the ones
// that did not answer the previous ping.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepConnections()

		case <-s.stopHeartbeat:
			return
		}
	}
}

func (s *Server) sweepConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))

	for _, c := range s.clients {
		clients = append(clients, c)
	}

	s.mu.Unlock()

	stale := 0

	for _, c := range clients {
		if !c.consumeAlive() && c.age() >= s.cfg.ConnectionTimeout {
			s.log.Warn("Evicting stale connection", "client_id", c.id)
			s.evict(c, websocket.ClosePolicyViolation, "heartbeat missed")

			stale++

			continue
		}

		c.writeMu.Lock()
		err := c.conn.WriteControl(
			websocket.PingMessage,
			nil,
			time.Now().Add(s.cfg.WriteTimeout),
		)
		c.writeMu.Unlock()

		if err != nil {
			s.log.Warn("Ping failed", "client_id", c.id, "error", err)
			s.evict(c, websocket.ClosePolicyViolation, "ping failed")

			stale++
		}
	}

	if stale > 0 {
		s.log.Info("Removed stale connections", "removed", stale)
	}
}

// evict terminates a connection and removes it from the registry.
func (s *Server) evict(c *client, code int, reason string) {
	c.stopAuthTimer()
	c.closeWith(code, reason, s.cfg.WriteTimeout)
	s.deregister(c)
}

// deregister removes a connection from the registry. Idempotent; the read
// loop and eviction paths can both reach it.
func (s *Server) deregister(c *client) {
	c.stopAuthTimer()
	_ = c.conn.Close()

	s.mu.Lock()

	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	remaining := len(s.clients)

	s.mu.Unlock()

	if present {
		s.log.Info("Client disconnected", "client_id", c.id, "remaining", remaining)
	}
}
