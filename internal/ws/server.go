// Package ws handles WebSocket connection management: upgrading HTTP
// connections, multiplexing reads over epoll onto a bounded worker pool, and
// writing events back to individual or all connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tripmate/realtime/internal/logger"
	"github.com/tripmate/realtime/internal/metrics"
	"github.com/tripmate/realtime/internal/protocol"
)

var log = logger.Component("ws")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameSize   int64         // largest accepted data frame payload in bytes
}

// DefaultMaxFrameSize fits a maximal message body (16 KiB) plus the JSON
// envelope and escaping around it.
const DefaultMaxFrameSize = 32 << 10

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   DefaultMaxFrameSize,
	}
}

// SessionTracker records connection sessions outside the process, e.g. in
// Redis. Errors are logged and never block a connection.
type SessionTracker interface {
	Create(ctx context.Context, sessionID string) error
	Refresh(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for read
// readiness, and dispatches ready connections to a bounded worker pool.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     SessionTracker                      // optional
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	onlineUsers  func() int                          // reported by /health when set
	pingDB       func(ctx context.Context) error     // reported by /health when set
	allowUpgrade func(r *http.Request) bool          // optional admission check
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete text frame arrives; frames of one connection
// are never handled concurrently. sessions may be nil.
func NewServer(config ServerConfig, sessions SessionTracker, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle mounts an additional HTTP handler (REST API, metrics) on the same
// listener. It must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetUpgradeGuard registers an admission check run before each upgrade.
// Rejected requests get 429.
func (s *Server) SetUpgradeGuard(fn func(r *http.Request) bool) {
	s.allowUpgrade = fn
}

// SetOnlineUsers registers a counter reported by the health endpoint.
func (s *Server) SetOnlineUsers(fn func() int) {
	s.onlineUsers = fn
}

// SetDatabaseCheck registers a database ping reported by the health
// endpoint. A failing ping turns the response into 503 "degraded".
func (s *Server) SetDatabaseCheck(fn func(ctx context.Context) error) {
	s.pingDB = fn
}

// Start initializes the epoll instance, begins the event loop and heartbeat,
// and blocks serving HTTP.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.mux,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it with the connection manager and epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.allowUpgrade != nil && !s.allowUpgrade(r) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	sessionID := uuid.New().String()

	polled, err := s.epoll.Add(conn)
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("epoll add failed")
		_ = conn.Close()
		return
	}

	c := &Connection{
		ID:           sessionID,
		Conn:         polled,
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Create(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("failed to create redis session")
		}
	}

	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
	})
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("failed to build session_created")
	} else if err := c.WriteMessage(sessionMsg); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("failed to send session_created")
	}

	log.Debug().Str("session", sessionID).Int("total", s.conns.Count()).Msg("new connection")
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"online_users"`
		Database    string `json:"database,omitempty"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.onlineUsers != nil {
		resp.OnlineUsers = s.onlineUsers()
	}

	code := http.StatusOK
	if s.pingDB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.pingDB(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("health: database ping failed")
			resp.Status = "degraded"
			resp.Database = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is handed
// to a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				defer s.epoll.Resume(conn)
				defer s.recoverConn(conn)
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled without blocking on a data frame that may never arrive.
// A failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll. This also
	// keeps one connection's events strictly in arrival order.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > s.maxFrameSize() {
		log.Warn().Str("session", c.ID).Int64("length", header.Length).Msg("frame too large")
		if err := c.WriteClose(ws.StatusMessageTooBig, "message too big"); err != nil {
			log.Debug().Err(err).Str("session", c.ID).Msg("failed to send close frame")
		}
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

func (s *Server) maxFrameSize() int64 {
	if s.config.MaxFrameSize > 0 {
		return s.config.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// recoverConn keeps a panicking handler from taking down the process. The
// connection it was serving is dropped.
func (s *Server) recoverConn(netConn net.Conn) {
	r := recover()
	if r == nil {
		return
	}
	log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("worker panic")
	if c := s.conns.GetByConn(netConn); c != nil {
		s.RemoveConnection(c)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout or close frame). It runs before the Redis
// session is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. Concurrent removals of the same connection run the
// disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("session", c.ID).Msg("failed to delete redis session")
		}
	}

	log.Debug().Str("session", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
// It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Broadcast writes a text frame to every connection on this server.
func (s *Server) Broadcast(data []byte) {
	if failed := s.conns.Broadcast(data); failed > 0 {
		log.Debug().Int("failed", failed).Msg("broadcast partially failed")
	}
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// every connection and the epoll instance.
func (s *Server) Shutdown() error {
	log.Info().Msg("shutting down server")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown error")
		}
	}

	for _, c := range s.conns.All() {
		if s.sessions != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.sessions.Delete(delCtx, c.ID)
			delCancel()
		}
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Info().Msg("server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
