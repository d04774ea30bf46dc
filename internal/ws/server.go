// Package ws is the device-facing transport: it upgrades HTTP requests to
// WebSocket, multiplexes connection readiness through epoll, reads frames on a
// bounded worker pool, and hands decoded payloads to the application.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/metrics"
	"github.com/proxipair/pairing-server/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // per-frame read deadline
	WriteTimeout   time.Duration // per-message write deadline
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// SessionStore records connection presence outside the process.
type SessionStore interface {
	Create(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// Server accepts device connections and delivers their frames to onMessage.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     SessionStore // optional
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(connID string)
	onDisconnect func(connID string)
	stats        func() interface{}
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
	logger       *zap.Logger
}

// NewServer creates a Server. sessions may be nil. onMessage runs on a worker
// goroutine for every complete data frame.
func NewServer(config ServerConfig, sessions SessionStore, onMessage func(conn *Connection, data []byte), logger *zap.Logger) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
		logger:     logger.Named("ws"),
	}
}

// SetOnConnect registers a callback invoked with each new connection id
// before any of its frames are read.
func (s *Server) SetOnConnect(fn func(connID string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once per removed connection,
// whether it closed, failed a read or missed its heartbeat.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetStatsFunc registers the source of the /debug/stats payload.
func (s *Server) SetStatsFunc(fn func() interface{}) {
	s.stats = fn
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/debug/stats", s.handleStats)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start creates the poller, starts the event loop and heartbeat, and blocks
// serving HTTP until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll(s.config.WorkerPoolSize)
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("server listening",
		zap.String("addr", s.config.ListenAddr),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.epoll == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	connID := uuid.New().String()
	if s.onConnect != nil {
		s.onConnect(connID)
	}

	pollConn, err := s.epoll.Add(raw)
	if err != nil {
		s.logger.Warn("epoll add failed", zap.String("conn_id", connID), zap.Error(err))
		_ = raw.Close()
		if s.onDisconnect != nil {
			s.onDisconnect(connID)
		}
		return
	}
	c := newConnection(connID, pollConn, time.Now())
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, connID); err != nil {
			s.logger.Warn("session create failed", zap.String("conn_id", connID), zap.Error(err))
		}
		cancel()
	}

	ack, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{ConnectionID: connID})
	if err == nil {
		err = s.SendMessage(connID, ack)
	}
	if err != nil {
		s.logger.Warn("connected ack failed", zap.String("conn_id", connID), zap.Error(err))
	}

	s.logger.Info("connection opened",
		zap.String("conn_id", connID),
		zap.String("remote", r.RemoteAddr),
		zap.Int("total", s.conns.Count()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, s.stats())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// startEventLoop hands each ready connection to a worker, blocking when all
// workers are busy.
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
			}
			if isInterrupted(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("epoll wait error", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Read failures remove
// the connection; a read timeout means the readiness was spurious.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Resume(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.WritePong(payload); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if len(payload) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, payload)
}

// RemoveConnection unregisters and closes c, then runs the disconnect hook
// and deletes the presence record. Only the first call for a connection has
// any effect.
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
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			s.logger.Warn("session delete failed", zap.String("conn_id", c.ID), zap.Error(err))
		}
		cancel()
	}

	s.logger.Info("connection closed",
		zap.String("conn_id", c.ID),
		zap.Duration("age", time.Since(c.CreatedAt).Round(time.Millisecond)),
		zap.Int("total", s.conns.Count()))
}

// SendMessage writes a text frame to the connection with the given id.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("ws: write to %s: %w", connID, err)
	}
	return nil
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every live connection through
// the regular removal path, and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	close(s.done)

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			err = fmt.Errorf("ws: http shutdown: %w", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	s.logger.Info("server stopped")
	return err
}
