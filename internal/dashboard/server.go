// Package dashboard provides a real-time status server for the sync engine.
//
// Connected WebSocket clients receive aggregate record counts after every
// change and the outcome of every sync pass. Plain HTTP endpoints expose the
// same counts, an explicit sync trigger and Prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	gosync "sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/sync"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStats carries current aggregate counts
	MessageTypeStats MessageType = "stats"

	// MessageTypeSyncComplete indicates a sync pass finished
	MessageTypeSyncComplete MessageType = "sync_complete"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatsData contains aggregate record counts
type StatsData struct {
	store.Stats
	Backlog     int  `json:"backlog"`
	HasProblems bool `json:"has_problems"`
}

// NewStatsData derives the dashboard view of stats.
func NewStatsData(stats store.Stats) StatsData {
	return StatsData{Stats: stats, Backlog: stats.Backlog(), HasProblems: stats.HasProblems()}
}

// SyncCompleteData contains sync pass outcome information
type SyncCompleteData struct {
	Trigger string `json:"trigger"`
	Synced  int    `json:"synced"`
	Failed  int    `json:"failed"`
	Skipped string `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatsFunc reads current aggregate counts.
type StatsFunc func(ctx context.Context) (store.Stats, error)

// SyncFunc runs an explicit sync pass and waits for it.
type SyncFunc func(ctx context.Context) (sync.Result, error)

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	stats  StatsFunc
	syncFn SyncFunc

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu gosync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	mu      gosync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      gosync.WaitGroup

	logger zerolog.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Stats reads aggregate counts for /stats and new clients (optional)
	Stats StatsFunc

	// Sync backs POST /sync (optional; the endpoint answers 503 without it)
	Sync SyncFunc

	// Logger for server activity (default: disabled)
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8080,
		Logger: zerolog.Nop(),
	}
}

// NewServer creates a new dashboard server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	return &Server{
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		stats:     config.Stats,
		syncFn:    config.Sync,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		logger:    config.Logger,
	}
}

// Handler returns the HTTP routes served by the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/sync", s.handleSync)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("dashboard already running")
	}

	// Create listener
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start broadcast handler
	s.wg.Add(1)
	go s.broadcastLoop(s.ctx)

	// Start HTTP server
	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("dashboard server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("dashboard server error")
		}
	}(s.server)

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	srv := s.server
	s.mu.Unlock()

	s.logger.Info().Msg("stopping dashboard server")

	// Close all WebSocket connections
	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	shutdownErr := srv.Shutdown(ctx)

	// Wait for goroutines
	s.wg.Wait()

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown error: %w", shutdownErr)
	}
	s.logger.Info().Msg("dashboard server stopped")
	return nil
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	if err := s.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("dashboard shutdown incomplete")
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string {
	return "dashboard"
}

// Broadcast queues a message for all connected clients. It never blocks:
// when the queue is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	s.mu.Lock()
	running, ctx := s.running, s.ctx
	s.mu.Unlock()
	if !running {
		return
	}

	select {
	case s.broadcast <- msg:
	case <-ctx.Done():
	default:
		s.logger.Warn().Str("type", string(msg.Type)).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastData marshals data into a message of the given type.
func (s *Server) BroadcastData(typ MessageType, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(typ)).Msg("failed to marshal message data")
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to marshal message")
				continue
			}

			// Snapshot clients so slow writes never hold the lock
			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Debug().Err(err).Msg("failed to send to client")
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug().Int("clients", clientCount).Msg("client connected")

	// Greet with current counts so the client renders immediately
	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if stats, err := s.readStats(r.Context()); err == nil {
		welcome.Data, _ = json.Marshal(NewStatsData(stats))
	}
	if data, err := json.Marshal(welcome); err == nil {
		_ = s.write(conn, data)
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = r.Context()
	}
	go s.readLoop(ctx, conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		// Client messages are ignored
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug().Int("clients", clientCount).Msg("client disconnected")
}

func (s *Server) readStats(ctx context.Context) (store.Stats, error) {
	if s.stats == nil {
		return store.Stats{}, fmt.Errorf("stats not configured")
	}
	return s.stats(ctx)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleStats returns aggregate counts
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.readStats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read stats")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, NewStatsData(stats))
}

// handleSync runs an explicit pass and reports its counts
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.syncFn == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sync not available"})
		return
	}

	res, err := s.syncFn(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Tombola Sync</title>
</head>
<body>
    <h1>Tombola Sync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Counts: <a href="/stats">/stats</a> &middot; Health: <a href="/health">/health</a> &middot; Metrics: <a href="/metrics">/metrics</a></p>
    <p>POST /sync runs a sync pass now.</p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
