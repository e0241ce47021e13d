// Package api serves the drift-event query surface: block-range queries,
// aggregate statistics, a live WebSocket stream and a health probe.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marko911/driftwatch/internal/drift"
	"github.com/marko911/driftwatch/internal/scanner"
)

// DriftStore is the detector's query surface.
type DriftStore interface {
	EventsInRange(from, to uint64) []drift.SlotDriftEvent
	Stats() drift.Stats
}

// ScannerStatus exposes the orchestrator's aggregate state.
type ScannerStatus interface {
	Stats() scanner.Stats
	LastProcessedAt() time.Time
}

// Server is the HTTP/WebSocket front for drift events. It also implements
// scanner.EventSink so live events reach stream subscribers.
type Server struct {
	cfg    scanner.APIConfig
	logger *slog.Logger

	store  DriftStore
	status ScannerStatus

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*streamClient
}

type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// NewServer creates the API server over the given store and status sources.
func NewServer(cfg scanner.APIConfig, store DriftStore, status ScannerStatus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "api"),
		store:   store,
		status:  status,
		clients: make(map[string]*streamClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/drift/events", s.handleEvents)
	mux.HandleFunc("/api/v1/drift/stats", s.handleStats)
	mux.HandleFunc("/api/v1/drift/stream", s.handleStream)

	return s.loggingMiddleware(mux)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	last := s.status.LastProcessedAt()
	healthy := true
	if !last.IsZero() && s.cfg.MaxDowntime > 0 && time.Since(last) > s.cfg.MaxDowntime {
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":        healthy,
		"last_block_at":  last,
		"stream_clients": s.clientCount(),
	})
}

// handleEvents serves GET /api/v1/drift/events?from=N&to=M.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	from, err := parseBlockParam(r, "from", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseBlockParam(r, "to", ^uint64(0))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if from > to {
		http.Error(w, "from must not exceed to", http.StatusBadRequest)
		return
	}

	events := s.store.EventsInRange(from, to)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"drift":   s.store.Stats(),
		"scanner": s.status.Stats(),
	})
}

// handleStream upgrades to WebSocket and pushes live drift events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	s.logger.Info("stream client connected",
		"client_id", client.id,
		"remote_addr", conn.RemoteAddr().String(),
	)

	go s.writePump(client)
	go s.readPump(client)
}

// writePump drains the client's send buffer to the socket.
func (s *Server) writePump(client *streamClient) {
	defer s.dropClient(client)

	for {
		select {
		case <-client.done:
			return
		case msg := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and notices disconnects.
func (s *Server) readPump(client *streamClient) {
	defer s.dropClient(client)

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) dropClient(client *streamClient) {
	client.closeOnce.Do(func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		close(client.done)
		client.conn.Close()
		s.logger.Info("stream client disconnected", "client_id", client.id)
	})
}

// Publish implements scanner.EventSink: fan the event out to every stream
// subscriber. A client whose buffer is full is disconnected rather than
// allowed to stall the scanner.
func (s *Server) Publish(ctx context.Context, event drift.SlotDriftEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.RLock()
	clients := make([]*streamClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, client := range clients {
		select {
		case <-client.done:
		case client.send <- data:
		default:
			s.logger.Warn("stream client too slow, dropping", "client_id", client.id)
			go s.dropClient(client)
		}
	}
	return nil
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func parseBlockParam(r *http.Request, name string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
