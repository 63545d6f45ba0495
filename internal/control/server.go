// Package control exposes the HTTP control surface: status, start and
// stop, manual flatten, feed controls, metrics, and a WebSocket event
// stream.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/events"
	"github.com/sentinel-desk/intraday-backend/internal/orchestrator"
	"github.com/sentinel-desk/intraday-backend/internal/position"
	"github.com/sentinel-desk/intraday-backend/internal/store"
)

// Config tunes the HTTP server.
type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8086,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// FeedControl is the slice of the ingestor the server drives.
type FeedControl interface {
	ForceReconnect()
	SetSkipAutoInit(v bool)
	Connect()
}

// Flattener squares off the whole book on demand.
type Flattener interface {
	FlattenAll(ctx context.Context, reason string)
}

// Trader is the orchestrator surface the control plane drives.
type Trader interface {
	Status() orchestrator.Status
	Pause()
	Resume()
}

// Server is the control-plane HTTP server.
type Server struct {
	logger     *zap.Logger
	cfg        Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	orch     Trader
	tracker  *position.Tracker
	feed     FeedControl
	flatten  Flattener
	bus      *events.Bus
	trades   *store.Store
	registry *prometheus.Registry

	mu      sync.Mutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func NewServer(logger *zap.Logger, cfg Config, orch Trader, tracker *position.Tracker, feed FeedControl, flatten Flattener, bus *events.Bus, trades *store.Store, registry *prometheus.Registry) *Server {
	s := &Server{
		logger:   logger.Named("control"),
		cfg:      cfg,
		router:   mux.NewRouter(),
		orch:     orch,
		tracker:  tracker,
		feed:     feed,
		flatten:  flatten,
		bus:      bus,
		trades:   trades,
		registry: registry,
		clients:  make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	s.bus.Subscribe(s.broadcast)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/start", s.handleStart).Methods("POST")
	s.router.HandleFunc("/api/v1/stop", s.handleStop).Methods("POST")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/trades", s.handleTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/flatten", s.handleFlatten).Methods("POST")
	s.router.HandleFunc("/api/v1/feed/reconnect", s.handleFeedReconnect).Methods("POST")
	s.router.HandleFunc("/api/v1/feed/connect", s.handleFeedConnect).Methods("POST")
	s.router.HandleFunc("/api/v1/feed/skip-auto-init", s.handleSkipAutoInit).Methods("POST")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler exposes the routed mux for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("control server listening", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	s.logger.Info("trading start requested")
	s.orch.Resume()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "trading"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.logger.Warn("trading stop requested")
	s.orch.Pause()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	records, err := s.trades.TradesForDay(r.Context(), date)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("manual flatten requested")
	s.flatten.FlattenAll(r.Context(), "manual flatten via control api")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "flattening"})
}

func (s *Server) handleFeedReconnect(w http.ResponseWriter, _ *http.Request) {
	s.feed.ForceReconnect()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}

func (s *Server) handleFeedConnect(w http.ResponseWriter, _ *http.Request) {
	s.feed.Connect()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "connecting"})
}

func (s *Server) handleSkipAutoInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	s.feed.SetSkipAutoInit(body.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"skipAutoInit": body.Enabled})
}

// handleWebSocket upgrades and streams bus events until the client
// goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	go s.writeLoop(client)
	go s.readLoop(client)
}

func (s *Server) readLoop(c *wsClient) {
	defer s.dropClient(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *wsClient) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dropClient(c *wsClient) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
	}
	s.mu.Unlock()
	_ = c.conn.Close()
}

// broadcast fans a bus event to every connected client, dropping for
// slow consumers.
func (s *Server) broadcast(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}
