// Package api provides the read-only status HTTP server and the WebSocket
// event stream.
package api

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/internal/coordinator"
	"github.com/atlas-desktop/breakout-trader/internal/marketdata"
	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// Server is the HTTP/WebSocket status server. It also implements
// notify.Notifier so trading events stream to connected clients.
type Server struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	config      *types.ServerConfig
	router      *mux.Router
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	clients     map[string]*Client
	coord       *coordinator.Coordinator
	hub         *marketdata.Hub
}

// Client represents a WebSocket client
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// NewServer creates the status server.
func NewServer(logger *zap.Logger, config *types.ServerConfig, coord *coordinator.Coordinator, hub *marketdata.Hub) *Server {
	server := &Server{
		logger:  logger,
		config:  config,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		coord:   coord,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts", s.handleAccounts).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts/{name}/trades", s.handleAccountTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/trades", s.handleTrades).Methods("GET")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting status server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports hub health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.hub.Healthy()
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"time":   time.Now().Unix(),
	})
}

// handleStatus returns coordinator and hub status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"coordinator": s.coord.GetStats(),
		"hub":         s.hub.GetStats(),
	})
}

// handleAccounts returns per-account snapshots
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	engines := s.coord.Engines()
	accounts := make([]types.AccountStats, 0, len(engines))
	for _, e := range engines {
		accounts = append(accounts, e.Snapshot())
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// handleAccountTrades returns one account's completed trades
func (s *Server) handleAccountTrades(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, e := range s.coord.Engines() {
		if e.Name() != name {
			continue
		}
		trades := e.Audit().Completed()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"account": name,
			"trades":  trades,
			"count":   len(trades),
		})
		return
	}
	http.Error(w, "account not found", http.StatusNotFound)
}

// handleTrades returns completed trades across all accounts
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	var trades []types.CompletedTrade
	for _, e := range s.coord.Engines() {
		trades = append(trades, e.Audit().Completed()...)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

// handleWebSocket upgrades and registers a streaming client
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("websocket client connected", zap.String("id", client.ID))

	go s.readPump(client)
	go s.writePump(client)
}

// readPump drains client messages; the stream is push-only.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
		s.logger.Info("websocket client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(4 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}
	}
}

// writePump pushes events and pings to the client
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast sends an event to all connected clients, dropping it for clients
// whose buffers are full.
func (s *Server) broadcast(event types.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.Send <- data:
		default:
			// Client buffer full, skip
		}
	}
}

// The Server doubles as a notify.Notifier so trading events reach the
// stream without extra plumbing.

func (s *Server) Signal(sig *types.Signal) {
	s.broadcast(types.Event{Type: types.EventSignal, Timestamp: time.Now(), Payload: sig})
}

func (s *Server) TradeOpened(account string, trade *types.Trade) {
	s.broadcast(types.Event{Type: types.EventTradeOpened, Account: account, Timestamp: time.Now(), Payload: trade})
}

func (s *Server) LegFilled(account string, trade *types.Trade, leg *types.Leg) {
	s.broadcast(types.Event{Type: types.EventLegFilled, Account: account, Timestamp: time.Now(), Payload: leg})
}

func (s *Server) TradeClosed(account string, trade *types.CompletedTrade) {
	s.broadcast(types.Event{Type: types.EventTradeClosed, Account: account, Timestamp: time.Now(), Payload: trade})
}

func (s *Server) System(message string) {
	s.broadcast(types.Event{Type: types.EventSystem, Timestamp: time.Now(), Payload: message})
}
