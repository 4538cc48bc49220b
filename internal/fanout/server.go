package fanout

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/reflectdb/reflectdb/internal/broadcast"
	"github.com/reflectdb/reflectdb/internal/metrics"
	"github.com/reflectdb/reflectdb/internal/secctx"
)

// Server is the fan-out HTTP surface: the WebSocket endpoint, the producer's
// broadcast endpoint, and health.
type Server struct {
	hub      *Hub
	logger   *slog.Logger
	metrics  *metrics.Metrics
	router   chi.Router
	upgrader websocket.Upgrader
}

// NewServer creates a fan-out server around a hub.
func NewServer(hub *Hub, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		hub:     hub,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The deployment boundary fronts origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
			s.metrics.Handler().ServeHTTP(w, req)
		})
	}

	r.Get("/ws", s.handleWebSocket)
	r.Post("/broadcast", s.handleBroadcast)
	r.Get("/health", s.handleHealth)

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleWebSocket upgrades the connection, identifies the user, and starts
// the read/write pumps. Identity comes from a bearer token, a token query
// parameter, or a plain user_id query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := wsUserID(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConn(s.hub, ws, userID)
	s.hub.add(c)
	go c.writeLoop()
	c.sendEvent("connected", map[string]any{"user_id": userID})
	go c.readLoop()

	s.logger.Info("client connected",
		slog.String("conn_id", c.id),
		slog.String("user_id", userID),
		slog.String("remote", r.RemoteAddr),
	)
}

func wsUserID(r *http.Request) string {
	if tok := secctx.BearerToken(r.Header.Get("Authorization")); tok != "" {
		if id := secctx.UserIDFromToken(tok); id != "" {
			return id
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		if id := secctx.UserIDFromToken(tok); id != "" {
			return id
		}
	}
	return r.URL.Query().Get("user_id")
}

// handleBroadcast accepts the producer's change batch and routes it to
// subscribers, skipping connections of the sending user.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var batch broadcast.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "malformed batch: " + err.Error(),
		})
		return
	}
	if batch.Type != "changes" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "unsupported batch type " + batch.Type,
		})
		return
	}
	sender := r.Header.Get(broadcast.HeaderSenderUserID)
	sent := s.hub.Broadcast(batch.Items, sender)

	s.logger.Debug("batch routed",
		slog.Int("items", len(batch.Items)),
		slog.Int("sent", sent),
		slog.String("sender", sender),
	)
	writeJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"connections":          stats.Connections,
		"subscriptions":        stats.Subscriptions,
		"class_subscriptions":  stats.ClassSubs,
		"object_subscriptions": stats.ObjectSubs,
		"scope_subscriptions":  stats.ScopeSubs,
		"time":                 time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
