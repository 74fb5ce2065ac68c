// Package server exposes the chat service over a websocket plus health and
// metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/chat"
	"github.com/martinemde/blenderagent/metrics"
)

const (
	maxFrameBytes  = 8 << 20
	sendBuffer     = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	writeWait      = 10 * time.Second
	shutdownGrace  = 5 * time.Second
	requestTimeout = 15 * time.Second
)

// BridgeStatus reports whether the Blender add-on is reachable.
// *bridge.Monitor satisfies it.
type BridgeStatus interface {
	Online() bool
}

// Server serves /ws, /healthz, /metrics and /sessions.
type Server struct {
	chat     *chat.Service
	metrics  *metrics.Metrics
	bridge   BridgeStatus
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New creates a server. m and status may be nil.
func New(svc *chat.Service, m *metrics.Metrics, status BridgeStatus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		chat:    svc,
		metrics: m,
		bridge:  status,
		logger:  logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     localOrigin,
		},
	}
}

// localOrigin accepts requests without an Origin header and those from a
// loopback host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.bridge != nil {
		body["bridge_online"] = s.bridge.Online()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	list, err := s.chat.Sessions().List(ctx)
	if err != nil {
		s.logger.Error("list sessions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type summary struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Messages  int       `json:"messages"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
	out := make([]summary, 0, len(list))
	for _, cs := range list {
		out = append(out, summary{ID: cs.ID, Title: cs.Title, Messages: len(cs.Messages), UpdatedAt: cs.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	cs, err := s.chat.Sessions().Create(ctx)
	if err != nil {
		s.logger.Error("create session", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, cs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
