// Package relay wires the room registry, dispatcher, liveness monitor and
// transport into one HTTP server.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codee-relay/config"
	"codee-relay/document"
	"codee-relay/hub"
	"codee-relay/liveness"
	"codee-relay/metrics"
	"codee-relay/protocol"
	ws "codee-relay/websocket"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg      config.Config
	hub      *hub.Hub
	handler  *protocol.Handler
	monitor  *liveness.Monitor
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	upgrader websocket.Upgrader
	router   chi.Router
	newID    func() string
	newDoc   document.Factory
	codec    *protocol.Codec
}

type Option func(*Server)

// WithIDGenerator sets how session ids are minted (default: random UUIDs).
func WithIDGenerator(f func() string) Option {
	return func(s *Server) {
		s.newID = f
	}
}

func WithDocumentFactory(f document.Factory) Option {
	return func(s *Server) {
		s.newDoc = f
	}
}

func WithCodec(c *protocol.Codec) Option {
	return func(s *Server) {
		s.codec = c
	}
}

// New builds a relay for cfg. Nothing listens until Run or Serve.
func New(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		newID:  uuid.NewString,
		newDoc: document.NewLog,
		codec:  protocol.NewCodec(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(metrics.WithRegistry(s.registry), metrics.WithNamespace(cfg.MetricsPrefix))
	s.hub = hub.New(hub.WithDocumentFactory(s.newDoc), hub.WithMetrics(s.metrics))
	s.handler = protocol.NewHandler(s.hub, protocol.WithCodec(s.codec), protocol.WithMetrics(s.metrics))
	s.monitor = liveness.New(s.hub, liveness.WithInterval(cfg.PingInterval), liveness.WithMetrics(s.metrics))
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.wsHandler)
	r.Get("/health", healthHandler)
	r.Get("/stats", s.statsHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *hub.Hub { return s.hub }

func (s *Server) Monitor() *liveness.Monitor { return s.monitor }

// Run binds the configured port and serves until ctx is done. An invalid
// config or a bind failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, runs the liveness monitor and status
// reporter, and shuts down gracefully once ctx is done. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Validate(); err != nil {
		ln.Close()
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.monitor.Run(ctx)
	go s.reportStatus(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("server shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	err := server.Shutdown(shutdownCtx)
	// Upgraded connections are hijacked, so Shutdown does not see them.
	for _, conn := range s.hub.Sessions() {
		s.hub.Leave(conn)
		conn.Close()
	}
	return err
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		room = s.cfg.DefaultRoom
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "error", err)
		return
	}

	wsConn := ws.NewConn(s.newID(), room, conn, s.hub, s.handler,
		ws.WithSendBuffer(s.cfg.SendBuffer),
		ws.WithMaxMessageSize(s.cfg.MaxMessageSize),
		ws.WithWriteWait(s.cfg.WriteWait),
	)
	wsConn.Start()
}

func (s *Server) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReportStatus()
		}
	}
}

// ReportStatus logs the member count of every active room.
func (s *Server) ReportStatus() {
	counts := s.hub.RoomCounts()
	clients := 0
	for _, rc := range counts {
		clients += rc.Members
		slog.Info("room status", "room", rc.Room, "members", rc.Members)
	}
	slog.Info("relay status", "rooms", len(counts), "clients", clients)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statsResponse struct {
	Rooms   int            `json:"rooms"`
	Clients int            `json:"clients"`
	Members map[string]int `json:"members"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Members: make(map[string]int)}
	for _, rc := range s.hub.RoomCounts() {
		resp.Rooms++
		resp.Clients += rc.Members
		resp.Members[rc.Room] = rc.Members
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
