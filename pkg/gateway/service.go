package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devopschat/pkg/agent"
	"devopschat/pkg/config"
	"devopschat/pkg/logger"
	"devopschat/pkg/metrics"
	"devopschat/pkg/rpc"
	"devopschat/pkg/transport"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 18790
)

// Service exposes one agent over HTTP: the /rpc WebSocket endpoint plus
// health, readiness and metrics.
type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	agent     *agent.Agent
	responder *rpc.Responder
	upgrader  *websocket.Upgrader
	conns     *connManager

	mu        sync.RWMutex
	startedAt time.Time
	draining  bool
}

type statusResponse struct {
	Status        string `json:"status"`
	Session       string `json:"session"`
	PageURL       string `json:"page_url,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
}

func NewService(cfg *config.Config, a *agent.Agent, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if a == nil {
		return nil, errors.New("agent is required")
	}
	if strings.TrimSpace(a.Session()) == "" {
		return nil, errors.New("agent session name is required")
	}
	if log == nil {
		log = slog.Default()
	}

	responder, err := rpc.NewResponder(a.Operations(), rpc.ResponderOptions{
		TrustedOrigins: cfg.Agent.TrustedOrigins,
		Timeout:        cfg.Agent.CallTimeout(),
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("build responder: %w", err)
	}

	serviceLog := logger.Component(log, "gateway.service")
	return &Service{
		cfg:       cfg,
		log:       serviceLog,
		agent:     a,
		responder: responder,
		upgrader:  transport.NewUpgrader(cfg.Gateway.AllowedOrigins),
		conns:     newConnManager(serviceLog),
		startedAt: time.Now().UTC(),
	}, nil
}

// Handler builds the HTTP routes.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Gateway.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/rpc", s.handleRPC)

	return r
}

// Run serves on the configured address until ctx is done, then shuts down:
// the listener first, then open connections, then in-flight calls.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("Gateway started", "address", listener.Addr().String(), "session", s.agent.Session())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("serve gateway: %w", err)
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = err
		}
	}

	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Gateway shutdown incomplete", "error", err)
	}
	s.conns.Close()
	s.responder.Wait()

	s.log.Info("Gateway stopped")
	return runErr
}

// Addr is the configured listen address.
func (s *Service) Addr() string {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (s *Service) handleRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, s.upgrader, s.log)
	if err != nil {
		s.log.Warn("Rejected WebSocket connection", "origin", r.Header.Get("Origin"), "error", err)
		return
	}
	if !s.conns.add(conn) {
		_ = conn.Close()
		return
	}
	defer s.conns.remove(conn)

	log := s.log.With("peer", conn.Origin())
	log.Info("Console connected")

	hello := rpc.NewHello(s.agent.Hello(requestOrigin(r)))
	if err := conn.PostMessage(hello, conn.Origin()); err != nil {
		log.Warn("Sending hello failed", "error", err)
		return
	}

	// The request context is detached from a hijacked connection, so the
	// manager closes the conn on shutdown.
	if err := conn.Serve(context.Background(), s.responder.HandleMessage); err != nil {
		log.Warn("Connection ended", "error", err)
		return
	}
	log.Info("Console disconnected")
}

// requestOrigin is the origin consoles reach this gateway at.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	pageURL := ""
	if page := s.agent.Page(); page != nil {
		pageURL = page.URL()
	}

	return statusResponse{
		Status:        status,
		Session:       s.agent.Session(),
		PageURL:       pageURL,
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		Connections:   s.conns.count(),
	}
}

// isReady reports whether the agent has a page to serve and is not draining.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.draining && s.agent.Page() != nil
}

// requestLogger logs one line per request at debug level, and failures at warn.
func requestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				level := slog.LevelDebug
				if ww.Status() >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}
				log.Log(r.Context(), level, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"latency", time.Since(start),
					"request_id", chimw.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
