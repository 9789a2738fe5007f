// Package server accepts WebSocket upgrades and hands authenticated connections to the
// session orchestrator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/ratelimit"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/session"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg       config.Server
	orch      *session.Orchestrator
	authn     auth.Authenticator
	metrics   *metrics.Metrics
	admission *ratelimit.AdmissionLimiter
	upgrader  websocket.Upgrader
	sem       chan struct{}

	httpServer *http.Server
	listener   net.Listener

	// Sessions run on baseCtx so that hijacked connections see shutdown.
	baseCtx        context.Context
	cancelSessions context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg *config.Config, orch *session.Orchestrator, authn auth.Authenticator, m *metrics.Metrics) *Server {
	if authn == nil {
		authn = auth.HeaderAuthenticator{}
	}
	maxConns := cfg.Server.MaxConnections
	if maxConns <= 0 {
		maxConns = 10000
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:     cfg.Server,
		orch:    orch,
		authn:   authn,
		metrics: m,
		admission: ratelimit.NewAdmissionLimiter(
			cfg.Server.AdmissionRPS,
			cfg.Server.AdmissionBurst,
			cfg.Server.AdmissionIdleTTLDuration(),
		),
		upgrader:       makeUpgrader(cfg.Server.AllowedOrigins),
		sem:            make(chan struct{}, maxConns),
		baseCtx:        baseCtx,
		cancelSessions: cancel,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowed[origin]
		},
	}
}

// Handler serves the WebSocket endpoint, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.wsPath(), s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *Server) wsPath() string {
	if s.cfg.WebSocketPath == "" {
		return "/ws"
	}
	return s.cfg.WebSocketPath
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remote := ratelimit.RemoteKey(r)
	if !s.admission.Allow(remote, time.Now()) {
		logger.WarnF("[%s] Upgrade throttled", remote)
		s.metrics.ConnectionOutcome(metrics.OutcomeThrottled)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		logger.WarnF("[%s] Connection limit %d reached", remote, cap(s.sem))
		s.metrics.ConnectionOutcome(metrics.OutcomeOverloaded)
		http.Error(w, "server is at capacity", http.StatusServiceUnavailable)
		return
	}

	principal, authErr := s.authn.Authenticate(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("[%s] Fail to upgrade connection, details: %v", remote, err)
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	if authErr != nil {
		s.orch.Reject(conn, authErr)
		return
	}

	if err := s.orch.Serve(s.baseCtx, principal, conn); err != nil {
		logger.DebugF("[%s] Connection refused, details: %v", remote, err)
	}
}

type healthResponse struct {
	Status      string         `json:"status"`
	Connections int            `json:"connections"`
	Principals  int            `json:"principals"`
	PerUser     map[string]int `json:"perUser,omitempty"`
	// Live lists every registered connection, sorted by principal.
	Live []connection.Summary `json:"live,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.orch.Registry().AggregateStats()
	resp := healthResponse{
		Status:      "ok",
		Connections: stats.TotalConnections,
		Principals:  stats.TotalPrincipals,
	}
	if r.URL.Query().Get("verbose") == "1" {
		resp.PerUser = stats.PerPrincipal
		resp.Live = s.orch.Registry().Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Listen binds the configured address. Run calls it when it has not been called yet.
func (s *Server) Listen() (net.Addr, error) {
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Run serves until ctx ends, then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoF("WebSocket gateway listen on %s%s", addr.String(), s.wsPath())
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeoutDuration())
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting upgrades, closes every session with "going away" and waits
// for them to finish. Only the first call does any work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		logger.Info("Shutting down WebSocket gateway")
		err := s.httpServer.Shutdown(ctx)
		s.cancelSessions()

		done := make(chan struct{})
		go func() {
			s.orch.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
		s.shutdownErr = err
	})
	return s.shutdownErr
}

// Invoke lets the server be registered with event.Cleaner.
func (s *Server) Invoke(ctx context.Context) error {
	return s.Shutdown(ctx)
}
