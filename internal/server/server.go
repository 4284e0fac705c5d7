// Package server exposes the analysis service over HTTP: session CRUD,
// a per-session WebSocket stream, and a health probe.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/engine"
	"github.com/quarrylabs/quarry/internal/session"
	"github.com/quarrylabs/quarry/internal/stream"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. "127.0.0.1:8080"

	// MaxIdle is the idle age past which a session is swept.
	MaxIdle time.Duration

	// SweepInterval is how often the background sweeper runs. Zero
	// disables it; POST /v1/sessions/sweep still works.
	SweepInterval time.Duration

	// SendTimeout bounds one WebSocket write; it mirrors the stream
	// publisher's send bound.
	SendTimeout time.Duration

	// ReadyTimeout caps how long a queued query waits for session
	// provisioning before it fails.
	ReadyTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxIdle <= 0 {
		c.MaxIdle = 30 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
}

// Server is the HTTP server for the analysis service.
type Server struct {
	config    Config
	sessions  *session.Registry
	publisher *stream.Publisher
	eng       *engine.Engine
	baseCtx   context.Context
	cancel    context.CancelFunc
	httpSrv   *http.Server
	logger    *zap.Logger
}

// New creates a Server over already-constructed components. A nil
// logger disables logging.
func New(cfg Config, sessions *session.Registry, publisher *stream.Publisher, eng *engine.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		sessions:  sessions,
		publisher: publisher,
		eng:       eng,
		baseCtx:   ctx,
		cancel:    cancel,
		logger:    logger,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/stream/{id}", s.handleStream)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDestroySession)
	mux.HandleFunc("POST /v1/sessions/sweep", s.handleSweep)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleRecentEvents)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket streams require no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Info("shutting down", zap.String("signal", sig.String()))
		s.Shutdown()
	}()

	if s.config.SweepInterval > 0 {
		go s.sweepLoop()
	}

	s.logger.Info("listening", zap.String("addr", s.config.Addr))
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.SweepIdle(s.baseCtx, s.config.MaxIdle); n > 0 {
				s.logger.Info("idle sweep", zap.Int("destroyed", n))
			}
		}
	}
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodDelete {
			origin := r.Header.Get("Origin")
			if origin != "" && !localOrigin(origin) {
				http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// localOrigin reports whether the Origin header names a localhost-family
// host. This blocks browser-based CSRF from remote pages while allowing
// local web UIs.
func localOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Shutdown gracefully stops the server: destroy every session (which
// closes their interpreters and any attached streams), drain HTTP, then
// cancel in-flight runs.
func (s *Server) Shutdown() {
	for _, info := range s.sessions.List() {
		if err := s.sessions.Destroy(info.ID); err != nil && err != session.ErrNotFound {
			s.logger.Warn("shutdown destroy", zap.String("session_id", info.ID), zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
