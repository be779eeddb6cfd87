// Package httpapi exposes the producer-facing JSON API: enqueue, inbound
// activity reports, and budget inspection.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/queue"
	"outpost/internal/ratelimit"
	"outpost/internal/storage"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg    Config
	queue  *queue.Service
	limits *ratelimit.Service
	store  storage.Store
	log    logx.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func NewServer(cfg Config, q *queue.Service, limits *ratelimit.Service, store storage.Store, log logx.Logger) *Server {
	return &Server{cfg: cfg, queue: q, limits: limits, store: store, log: log}
}

// Start binds the listener and serves in the background. Returns the bind
// error synchronously so a taken port fails startup instead of surfacing
// later in a log line.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("http api started", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("http api stopped")
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleEnqueue)
	mux.HandleFunc("POST /v1/users/{id}/inbound", s.handleInbound)
	mux.HandleFunc("GET /v1/users/{id}/budget", s.handleBudget)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
