// Package server hosts HTTP handlers with the middleware, logging and
// lifecycle shared by every fluxoml service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls a Server. Zero values select the defaults.
type Config struct {
	Addr            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// DefaultConfig listens on :8080 with a 30s request timeout.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server is an http.Server wrapped in the standard middleware chain.
type Server struct {
	srv    *http.Server
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan error
}

// New wraps h in Recovery, RequestID, AccessLog and Timeout.
func New(h http.Handler, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	chain := Chain(
		Recovery(logger),
		RequestID(),
		AccessLog(logger),
		Timeout(cfg.RequestTimeout),
	)

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           chain(h),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Handler returns the wrapped handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server: already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	done := make(chan error, 1)
	s.done = done
	s.logger.Info("http server started", zap.String("addr", ln.Addr().String()))

	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
		close(done)
	}()
	return nil
}

// Addr returns the listening address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	done := s.done
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("http server stopping")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-done
}

func (s *Server) doneChan() chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Run starts the server and blocks until ctx is done, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-s.doneChan():
		return err
	}
}
