package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"matryoshka/internal/logging"
	"matryoshka/internal/vfs"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Server serves one container over HTTP until its context is canceled.
type Server struct {
	cfg    Config
	fs     *vfs.FileSystem
	logger *slog.Logger
}

// New creates a server for fs.
func New(fs *vfs.FileSystem, cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		fs:     fs,
		logger: logging.Default(cfg.Logger).With("component", "server"),
	}
}

// Run listens on the configured address and serves until ctx is
// canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           NewHandler(s.fs, s.cfg.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
