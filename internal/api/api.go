// Package api exposes the LFGQueue service over HTTP.
//
// Producers post observed chat messages, workers claim batches and report
// outcomes, and operators cancel users, inspect the queue and trigger sweeps.
// Every response body uses the models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LFGQueue/internal/queue"
)

// Default server settings
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes bounds every request body.
	maxBodyBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// Server serves the queue API.
type Server struct {
	svc     *queue.Service
	opts    Opts
	handler http.Handler
}

// NewServer builds a server over svc.
func NewServer(svc *queue.Service, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{svc: svc, opts: o}
	s.handler = requestLogger(s.routes())
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.HandleFunc("POST /messages", s.ingestHandler)
	mux.HandleFunc("GET /messages", s.listMessagesHandler)
	mux.HandleFunc("POST /messages/claim", s.claimHandler)
	mux.HandleFunc("GET /messages/{messageID}", s.getMessageHandler)
	mux.HandleFunc("POST /messages/{messageID}/outcome", s.outcomeHandler)
	mux.HandleFunc("POST /cancellations", s.cancelHandler)
	mux.HandleFunc("GET /listings", s.listingsHandler)
	mux.HandleFunc("GET /stats", s.statsHandler)
	mux.HandleFunc("GET /sweeps", s.sweepsHandler)
	mux.HandleFunc("POST /sweeps/{name}/run", s.runSweepHandler)
	return mux
}

// Handler returns the root handler, including request logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.opts.Addr
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: listen failed", "addr", s.opts.Addr, "error", err)
			return fmt.Errorf("api server on %s: %w", s.opts.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down", "timeout", s.opts.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return <-errCh
}
