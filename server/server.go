// Package server implements the coordinator's HTTP surface: GET /work,
// POST /results, GET /status, GET /status/stream (websocket), and GET
// /health. Grounded on server.py for the route set and the background
// self-shutdown behavior, and on eth-scanner's internal/server/server.go
// for the Go HTTP bootstrap (context-aware listener, graceful shutdown
// with a force-close fallback, connection tracking).
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/LumiOpen/translation-dispatcher/config"
	"github.com/LumiOpen/translation-dispatcher/coordinator"
)

// shutdownGrace bounds how long Start waits for in-flight requests to
// finish once shutdown begins before force-closing tracked connections.
const shutdownGrace = 10 * time.Second

// Server is the coordinator's HTTP bootstrap. Routes are registered in
// registerRoutes, which New calls for you.
type Server struct {
	cfg   *config.CoordinatorConfig
	coord *coordinator.Coordinator
	hub   *hub

	router     *http.ServeMux
	handler    http.Handler
	httpServer *http.Server

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New builds a Server around coord, wiring every route.
func New(cfg *config.CoordinatorConfig, coord *coordinator.Coordinator) *Server {
	s := &Server{
		cfg:    cfg,
		coord:  coord,
		hub:    newHub(),
		router: http.NewServeMux(),
		conns:  make(map[net.Conn]struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/work", s.handleGetWork)
	s.router.HandleFunc("/results", s.handleSubmitResults)
	s.router.HandleFunc("/status", s.handleStatus)
	s.router.HandleFunc("/status/stream", s.handleStatusStream)
	s.router.HandleFunc("/health", s.handleHealth)

	s.handler = RequestID(Logger(s.router))
}

// Start runs the HTTP server, the websocket hub, and the background
// all-work-complete watcher, blocking until ctx is canceled or the
// coordinator's AllWorkComplete reports true (server.py's
// background_shutdown behavior, here surfaced as Start returning instead of
// calling os.Exit). It blocks until fully shut down.
func (s *Server) Start(ctx context.Context) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.run(serveCtx)
	go s.broadcastStatusLoop(serveCtx)
	go s.watchAllWorkComplete(serveCtx, cancel)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.httpServer.ConnState = func(c net.Conn, state http.ConnState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch state {
		case http.StateNew, http.StateActive:
			s.conns[c] = struct{}{}
		case http.StateClosed, http.StateHijacked:
			delete(s.conns, c)
		}
	}

	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
			return
		}
		errCh <- nil
	}()

	log.Printf("server: listening on %s", s.httpServer.Addr)

	select {
	case <-serveCtx.Done():
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	log.Printf("server: shutdown initiated, waiting up to %s for active connections", shutdownGrace)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("server: shutdown timed out, force-closing active connections")
			s.mu.Lock()
			for c := range s.conns {
				_ = c.Close()
			}
			s.mu.Unlock()
		}
		return fmt.Errorf("server: shutdown: %w", err)
	}
	log.Printf("server: shutdown complete")
	return nil
}

// watchAllWorkComplete polls the coordinator on ShutdownPollInterval and
// cancels serveCtx (triggering a graceful shutdown) once AllWorkComplete
// reports true, matching server.py's background_shutdown thread.
func (s *Server) watchAllWorkComplete(ctx context.Context, stop context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.ShutdownPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := s.coord.AllWorkComplete(ctx)
			if err != nil {
				log.Printf("server: error checking completion: %v", err)
				continue
			}
			if done {
				log.Printf("server: all work complete, shutting down")
				stop()
				return
			}
		}
	}
}
