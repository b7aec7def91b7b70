package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const readHeaderTimeout = 10 * time.Second

// httpServer binds eagerly so callers learn the address, including the port
// picked for ":0", before serving starts
type httpServer struct {
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func (s *httpServer) listen(addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

// serve blocks until the server is shut down. A clean shutdown returns nil.
func (s *httpServer) serve() error {
	s.mu.Lock()
	server, l := s.server, s.listener
	s.mu.Unlock()
	if server == nil {
		return errors.New("server is not listening")
	}
	if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *httpServer) shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Addr returns the bound address, empty before listening
func (s *httpServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
