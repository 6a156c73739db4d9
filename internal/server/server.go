// Package server exposes the attestation pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Server is the attestd HTTP server.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	port   int
	logger *slog.Logger
}

// New binds the listener and wraps handler in an http.Server. Binding to
// 127.0.0.1 is the default; bind "" keeps it.
func New(bind string, port int, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, actualPort, err := listenAutoPort(bind, port, logger)
	if err != nil {
		return nil, fmt.Errorf("binding port: %w", err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		ln:     ln,
		port:   actualPort,
		logger: logger,
	}, nil
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	addr := net.JoinHostPort(bind, fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		// When port is 0, the OS assigns a random port.
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if !isAddrInUse(err) {
		return nil, 0, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		tryPort := port + offset
		ln, err = net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(tryPort)))
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", tryPort)
			return ln, tryPort, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.EADDRINUSE)
}

// Port returns the port the server is bound to.
func (s *Server) Port() int { return s.port }

// Addr returns the listener address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("attestd listening", "addr", s.Addr())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.srv.Shutdown(ctx)
}
