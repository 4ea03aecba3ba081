// Package api exposes the coordinator card store over HTTP. Status codes are
// the contract: workers branch on 200/403/404/409, never on response body
// shape, so every success serializes the full card.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v5"

	"github.com/orket/orket/pkg/coordinator"
)

// Server wires the card handlers onto an echo router and owns the HTTP
// listener lifecycle.
type Server struct {
	store    *coordinator.Store
	echo     *echo.Echo
	validate *validator.Validate

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer builds the router. Start or StartWithListener begins serving.
func NewServer(store *coordinator.Store) *Server {
	s := &Server{
		store:    store,
		echo:     echo.New(),
		validate: validator.New(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.Use(securityHeaders())

	s.echo.GET("/healthz", s.healthHandler)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/cards", s.listCardsHandler)
	v1.POST("/cards/:id/claim", s.claimCardHandler)
	v1.POST("/cards/:id/renew", s.renewCardHandler)
	v1.POST("/cards/:id/complete", s.completeCardHandler)
	v1.POST("/cards/:id/fail", s.failCardHandler)
	v1.POST("/admin/cards/reset", s.resetCardsHandler)
}

// Start listens on addr and serves until Shutdown. Returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.StartWithListener(ln)
}

// StartWithListener serves on an existing listener. Tests use this with an
// OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	slog.Info("Coordinator API listening", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
