package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openmined/farmsync/internal/controlplane/middleware"
	"github.com/openmined/farmsync/internal/utils"
)

type Config struct {
	Addr        string
	Token       string
	RateLimit   string
	CORSOrigins []string
}

type Server struct {
	config   *Config
	server   *http.Server
	listener net.Listener
	// cancelling base ends open status streams so Shutdown can finish
	base   context.Context
	cancel context.CancelFunc
}

func New(config *Config, svc *Services, onWatch func(watchers int)) (*Server, error) {
	routes, err := SetupRoutes(svc, &RouteConfig{
		Auth:        middleware.TokenAuthConfig{Token: config.Token},
		RateLimit:   config.RateLimit,
		CORSOrigins: config.CORSOrigins,
		OnWatch:     onWatch,
	})
	if err != nil {
		return nil, err
	}

	httpServer := &http.Server{
		Addr:    config.Addr,
		Handler: routes,
		// Timeouts to prevent slow client attacks. No write timeout: status
		// streams stay open.
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	base, cancel := context.WithCancel(context.Background())
	httpServer.BaseContext = func(net.Listener) context.Context { return base }

	return &Server{
		config: config,
		server: httpServer,
		base:   base,
		cancel: cancel,
	}, nil
}

// Listen binds the address so that Addr is known before Serve.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Start serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.Addr()), "token", utils.MaskSecret(s.config.Token))
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	s.cancel()
	return s.server.Shutdown(ctx)
}
