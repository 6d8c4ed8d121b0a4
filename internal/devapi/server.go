package devapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	store  *Store
	server *http.Server
}

func NewServer(addr string, st *Store) *Server {
	if st == nil {
		st = NewStore()
	}
	return &Server{
		store: st,
		server: &http.Server{
			Addr:              addr,
			Handler:           Handler(st),
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Store() *Store {
	return s.store
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("devapi start", "addr", fmt.Sprintf("http://%s", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("devapi listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return s.Stop(context.Background())
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	slog.Info("devapi stop")
	return s.server.Shutdown(shutdownCtx)
}
