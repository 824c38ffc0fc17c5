package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run starts the server and blocks until SIGINT or SIGTERM.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs the HTTP listener, the expired-ban sweeper and the periodic
// metrics log until ctx is cancelled, then shuts everything down and
// closes the server.
func (s *Server) Serve(ctx context.Context) error {
	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("server: close", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("GhostInbox admin API listening", "addr", s.cfg.Addr, "security", s.mitigator.Available())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.mitigator.Available() && s.cfg.CleanupInterval > 0 {
		g.Go(func() error {
			return s.runSweeper(ctx, s.cfg.CleanupInterval)
		})
	}
	if s.cfg.MetricsLogInterval > 0 {
		g.Go(func() error {
			return s.metrics.RunPeriodicLog(ctx, s.cfg.MetricsLogInterval)
		})
	}
	return g.Wait()
}

// runSweeper removes expired bans every interval. Sweep failures are logged
// and retried on the next tick.
func (s *Server) runSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) (int, error) {
	s.metrics.Sweeps.Add(1)
	n, err := s.mitigator.CleanupExpiredBans(ctx)
	s.metrics.BansExpired.Add(int64(n))
	if err != nil {
		s.metrics.SweepErrors.Add(1)
		slog.Error("expired ban sweep failed", "err", err)
		return n, err
	}
	return n, nil
}
