package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/codeprobe/internal/config"
	"github.com/bryanwahyu/codeprobe/internal/infra/httpserver"
	"github.com/bryanwahyu/codeprobe/internal/middleware"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// load config
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.docker.Ping(pingCtx); err != nil {
		logger.Warn("docker daemon not reachable, dynamic steps will fail", "error", err)
	}
	cancel()

	go a.svc.RunRetention(ctx, cfg.Retention.TTL, cfg.Retention.Interval)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	handler := httpserver.NewRouter(a.svc, httpserver.Options{
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Limiter:        limiter,
		Metrics:        a.metrics,
		Health:         a.checkers(),
		Sessions:       a.svc.Registry,
		Engine:         middleware.CheckFunc(a.docker.Ping),
		Logger:         logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		// uploads can be large, so no whole-request read deadline
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// run server
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	// graceful shutdown
	logger.Info("shutting down server...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	a.svc.CancelAll(shutdownCtx)
	a.svc.Wait()
	return nil
}
