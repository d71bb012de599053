// Command devserver runs the payments API over plain HTTP behind the
// idempotency middleware, for local development.
package main

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

	idempotency "github.com/AnandSundar/lambda-idempotency"
	"github.com/AnandSundar/lambda-idempotency/internal/config"
	"github.com/AnandSundar/lambda-idempotency/internal/payments"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()

	if err := run(cfg, logger); err != nil {
		logger.Error("devserver stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	defer closeStore()

	idem, err := idempotency.New(store, append(cfg.Options(), idempotency.WithLogger(logger))...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      newRouter(idem, payments.NewService(), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devserver listening", "addr", cfg.HTTPAddr, "store", cfg.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
