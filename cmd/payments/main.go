// Command payments is an AWS Lambda API Gateway handler that charges a
// payment at most once per request body.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	idempotency "github.com/AnandSundar/lambda-idempotency"
	"github.com/AnandSundar/lambda-idempotency/envelope"
	"github.com/AnandSundar/lambda-idempotency/internal/config"
	"github.com/AnandSundar/lambda-idempotency/internal/payments"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()

	if err := run(cfg, logger); err != nil {
		logger.Error("payments handler failed to start", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	store, closeStore, err := cfg.OpenStore(context.Background())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	defer closeStore()

	opts := append([]idempotency.Option{idempotency.WithEventKeyPath(envelope.APIGatewayREST)}, cfg.Options()...)
	opts = append(opts, idempotency.WithLogger(logger))
	idem, err := idempotency.New(store, opts...)
	if err != nil {
		return err
	}

	h := newHandler(payments.NewService(), logger)
	lambda.Start(idempotency.Wrap(idem, h.handle))
	return nil
}
