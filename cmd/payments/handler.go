package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/tidwall/sjson"

	"github.com/AnandSundar/lambda-idempotency/internal/payments"
)

type handler struct {
	payments *payments.Service
	logger   *slog.Logger
}

func newHandler(svc *payments.Service, logger *slog.Logger) *handler {
	return &handler{payments: svc, logger: logger}
}

// handle charges the payment in the request body. Client errors are
// responses, not errors, so they are stored and replayed like successes.
func (h *handler) handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var in payments.Request
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return errorResponse(http.StatusBadRequest, "request body must be a JSON object"), nil
	}

	p, err := h.payments.Create(ctx, in)
	if errors.Is(err, payments.ErrInvalidRequest) {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}

	body, err := json.Marshal(p)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	out, err := sjson.Set(string(body), "message", "success")
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}

	h.logger.InfoContext(ctx, "payment charged",
		"payment_id", p.ID, "request_id", req.RequestContext.RequestID)
	return jsonResponse(http.StatusCreated, out), nil
}

func errorResponse(status int, message string) events.APIGatewayProxyResponse {
	body, _ := sjson.Set(`{}`, "error", message)
	return jsonResponse(status, body)
}

func jsonResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}
