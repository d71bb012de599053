package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	idempotency "github.com/AnandSundar/lambda-idempotency"
	"github.com/AnandSundar/lambda-idempotency/internal/payments"
)

func newRouter(idem *idempotency.Idempotency, svc *payments.Service, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	mw := idempotency.Middleware(idem)
	router.POST("/api/payment", gin.WrapH(mw(handlePayment(svc, logger))))
	return router
}

func handlePayment(svc *payments.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req payments.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		p, err := svc.Create(r.Context(), req)
		if errors.Is(err, payments.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "payment failed", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(p)
	})
}
