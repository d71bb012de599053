// Package payments is the sample business logic the commands make idempotent.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrInvalidRequest is returned for requests that fail validation
var ErrInvalidRequest = errors.New("invalid payment request")

type Request struct {
	User      string `json:"user" validate:"required"`
	ProductID string `json:"product_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Currency  string `json:"currency" validate:"required,len=3,uppercase"`
}

type Payment struct {
	ID        string    `json:"payment_id"`
	User      string    `json:"user"`
	ProductID string    `json:"product_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Service charges payments. It has side effects on every call, which is why
// callers wrap it.
type Service struct {
	validate *validator.Validate
	now      func() time.Time
	charged  func(Payment)
}

type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// OnCharge registers a hook run for every charge made
func OnCharge(fn func(Payment)) Option {
	return func(s *Service) {
		s.charged = fn
	}
}

func NewService(opts ...Option) *Service {
	s := &Service{
		validate: validator.New(),
		now:      time.Now,
		charged:  func(Payment) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates req and charges it
func (s *Service) Create(ctx context.Context, req Request) (Payment, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return Payment{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	p := Payment{
		ID:        "pay_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		User:      req.User,
		ProductID: req.ProductID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    "completed",
		CreatedAt: s.now().UTC(),
	}
	s.charged(p)
	return p, nil
}
