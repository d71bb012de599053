package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/sjson"
)

const (
	// DefaultHeaderName is the default HTTP header for idempotency keys
	DefaultHeaderName = "Idempotency-Key"
	// CachedHeaderName marks replayed responses
	CachedHeaderName = "X-Idempotency-Cached"
)

// CachedResponse represents a stored HTTP response
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	Timestamp  time.Time   `json:"timestamp"`
}

// MiddlewareConfig holds middleware configuration
type MiddlewareConfig struct {
	HeaderName     string
	HeaderOptional bool
}

// MiddlewareOption is a functional option for configuring the middleware
type MiddlewareOption func(*MiddlewareConfig)

// WithHeaderName sets the HTTP header name for idempotency keys
func WithHeaderName(name string) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.HeaderName = name
	}
}

// WithHeaderOptional runs requests without the header through idempotency
// too, for wrappers whose EventKeyPath selects a body field.
func WithHeaderOptional() MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.HeaderOptional = true
	}
}

// errServerStatus marks a 5xx response so the record is rolled back
var errServerStatus = errors.New("handler responded with a server error")

// Middleware returns an HTTP middleware that enforces idempotency through i.
//
// Each request is described to i as a JSON document:
//
//	{"method": "POST", "path": "/api/payment", "idempotency_key": "...", "body": {...}}
//
// With the default empty EventKeyPath the whole document forms the key, so a
// reused header with a different body is a different request. Set
// EventKeyPath to "idempotency_key" and PayloadValidationPath to "body" to
// reject such reuse instead.
func Middleware(i *Idempotency, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	config := &MiddlewareConfig{
		HeaderName: DefaultHeaderName,
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only apply to non-idempotent methods
			if !isIdempotentMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(config.HeaderName)
			if key == "" && !config.HeaderOptional {
				next.ServeHTTP(w, r)
				return
			}

			doc, err := requestDocument(r, key)
			if err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}

			var fresh *CachedResponse
			result, err := i.Handle(r.Context(), doc, func(ctx context.Context) ([]byte, error) {
				recorder := newResponseRecorder()
				next.ServeHTTP(recorder, r.WithContext(ctx))
				fresh = recorder.response()
				if fresh.StatusCode >= http.StatusInternalServerError {
					return nil, errServerStatus
				}
				return json.Marshal(fresh)
			})

			switch {
			case err == nil && fresh != nil:
				writeResponse(w, fresh)
			case err == nil:
				var cached CachedResponse
				if err := json.Unmarshal(result, &cached); err != nil {
					http.Error(w, "Internal server error", http.StatusInternalServerError)
					return
				}
				w.Header().Set(CachedHeaderName, "true")
				writeResponse(w, &cached)
			case errors.Is(err, errServerStatus) && fresh != nil:
				writeResponse(w, fresh)
			case errors.Is(err, ErrConcurrentInvocation):
				http.Error(w, "Request already in progress", http.StatusConflict)
			case errors.Is(err, ErrExtraction):
				http.Error(w, "Invalid idempotency key", http.StatusBadRequest)
			case errors.Is(err, ErrPayloadValidation):
				http.Error(w, "Idempotency key reused with a different request", http.StatusUnprocessableEntity)
			default:
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		})
	}
}

// isIdempotentMethod returns true for HTTP methods that should use idempotency
func isIdempotentMethod(method string) bool {
	return method == http.MethodPost || method == http.MethodPatch || method == http.MethodPut
}

// requestDocument builds the JSON document keys are derived from
func requestDocument(r *http.Request, idempotencyKey string) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	doc := []byte(`{}`)
	if doc, err = sjson.SetBytes(doc, "method", r.Method); err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, "path", r.URL.Path); err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		if doc, err = sjson.SetBytes(doc, "idempotency_key", idempotencyKey); err != nil {
			return nil, err
		}
	}
	if len(body) > 0 && json.Valid(body) {
		return sjson.SetRawBytes(doc, "body", body)
	}
	return sjson.SetBytes(doc, "body", string(body))
}

// writeResponse writes a stored response to the response writer
func writeResponse(w http.ResponseWriter, resp *CachedResponse) {
	// Copy headers
	for key, values := range resp.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// responseRecorder buffers the handler's response until it has been stored
type responseRecorder struct {
	header     http.Header
	statusCode int
	body       bytes.Buffer
	wrote      bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), statusCode: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wrote {
		return
	}
	r.statusCode = statusCode
	r.wrote = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.body.Write(b)
}

func (r *responseRecorder) response() *CachedResponse {
	return &CachedResponse{
		StatusCode: r.statusCode,
		Headers:    r.header.Clone(),
		Body:       append([]byte(nil), r.body.Bytes()...),
		Timestamp:  time.Now(),
	}
}
