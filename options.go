package idempotency

import (
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/go-playground/validator/v10"
	"github.com/mohae/deepcopy"
)

// ConcurrencyMode selects what a caller does when it finds the key in progress
type ConcurrencyMode string

const (
	// ModeFail returns ErrConcurrentInvocation immediately
	ModeFail ConcurrencyMode = "fail"
	// ModeWait polls the store until the in-flight call completes or WaitTimeout passes
	ModeWait ConcurrencyMode = "wait"
)

// Config holds wrapper configuration
type Config struct {
	// EventKeyPath selects the part of the payload that forms the key.
	// Empty means the whole payload.
	EventKeyPath string `yaml:"eventKeyPath"`
	// PayloadValidationPath selects the part of the payload that must match on replay.
	// Empty disables payload validation.
	PayloadValidationPath string          `yaml:"payloadValidationPath"`
	FunctionName          string          `yaml:"functionName" validate:"required"`
	TTL                   time.Duration   `yaml:"ttl" validate:"gt=0"`
	ConcurrencyMode       ConcurrencyMode `yaml:"concurrencyMode" validate:"oneof=fail wait"`
	WaitTimeout           time.Duration   `yaml:"waitTimeout" validate:"gte=0"`
	PollInterval          time.Duration   `yaml:"pollInterval" validate:"gt=0"`
	SkipOnMissingKey      bool            `yaml:"skipOnMissingKey"`

	Logger *slog.Logger     `yaml:"-" validate:"-"`
	Clock  func() time.Time `yaml:"-" validate:"-"`

	err error
}

// Option is a functional option for configuring the wrapper
type Option func(*Config)

var defaultConfig = &Config{
	FunctionName:    DefaultFunctionName,
	TTL:             DefaultTTL,
	ConcurrencyMode: ModeFail,
	WaitTimeout:     DefaultWaitTimeout,
	PollInterval:    DefaultPollInterval,
}

var validate = validator.New()

// NewConfig returns the defaults with opts applied. Inside Lambda the
// function name defaults to AWS_LAMBDA_FUNCTION_NAME.
func NewConfig(opts ...Option) *Config {
	c := deepcopy.Copy(defaultConfig).(*Config)
	if lambdacontext.FunctionName != "" {
		c.FunctionName = lambdacontext.FunctionName
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Validate checks the configuration, including errors recorded by file options
func (c *Config) Validate() error {
	if c.err != nil {
		return c.err
	}
	return validate.Struct(c)
}

// WithEventKeyPath sets the gjson path that selects the key data
func WithEventKeyPath(path string) Option {
	return func(c *Config) {
		c.EventKeyPath = path
	}
}

// WithPayloadValidationPath enables payload validation on replay
func WithPayloadValidationPath(path string) Option {
	return func(c *Config) {
		c.PayloadValidationPath = path
	}
}

// WithFunctionName sets the key prefix, so two wrapped handlers never share keys
func WithFunctionName(name string) Option {
	return func(c *Config) {
		c.FunctionName = name
	}
}

// WithTTL sets the time-to-live for completed records
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.TTL = ttl
	}
}

// WithConcurrencyMode sets the behaviour on in-flight duplicates
func WithConcurrencyMode(mode ConcurrencyMode) Option {
	return func(c *Config) {
		c.ConcurrencyMode = mode
	}
}

// WithWaitTimeout bounds how long ModeWait polls. Zero waits until the context is done.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WaitTimeout = d
	}
}

// WithPollInterval sets the ModeWait polling interval
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = d
	}
}

// WithSkipOnMissingKey runs the handler without idempotency when no key can be extracted
func WithSkipOnMissingKey() Option {
	return func(c *Config) {
		c.SkipOnMissingKey = true
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Clock = now
	}
}
