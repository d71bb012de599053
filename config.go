package idempotency

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

type yamlIdempotencyConfig struct {
	EventKeyPath          *string          `yaml:"eventKeyPath"`
	PayloadValidationPath *string          `yaml:"payloadValidationPath"`
	FunctionName          *string          `yaml:"functionName"`
	TTL                   *time.Duration   `yaml:"ttl"`
	ConcurrencyMode       *ConcurrencyMode `yaml:"concurrencyMode"`
	WaitTimeout           *time.Duration   `yaml:"waitTimeout"`
	PollInterval          *time.Duration   `yaml:"pollInterval"`
	SkipOnMissingKey      *bool            `yaml:"skipOnMissingKey"`
}

type yamlConfig struct {
	Idempotency yamlIdempotencyConfig `yaml:"idempotency"`
}

func optionFromYAMLConfig(y yamlIdempotencyConfig) Option {
	return func(c *Config) {
		if y.EventKeyPath != nil {
			c.EventKeyPath = *y.EventKeyPath
		}
		if y.PayloadValidationPath != nil {
			c.PayloadValidationPath = *y.PayloadValidationPath
		}
		if y.FunctionName != nil {
			c.FunctionName = *y.FunctionName
		}
		if y.TTL != nil {
			c.TTL = *y.TTL
		}
		if y.ConcurrencyMode != nil {
			c.ConcurrencyMode = *y.ConcurrencyMode
		}
		if y.WaitTimeout != nil {
			c.WaitTimeout = *y.WaitTimeout
		}
		if y.PollInterval != nil {
			c.PollInterval = *y.PollInterval
		}
		if y.SkipOnMissingKey != nil {
			c.SkipOnMissingKey = *y.SkipOnMissingKey
		}
	}
}

// WithConfig parses YAML bytes with a top-level `idempotency:` section and
// applies only the fields present. Durations use time.ParseDuration syntax.
// Parse errors surface from New.
func WithConfig(yamlBytes []byte) Option {
	var cfg yamlConfig
	if err := yaml.Unmarshal(yamlBytes, &cfg); err != nil {
		return withErr(fmt.Errorf("idempotency.WithConfig: %w", err))
	}
	return optionFromYAMLConfig(cfg.Idempotency)
}

// WithConfigFile loads a YAML file and applies it like WithConfig
func WithConfigFile(path string) Option {
	b, err := os.ReadFile(path)
	if err != nil {
		return withErr(fmt.Errorf("idempotency.WithConfigFile(%s): %w", path, err))
	}
	return WithConfig(b)
}

func withErr(err error) Option {
	return func(c *Config) {
		if c.err == nil {
			c.err = err
		}
	}
}
