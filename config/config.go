// Package config loads listener settings from YAML and maps them onto
// container options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/hatsunemiku3939/sqslistener"
	"github.com/hatsunemiku3939/sqslistener/middleware"
	"github.com/hatsunemiku3939/sqslistener/resolver"
	"github.com/hatsunemiku3939/sqslistener/retriever"
)

const (
	ResolutionBatch     = "batch"
	ResolutionImmediate = "immediate"
)

var ErrInvalid = errors.New("invalid configuration")

// Default returns a configuration with every default filled in.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadConfigFile reads, defaults and validates the YAML file at path.
func LoadConfigFile(path string) (*Config, error) {
	c, err := ReadConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadConfigFile decodes the YAML file at path without validating it, so
// callers can apply overrides first.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(data)
}

// Parse decodes, defaults and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	c, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Consumer.Concurrency == 0 {
		c.Consumer.Concurrency = sqslistener.DefaultConcurrency
	}
	if c.Consumer.ErrorBackoff == 0 {
		c.Consumer.ErrorBackoff = Duration(10 * time.Second)
	}
	if c.Consumer.ShutdownTimeout == 0 {
		c.Consumer.ShutdownTimeout = Duration(30 * time.Second)
	}
	if c.Retrieval.BatchSize == 0 {
		c.Retrieval.BatchSize = retriever.MaxBatchSize
	}
	if c.Retrieval.WaitTime == 0 {
		c.Retrieval.WaitTime = Duration(retriever.MaxWaitTime)
	}
	if c.Retrieval.Prefetch.Enabled {
		if c.Retrieval.Prefetch.Min == 0 {
			c.Retrieval.Prefetch.Min = 1
		}
		if c.Retrieval.Prefetch.Max == 0 {
			c.Retrieval.Prefetch.Max = retriever.MaxBatchSize
		}
	}
	if c.Resolution.Mode == "" {
		c.Resolution.Mode = ResolutionBatch
	}
	if c.Resolution.BatchSize == 0 {
		c.Resolution.BatchSize = resolver.MaxBatchSize
	}
	if c.Resolution.Period == 0 {
		c.Resolution.Period = Duration(time.Second)
	}
	if c.Visibility.AutoExtend {
		if c.Visibility.Timeout == 0 {
			c.Visibility.Timeout = Duration(30 * time.Second)
		}
		if c.Visibility.Buffer == 0 {
			c.Visibility.Buffer = Duration(5 * time.Second)
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate fills defaults and reports every invalid setting.
func (c *Config) Validate() error {
	c.applyDefaults()

	var errs []string
	if c.Queue.URL == "" {
		errs = append(errs, "queue.url is required")
	}
	if c.Consumer.Concurrency < 1 {
		errs = append(errs, "consumer.concurrency must be at least 1")
	}
	if c.Retrieval.BatchSize < 1 || c.Retrieval.BatchSize > retriever.MaxBatchSize {
		errs = append(errs, fmt.Sprintf("retrieval.batch_size must be between 1 and %d", retriever.MaxBatchSize))
	}
	if c.Retrieval.WaitTime.Duration() > retriever.MaxWaitTime {
		errs = append(errs, fmt.Sprintf("retrieval.wait_time must not exceed %s", retriever.MaxWaitTime))
	}
	if p := c.Retrieval.Prefetch; p.Enabled && (p.Min < 1 || p.Max < p.Min) {
		errs = append(errs, "retrieval.prefetch requires 0 < min <= max")
	}
	if c.Retrieval.RateLimit.RPS < 0 {
		errs = append(errs, "retrieval.rate_limit.rps must not be negative")
	}
	switch c.Resolution.Mode {
	case ResolutionBatch, ResolutionImmediate:
	default:
		errs = append(errs, fmt.Sprintf("resolution.mode must be %q or %q", ResolutionBatch, ResolutionImmediate))
	}
	if c.Resolution.BatchSize < 1 || c.Resolution.BatchSize > resolver.MaxBatchSize {
		errs = append(errs, fmt.Sprintf("resolution.batch_size must be between 1 and %d", resolver.MaxBatchSize))
	}
	if c.FIFO.MaxGroups < 0 || c.FIFO.MaxPerGroup < 0 {
		errs = append(errs, "fifo limits must not be negative")
	}
	if v := c.Visibility; v.AutoExtend && v.Buffer >= v.Timeout {
		errs = append(errs, "visibility.buffer must be shorter than visibility.timeout")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Options maps the configuration onto container options.
func (c *Config) Options() []sqslistener.Option {
	opts := []sqslistener.Option{
		sqslistener.WithConcurrency(c.Consumer.Concurrency),
		sqslistener.WithErrorBackoff(c.Consumer.ErrorBackoff.Duration()),
		sqslistener.WithBatchSize(c.Retrieval.BatchSize),
		sqslistener.WithWaitTime(c.Retrieval.WaitTime.Duration()),
	}
	if c.Consumer.ID != "" {
		opts = append(opts, sqslistener.WithID(c.Consumer.ID))
	}
	if c.Consumer.ProcessingTimeout > 0 {
		opts = append(opts, sqslistener.WithProcessingTimeout(c.Consumer.ProcessingTimeout.Duration()))
	}
	if c.Consumer.InterruptOnShutdown {
		opts = append(opts, sqslistener.WithInterruptOnShutdown())
	}
	if c.Consumer.ProcessExtraOnShutdown {
		opts = append(opts, sqslistener.WithProcessExtraOnShutdown())
	}
	if c.Retrieval.VisibilityTimeout > 0 {
		opts = append(opts, sqslistener.WithVisibilityTimeout(c.Retrieval.VisibilityTimeout.Duration()))
	}
	if p := c.Retrieval.Prefetch; p.Enabled {
		opts = append(opts, sqslistener.WithPrefetching(p.Min, p.Max))
	}
	if rl := c.Retrieval.RateLimit; rl.RPS > 0 {
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, sqslistener.WithReceiveRateLimit(rate.Limit(rl.RPS), burst))
	}
	if c.Resolution.Mode == ResolutionImmediate {
		opts = append(opts, sqslistener.WithImmediateResolution())
	} else {
		opts = append(opts, sqslistener.WithBatchResolution(c.Resolution.BatchSize, c.Resolution.Period.Duration()))
	}
	if f := c.FIFO; f.Enabled {
		opts = append(opts, sqslistener.WithFIFO(f.MaxGroups, f.MaxPerGroup))
		if f.PurgeOnFailure {
			opts = append(opts, sqslistener.WithPurgeGroupOnFailure())
		}
		if f.ProcessCachedOnShutdown {
			opts = append(opts, sqslistener.WithProcessCachedOnShutdown())
		}
	}
	if v := c.Visibility; v.AutoExtend {
		opts = append(opts, sqslistener.WithMiddleware(middleware.AutoExtendVisibility(middleware.VisibilityConfig{
			Timeout:     v.Timeout.Duration(),
			Buffer:      v.Buffer.Duration(),
			MaxDuration: v.MaxDuration.Duration(),
		})))
	}
	return opts
}
