package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the listener configuration file.
type Config struct {
	Queue      QueueConfig      `yaml:"queue"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Resolution ResolutionConfig `yaml:"resolution"`
	FIFO       FIFOConfig       `yaml:"fifo"`
	Visibility VisibilityConfig `yaml:"visibility"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// QueueConfig identifies the queue and the endpoint serving it.
type QueueConfig struct {
	URL      string `yaml:"url"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // optional, e.g. a local emulator
}

// ConsumerConfig holds container-wide settings.
type ConsumerConfig struct {
	ID                     string   `yaml:"id"`
	Concurrency            int      `yaml:"concurrency"`
	ErrorBackoff           Duration `yaml:"error_backoff"`
	ProcessingTimeout      Duration `yaml:"processing_timeout"`
	ShutdownTimeout        Duration `yaml:"shutdown_timeout"`
	InterruptOnShutdown    bool     `yaml:"interrupt_on_shutdown"`
	ProcessExtraOnShutdown bool     `yaml:"process_extra_on_shutdown"`
}

// RetrievalConfig controls receive calls.
type RetrievalConfig struct {
	BatchSize         int      `yaml:"batch_size"`
	WaitTime          Duration `yaml:"wait_time"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	Prefetch          struct {
		Enabled bool `yaml:"enabled"`
		Min     int  `yaml:"min"`
		Max     int  `yaml:"max"`
	} `yaml:"prefetch"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// ResolutionConfig controls how processed messages are deleted.
type ResolutionConfig struct {
	Mode      string   `yaml:"mode"` // batch | immediate
	BatchSize int      `yaml:"batch_size"`
	Period    Duration `yaml:"period"`
}

// FIFOConfig enables per-group ordering.
type FIFOConfig struct {
	Enabled                 bool `yaml:"enabled"`
	MaxGroups               int  `yaml:"max_groups"`
	MaxPerGroup             int  `yaml:"max_per_group"`
	PurgeOnFailure          bool `yaml:"purge_on_failure"`
	ProcessCachedOnShutdown bool `yaml:"process_cached_on_shutdown"`
}

// VisibilityConfig enables automatic visibility extension.
type VisibilityConfig struct {
	AutoExtend  bool     `yaml:"auto_extend"`
	Timeout     Duration `yaml:"timeout"`
	Buffer      Duration `yaml:"buffer"`
	MaxDuration Duration `yaml:"max_duration"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds the Prometheus endpoint address. Empty disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a time.Duration parsed from strings like "250ms" or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
