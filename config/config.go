// Package config loads engine-wide defaults for retry policy, task queue
// naming, concurrency, and timer polling. Engine constructors accept a
// config.Engine struct directly; loading it from YAML is optional sugar
// layered on top via Load.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a loaded configuration fails Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// RetryPolicy is the default retry policy applied to a step or workflow that
// declares none of its own.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Backoff      float64       `yaml:"backoff"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Engine holds the defaults a Coordinator, Scheduler, and Bus fall back to
// when a workflow or step does not specify its own.
type Engine struct {
	// DefaultRetryPolicy applies to any step that declares no retry policy.
	DefaultRetryPolicy RetryPolicy `yaml:"default_retry_policy"`

	// DefaultTaskQueue names the task queue used by backends (e.g. the
	// Temporal scheduler adapter) that require one.
	DefaultTaskQueue string `yaml:"default_task_queue"`

	// DefaultForeachConcurrency bounds a foreach node's fan-out when the
	// node itself declares no explicit concurrency.
	DefaultForeachConcurrency int `yaml:"default_foreach_concurrency"`

	// SchedulerWorkers sizes the scheduler's step-dispatch worker pool.
	SchedulerWorkers int `yaml:"scheduler_workers"`

	// TimerPollInterval is how often the scheduler scans its timer store
	// for elapsed sleep/sleep_until timers.
	TimerPollInterval time.Duration `yaml:"timer_poll_interval"`
}

// Default returns the engine defaults used when no configuration is loaded.
func Default() *Engine {
	return &Engine{
		DefaultRetryPolicy: RetryPolicy{
			MaxAttempts:  1,
			InitialDelay: time.Second,
			Backoff:      2.0,
			MaxDelay:     time.Minute,
		},
		DefaultTaskQueue:          "stepflow-default",
		DefaultForeachConcurrency: 1,
		SchedulerWorkers:          8,
		TimerPollInterval:         500 * time.Millisecond,
	}
}

// Load reads engine configuration from a YAML file at path, applying it over
// Default() so a minimal file only needs to set the fields it wants to
// override. An empty path returns Default() unchanged.
func Load(path string) (*Engine, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration describes a usable engine.
func (e *Engine) Validate() error {
	var errs []string
	if e.DefaultRetryPolicy.MaxAttempts < 1 {
		errs = append(errs, "default_retry_policy.max_attempts must be >= 1")
	}
	if e.DefaultForeachConcurrency < 1 {
		errs = append(errs, "default_foreach_concurrency must be >= 1")
	}
	if e.SchedulerWorkers < 1 {
		errs = append(errs, "scheduler_workers must be >= 1")
	}
	if e.TimerPollInterval <= 0 {
		errs = append(errs, "timer_poll_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, errs)
	}
	return nil
}
