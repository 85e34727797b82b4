package config

import (
	"errors"
	"fmt"
)

// Validate checks that every count and duration in the policy is usable.
func (c SchedulerConfig) Validate() error {
	var errs []error
	if c.MaxParallelTasks <= 0 {
		errs = append(errs, fmt.Errorf("max_parallel_tasks must be positive, got %d", c.MaxParallelTasks))
	}
	if c.MaxTasksPerDroid <= 0 {
		errs = append(errs, fmt.Errorf("max_tasks_per_droid must be positive, got %d", c.MaxTasksPerDroid))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("task_timeout must be positive, got %s", c.TaskTimeout))
	}
	if c.WatchdogInterval <= 0 {
		errs = append(errs, fmt.Errorf("watchdog_interval must be positive, got %s", c.WatchdogInterval))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry_delay must be positive, got %s", c.RetryDelay))
	}
	if !ValidAutoLevel(c.DefaultAutoLevel) {
		errs = append(errs, fmt.Errorf("default_auto_level must be low, medium or high, got %q", c.DefaultAutoLevel))
	}
	return errors.Join(errs...)
}

// Normalize clamps max_tasks_per_droid to max_parallel_tasks.
// It reports whether the value was changed so callers can warn about it.
func (c *SchedulerConfig) Normalize() bool {
	if c.MaxParallelTasks > 0 && c.MaxTasksPerDroid > c.MaxParallelTasks {
		c.MaxTasksPerDroid = c.MaxParallelTasks
		return true
	}
	return false
}

// ValidAutoLevel reports whether level is one the droid CLI accepts.
func ValidAutoLevel(level string) bool {
	switch level {
	case AutoLevelLow, AutoLevelMedium, AutoLevelHigh:
		return true
	}
	return false
}
