package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that serializes as a Go duration string ("30s", "5m").
// Plain JSON numbers are accepted on input and read as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Millisecond)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	return nil
}

// SchedulerConfig is the process-wide admission and retry policy.
type SchedulerConfig struct {
	MaxParallelTasks int      `json:"max_parallel_tasks"`  // Global concurrency ceiling
	MaxTasksPerDroid int      `json:"max_tasks_per_droid"` // Per-droid concurrency ceiling
	DefaultAutoLevel string   `json:"default_auto_level"`  // "low", "medium" or "high"
	DefaultModel     string   `json:"default_model"`
	TaskTimeout      Duration `json:"task_timeout"`      // Running longer than this is cancelled by the watchdog
	WatchdogInterval Duration `json:"watchdog_interval"` // Watchdog polling period
	RetryOnFailure   bool     `json:"retry_on_failure"`
	MaxRetries       int      `json:"max_retries"`
	RetryDelay       Duration `json:"retry_delay"` // Wait before a failed task re-enters admission
}

// ExecutableConfig describes how the droid CLI is invoked.
type ExecutableConfig struct {
	Command   string            `json:"command"`              // Binary name or path (default "droid")
	Args      []string          `json:"args,omitempty"`       // Extra args inserted after the exec subcommand
	Env       map[string]string `json:"env,omitempty"`        // Extra environment for every process
	KillGrace Duration          `json:"kill_grace,omitempty"` // SIGTERM -> SIGKILL escalation window
}

// Config is the top-level file configuration.
type Config struct {
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Executable ExecutableConfig `json:"executable"`
}
