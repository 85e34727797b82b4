package config

import "time"

// Auto levels accepted by the droid CLI.
const (
	AutoLevelLow    = "low"
	AutoLevelMedium = "medium"
	AutoLevelHigh   = "high"
)

// DefaultSchedulerConfig returns the built-in scheduler policy.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxParallelTasks: 4,
		MaxTasksPerDroid: 1,
		DefaultAutoLevel: AutoLevelLow,
		DefaultModel:     "claude-sonnet-4-5",
		TaskTimeout:      Duration(30 * time.Minute),
		WatchdogInterval: Duration(30 * time.Second),
		RetryOnFailure:   true,
		MaxRetries:       2,
		RetryDelay:       Duration(10 * time.Second),
	}
}

// DefaultExecutableConfig returns the default droid CLI settings.
func DefaultExecutableConfig() ExecutableConfig {
	return ExecutableConfig{
		Command:   "droid",
		KillGrace: Duration(5 * time.Second),
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler:  DefaultSchedulerConfig(),
		Executable: DefaultExecutableConfig(),
	}
}
