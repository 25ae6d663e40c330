package config

import (
	"time"

	"github.com/spf13/viper"
)

// Contains all config defaults

type ConfigItem[T any] struct {
	Key     string
	Default T
	Env     string
	Get     func(string) T
}

var (
	LOG_LEVEL = ConfigItem[string]{"options.log_level", "info", "EOLO_LOG_LEVEL", viper.GetString}

	DB_PATH   = ConfigItem[string]{"db.path", "eolo.db", "EOLO_DB_PATH", viper.GetString}
	WORK_DIR  = ConfigItem[string]{"dirs.work", ".", "EOLO_WORK_DIR", viper.GetString}
	STATE_DIR = ConfigItem[string]{"dirs.state", "tmp", "EOLO_STATE_DIR", viper.GetString}

	GPU_MEMORY_THRESHOLD = ConfigItem[float64]{"gpu.memory_threshold", 20.0, "EOLO_GPU_MEMORY_THRESHOLD", viper.GetFloat64}
	GPU_PROBE_TIMEOUT    = ConfigItem[time.Duration]{"gpu.probe_timeout", 10 * time.Second, "EOLO_GPU_PROBE_TIMEOUT", viper.GetDuration}

	SCHEDULER_CHECK_INTERVAL = ConfigItem[time.Duration]{"scheduler.check_interval", 30 * time.Second, "EOLO_SCHEDULER_CHECK_INTERVAL", viper.GetDuration}

	MONITOR_POLL_INTERVAL       = ConfigItem[time.Duration]{"monitor.poll_interval", time.Second, "EOLO_MONITOR_POLL_INTERVAL", viper.GetDuration}
	MONITOR_TERMINATION_TIMEOUT = ConfigItem[time.Duration]{"monitor.termination_timeout", 5 * time.Second, "EOLO_MONITOR_TERMINATION_TIMEOUT", viper.GetDuration}
	MONITOR_CLEANUP_TIMEOUT     = ConfigItem[time.Duration]{"monitor.cleanup_timeout", 5 * time.Second, "EOLO_MONITOR_CLEANUP_TIMEOUT", viper.GetDuration}

	LAUNCH_RESOLVE_ATTEMPTS = ConfigItem[int]{"launch.resolve_attempts", 10, "EOLO_LAUNCH_RESOLVE_ATTEMPTS", viper.GetInt}
	LAUNCH_RESOLVE_DELAY    = ConfigItem[time.Duration]{"launch.resolve_delay", 500 * time.Millisecond, "EOLO_LAUNCH_RESOLVE_DELAY", viper.GetDuration}

	LOG_TAIL_INTERVAL  = ConfigItem[time.Duration]{"log.tail_interval", time.Second, "EOLO_LOG_TAIL_INTERVAL", viper.GetDuration}
	LOG_RECENT_ENTRIES = ConfigItem[int]{"log.recent_entries", 100, "EOLO_LOG_RECENT_ENTRIES", viper.GetInt}

	LOG_CRITICAL_KEYWORDS = ConfigItem[[]string]{
		"log.critical_keywords",
		[]string{
			"out of memory", "oom", "cuda out of memory",
			"cuda error", "gpu error", "runtimeerror",
			"traceback", "fatal", "abort",
		},
		"EOLO_LOG_CRITICAL_KEYWORDS",
		viper.GetStringSlice,
	}

	// Patterns scanned in the log tail after a clean exit; some training
	// stacks swallow failures and exit 0, leaving only the log as evidence.
	LOG_SEVERE_PATTERNS = ConfigItem[[]string]{
		"log.severe_patterns",
		[]string{"out of memory", "cuda error", "traceback", "exception"},
		"EOLO_LOG_SEVERE_PATTERNS",
		viper.GetStringSlice,
	}
)

func init() {
	setDefaults()
	bindEnvVars()
}

// Set defaults that are used when no value is found in config/env vars
func setDefaults() {
	viper.SetDefault(LOG_LEVEL.Key, LOG_LEVEL.Default)

	viper.SetDefault(DB_PATH.Key, DB_PATH.Default)
	viper.SetDefault(WORK_DIR.Key, WORK_DIR.Default)
	viper.SetDefault(STATE_DIR.Key, STATE_DIR.Default)

	viper.SetDefault(GPU_MEMORY_THRESHOLD.Key, GPU_MEMORY_THRESHOLD.Default)
	viper.SetDefault(GPU_PROBE_TIMEOUT.Key, GPU_PROBE_TIMEOUT.Default)

	viper.SetDefault(SCHEDULER_CHECK_INTERVAL.Key, SCHEDULER_CHECK_INTERVAL.Default)

	viper.SetDefault(MONITOR_POLL_INTERVAL.Key, MONITOR_POLL_INTERVAL.Default)
	viper.SetDefault(MONITOR_TERMINATION_TIMEOUT.Key, MONITOR_TERMINATION_TIMEOUT.Default)
	viper.SetDefault(MONITOR_CLEANUP_TIMEOUT.Key, MONITOR_CLEANUP_TIMEOUT.Default)

	viper.SetDefault(LAUNCH_RESOLVE_ATTEMPTS.Key, LAUNCH_RESOLVE_ATTEMPTS.Default)
	viper.SetDefault(LAUNCH_RESOLVE_DELAY.Key, LAUNCH_RESOLVE_DELAY.Default)

	viper.SetDefault(LOG_TAIL_INTERVAL.Key, LOG_TAIL_INTERVAL.Default)
	viper.SetDefault(LOG_RECENT_ENTRIES.Key, LOG_RECENT_ENTRIES.Default)
	viper.SetDefault(LOG_CRITICAL_KEYWORDS.Key, LOG_CRITICAL_KEYWORDS.Default)
	viper.SetDefault(LOG_SEVERE_PATTERNS.Key, LOG_SEVERE_PATTERNS.Default)
}

// Add bindings for env vars so env vars can be used as backup
// when a value is not found in config when using viper.Get~()
func bindEnvVars() {
	viper.BindEnv(LOG_LEVEL.Key, LOG_LEVEL.Env)

	viper.BindEnv(DB_PATH.Key, DB_PATH.Env)
	viper.BindEnv(WORK_DIR.Key, WORK_DIR.Env)
	viper.BindEnv(STATE_DIR.Key, STATE_DIR.Env)

	viper.BindEnv(GPU_MEMORY_THRESHOLD.Key, GPU_MEMORY_THRESHOLD.Env)
	viper.BindEnv(GPU_PROBE_TIMEOUT.Key, GPU_PROBE_TIMEOUT.Env)

	viper.BindEnv(SCHEDULER_CHECK_INTERVAL.Key, SCHEDULER_CHECK_INTERVAL.Env)

	viper.BindEnv(MONITOR_POLL_INTERVAL.Key, MONITOR_POLL_INTERVAL.Env)
	viper.BindEnv(MONITOR_TERMINATION_TIMEOUT.Key, MONITOR_TERMINATION_TIMEOUT.Env)
	viper.BindEnv(MONITOR_CLEANUP_TIMEOUT.Key, MONITOR_CLEANUP_TIMEOUT.Env)

	viper.BindEnv(LAUNCH_RESOLVE_ATTEMPTS.Key, LAUNCH_RESOLVE_ATTEMPTS.Env)
	viper.BindEnv(LAUNCH_RESOLVE_DELAY.Key, LAUNCH_RESOLVE_DELAY.Env)

	viper.BindEnv(LOG_TAIL_INTERVAL.Key, LOG_TAIL_INTERVAL.Env)
	viper.BindEnv(LOG_RECENT_ENTRIES.Key, LOG_RECENT_ENTRIES.Env)
	viper.BindEnv(LOG_CRITICAL_KEYWORDS.Key, LOG_CRITICAL_KEYWORDS.Env)
	viper.BindEnv(LOG_SEVERE_PATTERNS.Key, LOG_SEVERE_PATTERNS.Env)
}

// Get returns the value of a config item, checking the config file
// first and bound env vars as backup.
func Get[T any](item ConfigItem[T]) T {
	return item.Get(item.Key)
}
