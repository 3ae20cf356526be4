// Package config resolves ListenerConfig fields with the precedence spec
// §3 and §6.3 require: explicit value > environment variable > built-in
// default. A TOML file (BurntSushi/toml) supplies per-listener explicit
// overrides; env vars supply process-wide fallbacks.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"go.queuerunner.dev/internal/engine"
)

// File is the on-disk shape of the optional TOML config file: a table of
// listeners keyed by an arbitrary name, each an explicit-override subset
// of engine.ListenerConfig plus top-level process settings.
type File struct {
	LogLevel    string                  `toml:"log_level"`
	LogUseColor bool                    `toml:"log_use_color"`
	Strict      bool                    `toml:"strict"`
	GracePeriod int                     `toml:"grace_period_s"`
	Listeners   map[string]ListenerFile `toml:"listener"`
}

// ListenerFile is one [listener.NAME] TOML table. Zero values mean "not
// explicitly set" and fall through to the environment/default layers.
type ListenerFile struct {
	QueueURL                 string  `toml:"queue_url"`
	Mode                     string  `toml:"mode"`
	WaitTimeS                *int32  `toml:"wait_time_s"`
	BatchSize                *int32  `toml:"batch_size"`
	VisibilityS              *int32  `toml:"visibility_s"`
	MaxExtendS               *int32  `toml:"max_extend_s"`
	WorkerThreads            *int    `toml:"worker_threads"`
	IdleSleepMaxS            *float64 `toml:"idle_sleep_max_s"`
	ReleaseFailedImmediately *bool   `toml:"release_failed_immediately"`
}

// LoadFile parses a TOML config file at path. A missing file is not an
// error — callers fall back to environment variables and defaults.
func LoadFile(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &File{}, nil
	}
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return &f, nil
}

// envDefaults reads the spec §6.3 environment variables into a
// ListenerConfig seeded from engine.DefaultListenerConfig, so a listener
// with no TOML entry still honors process-wide env overrides.
func envDefaults() engine.ListenerConfig {
	cfg := engine.DefaultListenerConfig()

	if v, ok := lookupInt32("WAIT_TIME"); ok {
		cfg.WaitTimeS = v
	}
	if v, ok := lookupInt32("BATCH_SIZE"); ok {
		cfg.BatchSize = v
	}
	if v, ok := lookupInt32("VISIBILITY_SECS"); ok {
		cfg.VisibilityS = v
	}
	if v, ok := lookupInt32("MAX_EXTEND"); ok {
		cfg.MaxExtendS = v
	}
	if v, ok := os.LookupEnv("WORKER_THREADS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerThreads = n
		}
	}
	if v, ok := os.LookupEnv("IDLE_SLEEP_MAX"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.IdleSleepMaxS = f
		}
	}
	return cfg
}

// Resolve builds the fully-resolved ListenerConfig for one [listener.NAME]
// entry: explicit TOML values override the environment-seeded defaults,
// and QUEUE_URL / env QUEUE_URL is the last resort for queue_url itself.
func Resolve(lf ListenerFile) (engine.ListenerConfig, error) {
	cfg := envDefaults()

	cfg.QueueURL = lf.QueueURL
	if cfg.QueueURL == "" {
		cfg.QueueURL = os.Getenv("QUEUE_URL")
	}
	if lf.Mode != "" {
		cfg.Mode = engine.Mode(lf.Mode)
	}
	if lf.WaitTimeS != nil {
		cfg.WaitTimeS = *lf.WaitTimeS
	}
	if lf.BatchSize != nil {
		cfg.BatchSize = *lf.BatchSize
	}
	if lf.VisibilityS != nil {
		cfg.VisibilityS = *lf.VisibilityS
	}
	if lf.MaxExtendS != nil {
		cfg.MaxExtendS = *lf.MaxExtendS
	}
	if lf.WorkerThreads != nil {
		cfg.WorkerThreads = *lf.WorkerThreads
	}
	if lf.IdleSleepMaxS != nil {
		cfg.IdleSleepMaxS = *lf.IdleSleepMaxS
	}
	if lf.ReleaseFailedImmediately != nil {
		cfg.ReleaseFailedImmediately = *lf.ReleaseFailedImmediately
	}

	if err := cfg.Validate(); err != nil {
		return engine.ListenerConfig{}, err
	}
	return cfg, nil
}

// ResolvedLogLevel resolves LOG_LEVEL with file > env > "info" precedence.
func (f *File) ResolvedLogLevel() string {
	if f.LogLevel != "" {
		return f.LogLevel
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}

// ResolvedUseColor resolves LOG_USE_COLOR with file > env > false precedence.
func (f *File) ResolvedUseColor() bool {
	if f.LogUseColor {
		return true
	}
	return os.Getenv("LOG_USE_COLOR") == "true"
}

func lookupInt32(name string) (int32, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(n), true
}
