package scribeflow

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/scribeflow/pkg/configutil"
)

type Config struct {
	Capture     CaptureConfig   `mapstructure:"capture"`
	Upload      UploadConfig    `mapstructure:"upload"`
	Backend     BackendConfig   `mapstructure:"backend"`
	Reconcile   ReconcileConfig `mapstructure:"reconcile"`
	Snapshot    SnapshotConfig  `mapstructure:"snapshot"`
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
}

type CaptureConfig struct {
	ChunkDurationMS int `mapstructure:"chunk_duration_ms"`
	SettleDelayMS   int `mapstructure:"settle_delay_ms"`
	SwapWaitMS      int `mapstructure:"swap_wait_ms"`
}

type UploadConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts"`
	BaseDelayMS    int `mapstructure:"base_delay_ms"`
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

type BackendConfig struct {
	// Provider selects the backend implementation: http, deepgram, or mock.
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	// PollAttempts and PollIntervalMS bound transcript polling after a
	// consultation completes.
	PollAttempts   int            `mapstructure:"poll_attempts"`
	PollIntervalMS int            `mapstructure:"poll_interval_ms"`
	Settings       map[string]any `mapstructure:"settings"`
}

type ReconcileConfig struct {
	SimilarityThreshold float64  `mapstructure:"similarity_threshold"`
	MinOverlap          int      `mapstructure:"min_overlap"`
	MaxMismatchRatio    float64  `mapstructure:"max_mismatch_ratio"`
	Fillers             []string `mapstructure:"fillers"`
}

type SnapshotConfig struct {
	// Path to the SQLite snapshot database. Empty disables durable pause
	// snapshots.
	Path string `mapstructure:"path"`
}

func (c CaptureConfig) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkDurationMS) * time.Millisecond
}

func (c CaptureConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

func (c CaptureConfig) SwapWait() time.Duration {
	return time.Duration(c.SwapWaitMS) * time.Millisecond
}

func (c UploadConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

func (c UploadConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

func (c BackendConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Backend.Provider = "mock"
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("capture.chunk_duration_ms", 15000)
	v.SetDefault("capture.settle_delay_ms", 100)
	v.SetDefault("capture.swap_wait_ms", 2000)
	v.SetDefault("upload.max_attempts", 3)
	v.SetDefault("upload.base_delay_ms", 1000)
	v.SetDefault("upload.drain_timeout_ms", 30000)
	v.SetDefault("backend.provider", "http")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.poll_attempts", 60)
	v.SetDefault("backend.poll_interval_ms", 5000)
	v.SetDefault("reconcile.similarity_threshold", 0.85)
	v.SetDefault("reconcile.min_overlap", 20)
	v.SetDefault("reconcile.max_mismatch_ratio", 0.10)
	v.SetDefault("snapshot.path", "")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

func (c *Config) Validate() error {
	switch strings.TrimSpace(c.Backend.Provider) {
	case "http":
		if err := configutil.RequireString(c.Backend.BaseURL, "backend.base_url"); err != nil {
			return err
		}
	case "deepgram", "mock":
	case "":
		return fmt.Errorf("backend.provider is required")
	default:
		return fmt.Errorf("unknown backend.provider %q", c.Backend.Provider)
	}
	if c.Capture.ChunkDurationMS <= 0 {
		return fmt.Errorf("capture.chunk_duration_ms must be positive")
	}
	if c.Upload.MaxAttempts <= 0 {
		return fmt.Errorf("upload.max_attempts must be positive")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Backend.Settings = expandSettings(cfg.Backend.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
