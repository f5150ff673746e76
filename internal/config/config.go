// Package config loads the runtime configuration from TOML with environment
// overrides applied on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a string ("5s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{Duration: d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete runtime configuration.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Manager    ManagerConfig    `toml:"manager"`
	Security   SecurityConfig   `toml:"security"`
	Loader     LoaderConfig     `toml:"loader"`
	Lua        LuaConfig        `toml:"lua"`
	Calculator CalculatorConfig `toml:"calculator"`
	Cache      CacheConfig      `toml:"cache"`
	Storage    StorageConfig    `toml:"storage"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

// ManagerConfig bounds the plugin manager.
type ManagerConfig struct {
	MaxPlugins   int      `toml:"max_plugins"`
	AllowedTypes []string `toml:"allowed_types"`
	HookTimeout  Duration `toml:"hook_timeout"`
	Environment  string   `toml:"environment"`
}

// SecurityConfig tunes the permission gate policy.
type SecurityConfig struct {
	// MaxRisk is the highest risk level admitted: low, medium, high.
	MaxRisk string `toml:"max_risk"`
	// BlockedCombinations lists capability sets that are denied together.
	BlockedCombinations [][]string `toml:"blocked_combinations"`
	// Per-plugin rates; zero means unlimited.
	StorageOpsPerSecond  int `toml:"storage_ops_per_second"`
	OutputBytesPerSecond int `toml:"output_bytes_per_second"`
}

// LoaderConfig configures the loader chain.
type LoaderConfig struct {
	PluginDirs []string     `toml:"plugin_dirs"`
	Autoload   bool         `toml:"autoload"`
	Watch      bool         `toml:"watch"`
	Remote     RemoteConfig `toml:"remote"`
}

// RemoteConfig restricts the remote fetch strategy.
type RemoteConfig struct {
	Enabled         bool     `toml:"enabled"`
	AllowedDomains  []string `toml:"allowed_domains"`
	Timeout         Duration `toml:"timeout"`
	MaxPayloadBytes int64    `toml:"max_payload_bytes"`
	Retries         int      `toml:"retries"`
	// RequestsPerSecond throttles fetches across all sources; zero means
	// unlimited.
	RequestsPerSecond int `toml:"requests_per_second"`
}

// LuaConfig configures the declarative plugin interpreter.
type LuaConfig struct {
	ExecutionTimeout Duration `toml:"execution_timeout"`
	MaxCallDepth     int      `toml:"max_call_depth"`
}

// CalculatorConfig holds default instance options.
type CalculatorConfig struct {
	CalculationTimeout Duration `toml:"calculation_timeout"`
	ValidationTimeout  Duration `toml:"validation_timeout"`
	CacheResults       bool     `toml:"cache_results"`
	CacheSize          int      `toml:"cache_size"`
	ActivationRetries  int      `toml:"activation_retries"`
}

// CacheConfig controls the loader cache sweep.
type CacheConfig struct {
	SweepInterval Duration `toml:"sweep_interval"`
	IdleThreshold Duration `toml:"idle_threshold"`
}

// StorageConfig selects the scoped storage backend.
type StorageConfig struct {
	Backend       string   `toml:"backend"` // memory, redis or etcd
	RedisURL      string   `toml:"redis_url"`
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	DialTimeout   Duration `toml:"dial_timeout"`
	KeyPrefix     string   `toml:"key_prefix"`
}

// MetricsConfig controls the prometheus sink.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Manager: ManagerConfig{
			MaxPlugins:   64,
			AllowedTypes: []string{"calculator", "extension-provider", "service"},
			HookTimeout:  D(10 * time.Second),
			Environment:  "production",
		},
		Security: SecurityConfig{
			MaxRisk:              "high",
			BlockedCombinations:  [][]string{{"network", "data.identifiable"}},
			StorageOpsPerSecond:  100,
			OutputBytesPerSecond: 64 * 1024,
		},
		Loader: LoaderConfig{
			Remote: RemoteConfig{
				Timeout:           D(10 * time.Second),
				MaxPayloadBytes:   1 << 20,
				Retries:           2,
				RequestsPerSecond: 10,
			},
		},
		Lua: LuaConfig{ExecutionTimeout: D(5 * time.Second), MaxCallDepth: 200},
		Calculator: CalculatorConfig{
			CalculationTimeout: D(5 * time.Second),
			ValidationTimeout:  D(time.Second),
			CacheSize:          32,
			ActivationRetries:  3,
		},
		Cache: CacheConfig{
			SweepInterval: D(time.Minute),
			IdleThreshold: D(30 * time.Minute),
		},
		Storage: StorageConfig{Backend: "memory", KeyPrefix: "calcrt", DialTimeout: D(5 * time.Second)},
		Metrics: MetricsConfig{Enabled: true, Namespace: "calcrt"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := Parse(path, data, &cfg); err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML data into cfg. Keys absent from data keep their
// current values.
func Parse(source string, data []byte, cfg *Config) error {
	if err := toml.Unmarshal(data, cfg); err != nil {
		return &ParseError{Path: source, Message: err.Error(), Err: err}
	}
	return nil
}

// ApplyEnv overrides cfg from CALCRT_* variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("CALCRT_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookup("CALCRT_PLUGIN_DIRS"); ok {
		cfg.Loader.PluginDirs = nil
		for _, dir := range filepath.SplitList(v) {
			if dir = strings.TrimSpace(dir); dir != "" {
				cfg.Loader.PluginDirs = append(cfg.Loader.PluginDirs, dir)
			}
		}
	}
	if v, ok := lookup("CALCRT_REDIS_URL"); ok {
		cfg.Storage.RedisURL = v
		if v != "" {
			cfg.Storage.Backend = "redis"
		}
	}
	if v, ok := lookup("CALCRT_MAX_PLUGINS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ParseError{Path: "env:CALCRT_MAX_PLUGINS", Message: "not an integer", Err: err}
		}
		cfg.Manager.MaxPlugins = n
	}
	return nil
}

// Validate checks limits and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.Manager.MaxPlugins <= 0 {
		errs = append(errs, fmt.Errorf("manager.max_plugins must be positive"))
	}
	if c.Manager.HookTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("manager.hook_timeout must be positive"))
	}
	if c.Calculator.CalculationTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("calculator.calculation_timeout must be positive"))
	}
	if c.Calculator.ValidationTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("calculator.validation_timeout must be positive"))
	}
	if c.Calculator.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("calculator.cache_size must not be negative"))
	}
	if c.Calculator.ActivationRetries < 1 {
		errs = append(errs, fmt.Errorf("calculator.activation_retries must be at least 1"))
	}
	if c.Loader.Remote.Retries < 0 {
		errs = append(errs, fmt.Errorf("loader.remote.retries must not be negative"))
	}
	if c.Loader.Remote.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("loader.remote.requests_per_second must not be negative"))
	}
	if c.Security.StorageOpsPerSecond < 0 || c.Security.OutputBytesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("security rate limits must not be negative"))
	}
	if c.Lua.MaxCallDepth < 0 {
		errs = append(errs, fmt.Errorf("lua.max_call_depth must not be negative"))
	}
	if c.Loader.Remote.MaxPayloadBytes < 0 {
		errs = append(errs, fmt.Errorf("loader.remote.max_payload_bytes must not be negative"))
	}
	if c.Cache.SweepInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("cache.sweep_interval must be positive"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			errs = append(errs, fmt.Errorf("storage.redis_url is required for the redis backend"))
		}
	case "etcd":
		if len(c.Storage.EtcdEndpoints) == 0 {
			errs = append(errs, fmt.Errorf("storage.etcd_endpoints is required for the etcd backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	switch c.Security.MaxRisk {
	case "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("security.max_risk %q is not one of low, medium, high", c.Security.MaxRisk))
	}
	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}
