package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefault_ResultCacheIsOff(t *testing.T) {
	assert.False(t, Default().Calculator.CacheResults)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Manager.MaxPlugins, cfg.Manager.MaxPlugins)
}

func TestLoad_OverridesFromFile(t *testing.T) {
	path := writeFile(t, "calcrt.toml", `
[manager]
max_plugins = 5
hook_timeout = "2s"

[calculator]
calculation_timeout = "750ms"
validation_timeout = "100ms"

[loader]
plugin_dirs = ["/opt/plugins"]

[loader.remote]
enabled = true
allowed_domains = ["*.example.org"]
requests_per_second = 2

[security]
storage_ops_per_second = 5

[lua]
max_call_depth = 64
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Manager.MaxPlugins)
	assert.Equal(t, 2*time.Second, cfg.Manager.HookTimeout.Duration)
	assert.Equal(t, 750*time.Millisecond, cfg.Calculator.CalculationTimeout.Duration)
	assert.Equal(t, 100*time.Millisecond, cfg.Calculator.ValidationTimeout.Duration)
	assert.Equal(t, []string{"/opt/plugins"}, cfg.Loader.PluginDirs)
	assert.True(t, cfg.Loader.Remote.Enabled)
	assert.Equal(t, []string{"*.example.org"}, cfg.Loader.Remote.AllowedDomains)
	assert.Equal(t, 2, cfg.Loader.Remote.RequestsPerSecond)
	assert.Equal(t, 5, cfg.Security.StorageOpsPerSecond)
	assert.Equal(t, 64, cfg.Lua.MaxCallDepth)
	assert.Equal(t, 64*1024, cfg.Security.OutputBytesPerSecond)
	// untouched keys keep defaults
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestLoad_ParseError(t *testing.T) {
	path := writeFile(t, "bad.toml", "[manager\nmax_plugins = ")
	_, err := Load(path)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, path, perr.Path)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeFile(t, "dur.toml", "[manager]\nhook_timeout = \"soon\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"CALCRT_LOG_LEVEL":   "debug",
		"CALCRT_PLUGIN_DIRS": "/a" + string(os.PathListSeparator) + "/b",
		"CALCRT_REDIS_URL":   "redis://localhost:6379/0",
		"CALCRT_MAX_PLUGINS": "9",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	require.NoError(t, ApplyEnv(&cfg, lookup))
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Loader.PluginDirs)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, 9, cfg.Manager.MaxPlugins)
}

func TestApplyEnv_BadInteger(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, func(k string) (string, bool) {
		if k == "CALCRT_MAX_PLUGINS" {
			return "many", true
		}
		return "", false
	})
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero plugins", func(c *Config) { c.Manager.MaxPlugins = 0 }},
		{"zero hook timeout", func(c *Config) { c.Manager.HookTimeout = D(0) }},
		{"zero calc timeout", func(c *Config) { c.Calculator.CalculationTimeout = D(0) }},
		{"no retries", func(c *Config) { c.Calculator.ActivationRetries = 0 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "bolt" }},
		{"etcd without endpoints", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"redis without url", func(c *Config) { c.Storage.Backend = "redis" }},
		{"critical max risk", func(c *Config) { c.Security.MaxRisk = "critical" }},
		{"negative storage rate", func(c *Config) { c.Security.StorageOpsPerSecond = -1 }},
		{"negative output rate", func(c *Config) { c.Security.OutputBytesPerSecond = -1 }},
		{"negative fetch rate", func(c *Config) { c.Loader.Remote.RequestsPerSecond = -1 }},
		{"negative call depth", func(c *Config) { c.Lua.MaxCallDepth = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}
