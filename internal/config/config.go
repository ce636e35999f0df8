// Package config loads the scriptd server configuration from an optional
// TOML file with SCRIPTD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quantops/scriptd/internal/auth"
	"github.com/quantops/scriptd/internal/logger"
)

// Defaults applied when the file or environment leaves a field unset.
const (
	DefaultListen      = "127.0.0.1:8080"
	DefaultBasePath    = "/v1"
	DefaultGracePeriod = 10 * time.Second
)

// Server is the top-level configuration.
type Server struct {
	Listen      string        `toml:"listen" mapstructure:"listen"`
	BasePath    string        `toml:"base_path" mapstructure:"base_path"`
	ScriptsRoot string        `toml:"scripts_root" mapstructure:"scripts_root"`
	LogsDir     string        `toml:"logs_dir" mapstructure:"logs_dir"`
	Interpreter []string      `toml:"interpreter" mapstructure:"interpreter"`
	GracePeriod time.Duration `toml:"grace_period" mapstructure:"grace_period"`

	// Env entries are KEY=VALUE pairs added to every run. EnvFiles are
	// loaded first, in order; Env overrides them. UseOSEnv controls whether
	// the daemon's own environment is inherited by runs.
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Auth    auth.Config   `toml:"auth" mapstructure:"auth"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
}

// MetricsConfig controls the Prometheus endpoint, served on its own
// listener so scrapes never contend with the management API.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// DefaultMetricsListen is used when metrics are enabled without an address.
const DefaultMetricsListen = "127.0.0.1:9100"

// Load reads configuration from path (empty path means defaults plus
// environment only) and applies SCRIPTD_* overrides, e.g. SCRIPTD_LISTEN or
// SCRIPTD_AUTH_JWT_SECRET.
func Load(path string) (*Server, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRIPTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("base_path", DefaultBasePath)
	v.SetDefault("scripts_root", "./scripts")
	v.SetDefault("logs_dir", "./logs")
	v.SetDefault("grace_period", DefaultGracePeriod)
	v.SetDefault("use_os_env", true)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	// keys with no meaningful default still need registering so the
	// SCRIPTD_* environment overrides are picked up
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_secret", "")
	v.SetDefault("auth.store_path", "")
	v.SetDefault("auth.issuer", "")
}

func (c *Server) normalize() error {
	if c.ScriptsRoot == "" {
		return fmt.Errorf("scripts_root is required")
	}
	abs, err := filepath.Abs(c.ScriptsRoot)
	if err != nil {
		return fmt.Errorf("resolve scripts_root: %w", err)
	}
	c.ScriptsRoot = abs
	if c.LogsDir == "" {
		c.LogsDir = filepath.Join(abs, "..", "logs")
	}
	if c.LogsDir, err = filepath.Abs(c.LogsDir); err != nil {
		return fmt.Errorf("resolve logs_dir: %w", err)
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	return nil
}

// GlobalEnv merges the configured run environment: env_files in order, then
// the env list on top. The OS environment is handled separately by the run
// manager based on UseOSEnv.
func (c *Server) GlobalEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
