// Package config loads service configuration from defaults, an optional YAML
// file and SANDBOX_-prefixed environment variables, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sakif/code-sandbox/internal/executor"
	"github.com/sakif/code-sandbox/internal/executor/docker"
	"github.com/sakif/code-sandbox/internal/language"
)

// EnvPrefix is prepended to every environment variable, so server.port is
// read from SANDBOX_SERVER_PORT.
const EnvPrefix = "SANDBOX"

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SandboxConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	QueueTimeout   time.Duration `mapstructure:"queue_timeout"`
	MaxCodeBytes   int           `mapstructure:"max_code_bytes"`
	MemoryLimit    int64         `mapstructure:"memory_limit"`
	CPULimit       float64       `mapstructure:"cpu_limit"`
	PidsLimit      int64         `mapstructure:"pids_limit"`
	Network        string        `mapstructure:"network"`
	User           string        `mapstructure:"user"`
	InstanceID     string        `mapstructure:"instance_id"`
	WorkspaceRoot  string        `mapstructure:"workspace_root"`
	PullImages     bool          `mapstructure:"pull_images"`
}

type LanguageConfig struct {
	Image string `mapstructure:"image"`
}

type StorageConfig struct {
	// DBPath is the execution history database. Empty disables history.
	DBPath string `mapstructure:"db_path"`
}

type AuthConfig struct {
	// JWTSecret enables the bearer guard on /api/execute when set.
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	// RPS is the sustained per-client rate; zero disables limiting.
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Log       LogConfig                 `mapstructure:"log"`
	Sandbox   SandboxConfig             `mapstructure:"sandbox"`
	Languages map[string]LanguageConfig `mapstructure:"languages"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Auth      AuthConfig                `mapstructure:"auth"`
	RateLimit RateLimitConfig           `mapstructure:"ratelimit"`
}

func setDefaults(v *viper.Viper) {
	exec := executor.DefaultConfig()
	dock := docker.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	// must exceed the execution timeout plus queueing
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("sandbox.timeout", exec.Timeout)
	v.SetDefault("sandbox.max_output_bytes", exec.MaxOutputBytes)
	v.SetDefault("sandbox.max_concurrent", exec.MaxConcurrent)
	v.SetDefault("sandbox.queue_timeout", exec.QueueTimeout)
	v.SetDefault("sandbox.max_code_bytes", exec.MaxCodeBytes)
	v.SetDefault("sandbox.memory_limit", dock.MemoryLimit)
	v.SetDefault("sandbox.cpu_limit", dock.CPULimit)
	v.SetDefault("sandbox.pids_limit", dock.PidsLimit)
	v.SetDefault("sandbox.network", dock.NetworkMode)
	v.SetDefault("sandbox.user", dock.User)
	v.SetDefault("sandbox.instance_id", dock.InstanceID)
	v.SetDefault("sandbox.workspace_root", filepath.Join(os.TempDir(), "code-sandbox"))
	v.SetDefault("sandbox.pull_images", dock.PullImages)

	v.SetDefault("storage.db_path", "data/executions.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "code-sandbox")

	v.SetDefault("ratelimit.rps", 2.0)
	v.SetDefault("ratelimit.burst", 5)
}

// Load reads the configuration. path names a YAML file; when empty,
// SANDBOX_CONFIG is consulted and then ./sandbox.yaml, and a missing file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sandbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be between 1 and 65535, got %d", c.Server.Port)
	check(c.Server.ReadTimeout > 0, "server.read_timeout must be positive")
	check(c.Server.WriteTimeout > 0, "server.write_timeout must be positive")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	s := c.Sandbox
	check(s.Timeout > 0, "sandbox.timeout must be positive")
	check(s.QueueTimeout > 0, "sandbox.queue_timeout must be positive")
	check(s.MaxOutputBytes > 0, "sandbox.max_output_bytes must be positive")
	check(s.MaxConcurrent > 0, "sandbox.max_concurrent must be positive")
	check(s.MaxCodeBytes > 0, "sandbox.max_code_bytes must be positive")
	check(s.MemoryLimit > 0, "sandbox.memory_limit must be positive")
	check(s.CPULimit > 0, "sandbox.cpu_limit must be positive")
	check(s.PidsLimit > 0, "sandbox.pids_limit must be positive")
	check(s.Network != "", "sandbox.network must be set")
	check(strings.TrimSpace(s.InstanceID) != "", "sandbox.instance_id must be set")
	check(s.WorkspaceRoot != "", "sandbox.workspace_root must be set")

	defaults := language.MustDefault()
	for id, lc := range c.Languages {
		if p, ok := defaults.Resolve(id); !ok || p.ID != strings.ToLower(id) {
			errs = append(errs, fmt.Errorf("languages.%s: unknown language id", id))
			continue
		}
		check(lc.Image != "", "languages.%s.image must be set", id)
	}

	check(c.RateLimit.RPS >= 0, "ratelimit.rps must not be negative")
	check(c.RateLimit.RPS == 0 || c.RateLimit.Burst > 0, "ratelimit.burst must be positive when ratelimit.rps is set")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Executor returns the per-execution limits.
func (c *Config) Executor() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.Timeout = c.Sandbox.Timeout
	cfg.QueueTimeout = c.Sandbox.QueueTimeout
	cfg.MaxConcurrent = c.Sandbox.MaxConcurrent
	cfg.MaxOutputBytes = c.Sandbox.MaxOutputBytes
	cfg.MaxCodeBytes = c.Sandbox.MaxCodeBytes
	return cfg
}

// Docker returns the container settings.
func (c *Config) Docker() docker.Config {
	cfg := docker.DefaultConfig()
	cfg.MemoryLimit = c.Sandbox.MemoryLimit
	cfg.CPULimit = c.Sandbox.CPULimit
	cfg.PidsLimit = c.Sandbox.PidsLimit
	cfg.NetworkMode = c.Sandbox.Network
	cfg.User = c.Sandbox.User
	cfg.InstanceID = c.Sandbox.InstanceID
	cfg.PullImages = c.Sandbox.PullImages
	return cfg
}

// Registry returns the default languages with any configured image overrides.
func (c *Config) Registry() (*language.Registry, error) {
	overrides := make(map[string]string, len(c.Languages))
	for id, lc := range c.Languages {
		overrides[id] = lc.Image
	}
	return language.MustDefault().WithImages(overrides)
}
