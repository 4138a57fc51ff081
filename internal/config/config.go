package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/michaelbrown/sandcastle/internal/library"
	"github.com/michaelbrown/sandcastle/internal/logging"
	"github.com/michaelbrown/sandcastle/internal/sandbox"
)

type ServerConfig struct {
	Port         int   `mapstructure:"port"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type SandboxConfig struct {
	HomeDir           string        `mapstructure:"home_dir"`
	DefaultFilesDir   string        `mapstructure:"default_files_dir"`
	Preload           []string      `mapstructure:"preload"`
	MaxExecutionSteps uint64        `mapstructure:"max_execution_steps"`
	MaxInputFiles     int           `mapstructure:"max_input_files"`
	MaxInputBytes     int64         `mapstructure:"max_input_bytes"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval"`
	ReadyPollAttempts uint64        `mapstructure:"ready_poll_attempts"`
	BootstrapRetries  uint64        `mapstructure:"bootstrap_retries"`
	BootstrapBackoff  time.Duration `mapstructure:"bootstrap_backoff"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type StorageConfig struct {
	// DBPath of the execution journal. Empty disables journaling.
	DBPath string `mapstructure:"db_path"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
}

// Load reads sandcastle.yaml from the working directory or ~/.sandcastle,
// or from path when given. A missing file is fine; every key has a
// default and can be overridden with SANDCASTLE_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sandcastle")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sandcastle")
	}
	v.SetEnvPrefix("sandcastle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

	// Expand ${VAR} references in paths
	cfg.Sandbox.DefaultFilesDir = expand(cfg.Sandbox.DefaultFilesDir)
	cfg.Storage.DBPath = expand(cfg.Storage.DBPath)
	cfg.Log.File = expand(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	p := sandbox.DefaultPolicy()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 64<<20)

	v.SetDefault("sandbox.home_dir", p.HomeDir)
	v.SetDefault("sandbox.default_files_dir", "")
	v.SetDefault("sandbox.preload", library.DefaultPreload())
	v.SetDefault("sandbox.max_execution_steps", p.MaxExecutionSteps)
	v.SetDefault("sandbox.max_input_files", p.MaxInputFiles)
	v.SetDefault("sandbox.max_input_bytes", p.MaxInputBytes)
	v.SetDefault("sandbox.ready_poll_interval", p.ReadyPollInterval)
	v.SetDefault("sandbox.ready_poll_attempts", p.ReadyPollAttempts)
	v.SetDefault("sandbox.bootstrap_retries", p.BootstrapRetries)
	v.SetDefault("sandbox.bootstrap_backoff", p.BootstrapBackoff)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("storage.db_path", "")
}

func expand(s string) string {
	s = os.ExpandEnv(s)
	if strings.HasPrefix(s, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			s = filepath.Join(home, s[2:])
		}
	}
	return s
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !filepath.IsAbs(c.Sandbox.HomeDir) {
		return fmt.Errorf("sandbox.home_dir must be absolute, got %q", c.Sandbox.HomeDir)
	}
	if c.Sandbox.ReadyPollAttempts == 0 {
		return fmt.Errorf("sandbox.ready_poll_attempts must be at least 1")
	}
	if c.Sandbox.ReadyPollInterval <= 0 {
		return fmt.Errorf("sandbox.ready_poll_interval must be positive")
	}
	reg := library.DefaultRegistry()
	for _, name := range c.Sandbox.Preload {
		if _, ok := reg.Lookup(name); !ok {
			return fmt.Errorf("sandbox.preload: unknown package %q (have %s)", name, strings.Join(reg.Names(), ", "))
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Policy converts the sandbox section into an engine policy.
func (c *Config) Policy() sandbox.Policy {
	s := c.Sandbox
	return sandbox.Policy{
		HomeDir:           s.HomeDir,
		MaxExecutionSteps: s.MaxExecutionSteps,
		MaxInputFiles:     s.MaxInputFiles,
		MaxInputBytes:     s.MaxInputBytes,
		ReadyPollInterval: s.ReadyPollInterval,
		ReadyPollAttempts: s.ReadyPollAttempts,
		BootstrapRetries:  s.BootstrapRetries,
		BootstrapBackoff:  s.BootstrapBackoff,
		Preload:           append([]string(nil), s.Preload...),
	}
}

// Logging converts the log section into logger options.
func (c *Config) Logging() logging.Options {
	l := c.Log
	return logging.Options{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}
