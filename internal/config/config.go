package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig holds scheduling and persistence settings.
type EngineConfig struct {
	StateDir         string        `mapstructure:"state_dir"`
	Backend          string        `mapstructure:"backend"`
	TasksFile        string        `mapstructure:"tasks_file"`
	UseUTC           bool          `mapstructure:"use_utc"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxInstances     int           `mapstructure:"max_instances"`
	MaxWorkflowSteps int           `mapstructure:"max_workflow_steps"`
	ResultRetention  int           `mapstructure:"result_retention"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark          BarkConfig `mapstructure:"bark"`
	RatePerSecond float64    `mapstructure:"rate_per_second"`
}

// NATSConfig configures the optional message bus bridge. An empty URL
// disables it.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Prefix         string        `mapstructure:"prefix"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ActionsConfig holds settings of the built-in actions.
type ActionsConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Mode         string             `mapstructure:"mode"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Notification NotificationConfig `mapstructure:"notification"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Actions      ActionsConfig      `mapstructure:"actions"`
}

const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"

	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Mode:   ModeHTTP,
		Server: ServerConfig{Addr: "0.0.0.0:7070"},
		Log:    LogConfig{Level: "info", Format: "console"},
		Engine: EngineConfig{
			Backend:          BackendFile,
			TasksFile:        "scheduled_tasks.json",
			MaxConcurrent:    5,
			MaxInstances:     3,
			MaxWorkflowSteps: 1000,
			ResultRetention:  200,
			ShutdownGrace:    5 * time.Second,
		},
		Notification: NotificationConfig{RatePerSecond: 1},
		NATS:         NATSConfig{Prefix: "taskflow", RequestTimeout: 30 * time.Second},
		Actions:      ActionsConfig{CommandTimeout: 10 * time.Minute},
	}
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"mode":           "mode",
	"addr":           "server.addr",
	"auth-token":     "server.auth_token",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"state-dir":      "engine.state_dir",
	"backend":        "engine.backend",
	"tasks-file":     "engine.tasks_file",
	"use-utc":        "engine.use_utc",
	"max-concurrent": "engine.max_concurrent",
	"max-instances":  "engine.max_instances",
	"result-keep":    "engine.result_retention",
	"shutdown-grace": "engine.shutdown_grace",
	"nats-url":       "nats.url",
	"nats-prefix":    "nats.prefix",
}

// RegisterFlags defines the CLI flags understood by Load on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "YAML config file")
	fs.String("mode", d.Mode, "Serving mode: http, mcp or both")
	fs.String("addr", d.Server.Addr, "HTTP listen address")
	fs.String("auth-token", "", "Bearer token required by the HTTP API")
	fs.String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	fs.String("log-format", d.Log.Format, "Log format (console, json)")
	fs.String("state-dir", "", "Directory for the task snapshot and database")
	fs.String("backend", d.Engine.Backend, "Persistence backend: file or sqlite")
	fs.String("tasks-file", d.Engine.TasksFile, "Snapshot file name or path")
	fs.Bool("use-utc", false, "Evaluate schedules in UTC instead of local time")
	fs.Int("max-concurrent", d.Engine.MaxConcurrent, "Maximum scheduled executions running at once")
	fs.Int("max-instances", d.Engine.MaxInstances, "Maximum concurrent executions per task")
	fs.Int("result-keep", d.Engine.ResultRetention, "Results retained per task by the sqlite backend")
	fs.Duration("shutdown-grace", d.Engine.ShutdownGrace, "Grace period when shutting down")
	fs.String("nats-url", "", "NATS server URL; empty disables the bridge")
	fs.String("nats-prefix", d.NATS.Prefix, "Subject prefix for the NATS bridge")
}

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	EnvFiles   []string
	Flags      *pflag.FlagSet
}

// Load assembles configuration. Priority: CLI flags > environment > config
// file > .env files > defaults.
func Load(opts LoadOptions) (*Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = defaultEnvFiles()
	}
	for _, file := range envFiles {
		// optional; godotenv never overrides variables already set
		_ = godotenv.Load(file)
	}

	v := viper.New()
	setViperDefaults(v, Default())

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "TASKFLOW"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if flag := opts.Flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if opts.ConfigFile == "" {
			if flag := opts.Flags.Lookup("config"); flag != nil {
				opts.ConfigFile = flag.Value.String()
			}
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func Validate(cfg *Config) error {
	var errs []error
	switch cfg.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("mode must be http, mcp or both, got %q", cfg.Mode))
	}
	switch cfg.Engine.Backend {
	case BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("engine.backend must be file or sqlite, got %q", cfg.Engine.Backend))
	}
	if cfg.Mode != ModeMCP && strings.TrimSpace(cfg.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if cfg.Engine.MaxConcurrent < 1 {
		errs = append(errs, errors.New("engine.max_concurrent must be at least 1"))
	}
	if cfg.Engine.MaxInstances < 1 {
		errs = append(errs, errors.New("engine.max_instances must be at least 1"))
	}
	if cfg.Engine.MaxWorkflowSteps < 1 {
		errs = append(errs, errors.New("engine.max_workflow_steps must be at least 1"))
	}
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL == "" {
		errs = append(errs, errors.New("notification.bark.url is required when bark is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// TasksPath returns the absolute snapshot path.
func (c *Config) TasksPath() string {
	if filepath.IsAbs(c.Engine.TasksFile) {
		return c.Engine.TasksFile
	}
	return filepath.Join(c.Engine.StateDir, c.Engine.TasksFile)
}

// DatabasePath returns the sqlite database path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Engine.StateDir, "taskflow.db")
}

// Location returns the zone schedules are evaluated in.
func (c *Config) Location() *time.Location {
	if c.Engine.UseUTC {
		return time.UTC
	}
	return time.Local
}

func (c *Config) resolve() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Engine.Backend = strings.ToLower(strings.TrimSpace(c.Engine.Backend))
	if c.Engine.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return fmt.Errorf("resolve default state dir: %w", err)
		}
		c.Engine.StateDir = dir
	}
	if c.Engine.ResultRetention < 1 {
		c.Engine.ResultRetention = Default().Engine.ResultRetention
	}
	return nil
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.auth_token", cfg.Server.AuthToken)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("engine.state_dir", cfg.Engine.StateDir)
	v.SetDefault("engine.backend", cfg.Engine.Backend)
	v.SetDefault("engine.tasks_file", cfg.Engine.TasksFile)
	v.SetDefault("engine.use_utc", cfg.Engine.UseUTC)
	v.SetDefault("engine.max_concurrent", cfg.Engine.MaxConcurrent)
	v.SetDefault("engine.max_instances", cfg.Engine.MaxInstances)
	v.SetDefault("engine.max_workflow_steps", cfg.Engine.MaxWorkflowSteps)
	v.SetDefault("engine.result_retention", cfg.Engine.ResultRetention)
	v.SetDefault("engine.shutdown_grace", cfg.Engine.ShutdownGrace)
	v.SetDefault("notification.bark.url", cfg.Notification.Bark.URL)
	v.SetDefault("notification.bark.enabled", cfg.Notification.Bark.Enabled)
	v.SetDefault("notification.rate_per_second", cfg.Notification.RatePerSecond)
	v.SetDefault("nats.url", cfg.NATS.URL)
	v.SetDefault("nats.prefix", cfg.NATS.Prefix)
	v.SetDefault("nats.request_timeout", cfg.NATS.RequestTimeout)
	v.SetDefault("actions.command_timeout", cfg.Actions.CommandTimeout)
}

func defaultEnvFiles() []string {
	files := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		files = append(files, filepath.Join(configDir, "taskflow", ".env"))
	}
	return files
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskflow")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
