package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds listener-specific configurations.
type ServerConfig struct {
	TCPPort          int    `yaml:"tcp_port"`
	ListenRetryDelay string `yaml:"listen_retry_delay"`
	StaleAfter       string `yaml:"stale_after"`
	HealthPort       int    `yaml:"health_port"` // 0 disables the gRPC health service
}

// QueueConfig holds the per-target queue worker settings.
type QueueConfig struct {
	OverflowDir       string `yaml:"overflow_dir"`
	MemoryCapacity    int    `yaml:"memory_capacity"`
	BackoffInitial    string `yaml:"backoff_initial"`
	BackoffMax        string `yaml:"backoff_max"`
	MemoryAttempts    int    `yaml:"memory_attempts"`
	DrainAttempts     int    `yaml:"drain_attempts"`
	IdleInterval      string `yaml:"idle_interval"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	ApplyTimeout      string `yaml:"apply_timeout"`
	SyncWrites        bool   `yaml:"sync_writes"`
}

// GroupConfig is one backing-store endpoint and the targets that live on it.
type GroupConfig struct {
	Name    string   `yaml:"name"`
	DSN     string   `yaml:"dsn"`
	Targets []string `yaml:"targets"`
}

// StoreConfig selects the backing-store driver.
type StoreConfig struct {
	Driver         string `yaml:"driver"` // "mysql" or "log"
	ConnectTimeout string `yaml:"connect_timeout"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// AlertConfig rate limits alert log lines per event type.
type AlertConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Queue   QueueConfig   `yaml:"queue"`
	Groups  []GroupConfig `yaml:"groups"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Alerts  AlertConfig   `yaml:"alerts"`
	Debug   DebugConfig   `yaml:"debug"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			TCPPort:          7985,
			ListenRetryDelay: "10s",
			StaleAfter:       "24h",
			HealthPort:       7986,
		},
		Queue: QueueConfig{
			OverflowDir:       "./overflow",
			MemoryCapacity:    1000,
			BackoffInitial:    "30s",
			BackoffMax:        "600s",
			MemoryAttempts:    3,
			DrainAttempts:     1,
			IdleInterval:      "1s",
			HeartbeatInterval: "5m",
			ApplyTimeout:      "60s",
		},
		Groups: []GroupConfig{
			{Name: "operational", DSN: "root@tcp(localhost:3306)/", Targets: []string{"edge", "anss", "qml"}},
			{Name: "metadata", DSN: "root@tcp(localhost:3306)/", Targets: []string{"metadata", "irserver"}},
			{Name: "status", DSN: "root@tcp(localhost:3306)/", Targets: []string{"status", "portables"}},
		},
		Store: StoreConfig{
			Driver:         "mysql",
			ConnectTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "dbmsg.log",
		},
		Alerts: AlertConfig{
			RatePerSecond: 1,
			Burst:         10,
		},
		Debug: DebugConfig{
			Enabled:          false,
			ListenAddress:    "127.0.0.1:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Defaults()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks the values a running server cannot work around.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.TCPPort <= 0 || c.Server.TCPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.tcp_port %d out of range", c.Server.TCPPort))
	}
	if c.Server.HealthPort < 0 || c.Server.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("server.health_port %d out of range", c.Server.HealthPort))
	}
	if c.Queue.OverflowDir == "" {
		errs = append(errs, errors.New("queue.overflow_dir is required"))
	}
	if c.Queue.MemoryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.memory_capacity must be positive, got %d", c.Queue.MemoryCapacity))
	}
	if len(c.Groups) == 0 {
		errs = append(errs, errors.New("at least one group is required"))
	}
	seen := make(map[string]string)
	for i, g := range c.Groups {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("groups[%d] has no name", i))
		}
		for _, t := range g.Targets {
			if prev, ok := seen[t]; ok {
				errs = append(errs, fmt.Errorf("target %q is listed in groups %q and %q", t, prev, g.Name))
				continue
			}
			seen[t] = g.Name
		}
	}
	return errors.Join(errs...)
}
