// Package config loads the service configuration from YAML, an optional
// .env file and DATA_INGEST_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/logger"
)

// EnvPrefix prefixes every environment override, e.g.
// DATA_INGEST_LOGGER_LEVEL=debug.
const EnvPrefix = "DATA_INGEST"

// Config is the application configuration
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Framework FrameworkConfig `mapstructure:"framework"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LoggerConfig configures the logger package
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// FrameworkConfig holds the device manager budgets.
type FrameworkConfig struct {
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	ErrorResetMs     int `mapstructure:"error_reset_ms"`
	ParseBudgetMs    int `mapstructure:"parse_budget_ms"`
}

// DefaultTimeout returns the command budget used when a call names none.
func (f FrameworkConfig) DefaultTimeout() time.Duration {
	return time.Duration(f.DefaultTimeoutMs) * time.Millisecond
}

// ErrorReset returns how long a device stays in ERROR before OFFLINE.
func (f FrameworkConfig) ErrorReset() time.Duration {
	return time.Duration(f.ErrorResetMs) * time.Millisecond
}

// ParseBudget bounds one parse rule evaluation.
func (f FrameworkConfig) ParseBudget() time.Duration {
	return time.Duration(f.ParseBudgetMs) * time.Millisecond
}

// DeviceConfig describes one configured device.
type DeviceConfig struct {
	ID         string                 `mapstructure:"id"`
	Type       string                 `mapstructure:"type"`
	Parameters map[string]interface{} `mapstructure:"parameters"`
	TimeoutMs  int                    `mapstructure:"timeout_ms"`
	// ParseRule is inline rule source; ParseRulePath loads it from a file
	// and wins when both are set.
	ParseRule     string `mapstructure:"parse_rule"`
	ParseRulePath string `mapstructure:"parse_rule_path"`
	// AutoConnect defaults to true.
	AutoConnect *bool `mapstructure:"auto_connect"`
	// PollIntervalMs, when positive, reads the device periodically.
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// ShouldConnect reports whether the device is connected at startup.
func (d DeviceConfig) ShouldConnect() bool {
	return d.AutoConnect == nil || *d.AutoConnect
}

// PollInterval returns the read period, zero when polling is off.
func (d DeviceConfig) PollInterval() time.Duration {
	if d.PollIntervalMs <= 0 {
		return 0
	}
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// Connection converts the entry to the device.Config adapters receive.
func (d DeviceConfig) Connection() (device.Config, error) {
	t, err := device.ParseConnectionType(d.Type)
	if err != nil {
		return device.Config{}, fmt.Errorf("device %s: %v", d.ID, err)
	}
	return device.Config{
		Type:       t,
		Parameters: device.Parameters(d.Parameters),
		TimeoutMs:  d.TimeoutMs,
		ParseRule:  d.ParseRule,
	}, nil
}

// StorageConfig configures the event sinks
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
	NATS     NATSStorageConfig     `mapstructure:"nats"`
	// EventTypes restricts what is stored; empty stores every event.
	EventTypes []string `mapstructure:"event_types"`
}

// FileStorageConfig configures the JSON lines sink
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig configures the SQL sink
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// NATSStorageConfig configures the NATS sink
type NATSStorageConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Token         string `mapstructure:"token"`
	ClientName    string `mapstructure:"client_name"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ConfigChangeCallback is called with the reloaded configuration.
type ConfigChangeCallback func(cfg *Config) error

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file_path", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)

	v.SetDefault("framework.default_timeout_ms", 5000)
	v.SetDefault("framework.error_reset_ms", 30000)
	v.SetDefault("framework.parse_budget_ms", 250)

	v.SetDefault("storage.file.enabled", false)
	v.SetDefault("storage.file.path", "./data")
	v.SetDefault("storage.database.enabled", false)
	v.SetDefault("storage.database.type", "mysql")
	v.SetDefault("storage.database.dsn", "")
	v.SetDefault("storage.nats.enabled", false)
	v.SetDefault("storage.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("storage.nats.subject_prefix", "devices")
	v.SetDefault("storage.nats.username", "")
	v.SetDefault("storage.nats.password", "")
	v.SetDefault("storage.nats.token", "")
	v.SetDefault("storage.nats.client_name", "data-ingest")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// loadDotEnv loads the .env next to the config file, then one in the
// working directory. Missing files are not an error.
func loadDotEnv(configPath string) error {
	for _, p := range []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"} {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s failed: %v", p, err)
		}
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig loads the configuration file at configPath
func LoadConfig(configPath string) (*Config, error) {
	if err := loadDotEnv(configPath); err != nil {
		return nil, err
	}

	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return decode(v)
}

// Validate checks the device list.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate device id %s", i, d.ID)
		}
		seen[d.ID] = true
		if _, err := device.ParseConnectionType(d.Type); err != nil {
			return fmt.Errorf("devices[%d]: %v", i, err)
		}
	}
	if c.Storage.Database.Enabled && c.Storage.Database.DSN == "" {
		return fmt.Errorf("storage.database: dsn is required")
	}
	return nil
}

// Device returns the entry of deviceID.
func (c *Config) Device(deviceID string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == deviceID {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// StoredEventTypes converts storage.event_types.
func (c *Config) StoredEventTypes() []device.EventType {
	out := make([]device.EventType, 0, len(c.Storage.EventTypes))
	for _, t := range c.Storage.EventTypes {
		out = append(out, device.EventType(strings.TrimSpace(t)))
	}
	return out
}

// debounceInterval drops change notifications closer together than this.
var debounceInterval = 2 * time.Second

// WatchConfig watches configPath and calls callback with each reloaded
// configuration.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper(absPath)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	var (
		mu             sync.Mutex
		lastChangeTime time.Time
	)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		newConfig, err := decode(v)
		if err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}
		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply updated config: %v", err)
			return
		}
		logger.Info("config reloaded")
	})
	v.WatchConfig()
	return nil
}
