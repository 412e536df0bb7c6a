// Package config provides configuration management for fenceline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAdminPort is the default HTTP port for the worker's admin
	// surface.
	DefaultAdminPort = 38200

	// DefaultRedisAddr is the default coordination store address.
	DefaultRedisAddr = "localhost:6379"
)

// Config holds the worker configuration.
type Config struct {
	// Admin HTTP surface
	AdminPort int `yaml:"admin_port"`

	// Coordination store
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Relational store
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int    `yaml:"max_conns"`

	// Platform internal API (connectors, index, ACL)
	PlatformURL    string `yaml:"platform_url"`
	PlatformAPIKey string `yaml:"platform_api_key"`

	// Broker
	MaxWorkers int `yaml:"max_workers"`

	// Tenants this worker coordinates. Empty means single-tenant mode
	// with no key prefix.
	Tenants []string `yaml:"tenants"`

	// Scheduling
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	ValidatorInterval time.Duration `yaml:"validator_interval"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`

	// Sync periods per family. Per-source overrides live in the
	// relational store; these are the fallbacks.
	IndexingPeriod    time.Duration `yaml:"indexing_period"`
	PruningPeriod     time.Duration `yaml:"pruning_period"`
	PermissionsPeriod time.Duration `yaml:"permissions_period"`
	GroupsPeriod      time.Duration `yaml:"groups_period"`
	// VespaMetadataPeriod paces the stale-metadata sweep, measured from
	// the last attempt. Sweeps with nothing stale are cheap, so this can
	// stay short.
	VespaMetadataPeriod time.Duration `yaml:"vespa_metadata_period"`

	// Validation tunables
	LivenessTTL time.Duration `yaml:"liveness_ttl"`
	// MaxQueueDepth gates validation: a deeper queue means a legitimate
	// burst, so the expensive pass is skipped.
	MaxQueueDepth int `yaml:"max_queue_depth"`
	// ResetOnPayloadMismatch controls what the validator does with a
	// fence payload it cannot read (schema change mid-deploy). True
	// resets the fence and loses the in-flight job; false leaves it for
	// manual intervention.
	ResetOnPayloadMismatch bool `yaml:"reset_on_payload_mismatch"`

	// UnitTaskMaxRetries bounds per-item retries inside unit tasks.
	UnitTaskMaxRetries int `yaml:"unit_task_max_retries"`
}

// Default returns a config with production defaults.
func Default() *Config {
	return &Config{
		AdminPort:              DefaultAdminPort,
		RedisAddr:              DefaultRedisAddr,
		PlatformURL:            "http://localhost:8080",
		MaxConns:               10,
		MaxWorkers:             8,
		SchedulerInterval:      30 * time.Second,
		ValidatorInterval:      5 * time.Minute,
		MonitorInterval:        15 * time.Second,
		IndexingPeriod:         10 * time.Minute,
		PruningPeriod:          24 * time.Hour,
		PermissionsPeriod:      30 * time.Minute,
		GroupsPeriod:           12 * time.Hour,
		VespaMetadataPeriod:    5 * time.Minute,
		LivenessTTL:            5 * time.Minute,
		MaxQueueDepth:          2000,
		ResetOnPayloadMismatch: true,
		UnitTaskMaxRetries:     3,
	}
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.fenceline).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fenceline")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	if p := os.Getenv("FENCELINE_SETTINGS"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "settings.yaml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// Get returns the global configuration, loading it on first use.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load(SettingsPath())
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Reload re-reads the settings file and swaps the global config. Called
// by the fsnotify watcher on file change.
func Reload() (*Config, error) {
	cfg, err := Load(SettingsPath())
	if err != nil {
		return nil, err
	}
	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// Load reads configuration from path, falling back to defaults for any
// unset field, then applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// Save writes the configuration to the settings file.
func (c *Config) Save() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(SettingsPath(), data, 0600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// applyEnv overrides file values with environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FENCELINE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FENCELINE_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("FENCELINE_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("FENCELINE_PLATFORM_URL"); v != "" {
		cfg.PlatformURL = v
	}
	if v := os.Getenv("FENCELINE_PLATFORM_API_KEY"); v != "" {
		cfg.PlatformAPIKey = v
	}
	if v := os.Getenv("FENCELINE_ADMIN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.AdminPort = port
		}
	}
}
