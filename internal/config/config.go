package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bustrack/transitsync/internal/backup"
	"github.com/bustrack/transitsync/internal/cache"
	"github.com/bustrack/transitsync/internal/logging"
	"github.com/bustrack/transitsync/internal/metrics"
	"github.com/bustrack/transitsync/internal/network"
	"github.com/bustrack/transitsync/internal/remote"
	"github.com/bustrack/transitsync/internal/repository"
	"github.com/bustrack/transitsync/internal/store"
	"github.com/bustrack/transitsync/internal/worker"
	"github.com/bustrack/transitsync/pkg/errors"
	"github.com/bustrack/transitsync/pkg/health"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRANSITSYNC_"

// Configuration represents the complete daemon configuration
type Configuration struct {
	Log        logging.Config    `yaml:"log"`
	Cache      cache.Config      `yaml:"cache"`
	Store      store.Config      `yaml:"store"`
	Remote     remote.Config     `yaml:"remote"`
	Network    NetworkConfig     `yaml:"network"`
	Repository repository.Config `yaml:"repository"`
	Sync       SyncConfig        `yaml:"sync"`
	Scheduler  worker.Config     `yaml:"scheduler"`
	Health     health.Config     `yaml:"health"`
	Backup     backup.Config     `yaml:"backup"`
	Metrics    metrics.Config    `yaml:"metrics"`
}

// NetworkConfig configures connectivity detection
type NetworkConfig struct {
	network.Config `yaml:",inline"`

	// Offline forces offline mode: no probes and no fetches.
	Offline bool `yaml:"offline"`

	// Metered marks the uplink as metered, holding back backups.
	Metered bool `yaml:"metered"`
}

// SyncConfig configures the background workers
type SyncConfig struct {
	LocationInterval time.Duration `yaml:"location_interval"`
	RouteInterval    time.Duration `yaml:"route_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	BackupInterval   time.Duration `yaml:"backup_interval"`

	// BusRetention is how long bus positions are kept after their last update
	BusRetention time.Duration `yaml:"bus_retention"`

	// DiskBudget is the disk cache size treated as low storage. Zero disables it.
	DiskBudget int64 `yaml:"disk_budget"`
}

// NewDefault returns a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Log:        logging.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		Store:      store.DefaultConfig(),
		Remote:     remote.DefaultConfig(),
		Network:    NetworkConfig{Config: network.DefaultConfig()},
		Repository: repository.DefaultConfig(),
		Sync: SyncConfig{
			LocationInterval: 30 * time.Second,
			RouteInterval:    6 * time.Hour,
			CleanupInterval:  time.Hour,
			BackupInterval:   24 * time.Hour,
			BusRetention:     6 * time.Hour,
			DiskBudget:       512 * 1024 * 1024,
		},
		Scheduler: worker.DefaultConfig(),
		Health:    health.DefaultConfig(),
		Backup:    backup.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file over the current values
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies TRANSITSYNC_* environment overrides. Malformed
// values are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FORMAT", &c.Log.Format)

	env.size("CACHE_MEMORY", &c.Cache.MemoryCapacity)
	env.str("CACHE_DIR", &c.Cache.Directory)
	env.duration("CACHE_TTL", &c.Cache.DefaultTTL)
	env.duration("CACHE_DISK_MAX_AGE", &c.Cache.DiskMaxAge)

	env.str("STORE_PATH", &c.Store.Path)

	env.str("API_URL", &c.Remote.BaseURL)
	env.str("API_KEY", &c.Remote.APIKey)
	env.duration("API_TIMEOUT", &c.Remote.Timeout)
	env.integer("API_MAX_ATTEMPTS", &c.Remote.Retry.MaxAttempts)

	env.boolean("OFFLINE", &c.Network.Offline)
	env.boolean("METERED", &c.Network.Metered)
	env.duration("NETWORK_INTERVAL", &c.Network.Interval)

	env.duration("SYNC_LOCATION_INTERVAL", &c.Sync.LocationInterval)
	env.duration("SYNC_ROUTE_INTERVAL", &c.Sync.RouteInterval)
	env.duration("SYNC_CLEANUP_INTERVAL", &c.Sync.CleanupInterval)
	env.duration("SYNC_BACKUP_INTERVAL", &c.Sync.BackupInterval)

	env.str("BACKUP_BUCKET", &c.Backup.Bucket)
	env.str("BACKUP_REGION", &c.Backup.Region)
	env.str("BACKUP_ENDPOINT", &c.Backup.Endpoint)
	env.str("BACKUP_DIR", &c.Backup.Directory)

	env.boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	env.integer("METRICS_PORT", &c.Metrics.Port)

	if len(env.errs) > 0 {
		return errors.New(errors.CodeInvalidConfig, "invalid environment configuration").
			WithDetail("errors", strings.Join(env.errs, "; "))
	}
	return nil
}

type envReader struct {
	errs []string
}

func (e *envReader) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + key)
	return val, ok && val != ""
}

func (e *envReader) fail(key, val string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, key, val, err))
}

func (e *envReader) str(key string, dst *string) {
	if val, ok := e.lookup(key); ok {
		*dst = val
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if val, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if val, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if val, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) size(key string, dst *int64) {
	if val, ok := e.lookup(key); ok {
		n, err := ParseSize(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

// ParseSize parses sizes like "512", "64KB", "32MB" or "2GB" (powers of 1024).
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	factor := int64(1)
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			factor = m.factor
			s = strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size cannot be negative")
	}
	return n * factor, nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration and names the first invalid field
func (c *Configuration) Validate() error {
	invalid := func(field, msg string) error {
		return errors.New(errors.CodeInvalidConfig, fmt.Sprintf("%s: %s", field, msg)).
			WithDetail("field", field)
	}

	if c.Cache.MemoryCapacity <= 0 {
		return invalid("cache.memory_capacity", "must be greater than 0")
	}
	if c.Cache.Directory == "" {
		return invalid("cache.directory", "must be set")
	}
	if c.Store.Path == "" {
		return invalid("store.path", "must be set")
	}
	if c.Remote.BaseURL == "" && !c.Network.Offline {
		return invalid("remote.base_url", "must be set unless network.offline is true")
	}

	intervals := map[string]time.Duration{
		"sync.location_interval": c.Sync.LocationInterval,
		"sync.route_interval":    c.Sync.RouteInterval,
		"sync.cleanup_interval":  c.Sync.CleanupInterval,
		"sync.backup_interval":   c.Sync.BackupInterval,
	}
	for _, field := range []string{"sync.location_interval", "sync.route_interval", "sync.cleanup_interval", "sync.backup_interval"} {
		if intervals[field] <= 0 {
			return invalid(field, "must be greater than 0")
		}
	}

	if err := logging.ValidateLevel(c.Log.Level); err != nil {
		return invalid("log.level", err.Error())
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port", "must be between 1 and 65535")
	}

	return nil
}
