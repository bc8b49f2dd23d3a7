package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Network   NetworkConfig   `mapstructure:"network"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
	// InMemory runs badger without a directory, for tests and ephemeral setups.
	InMemory bool `mapstructure:"in_memory"`
}

type RemoteConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type SyncConfig struct {
	Tables             []TableConfig `mapstructure:"tables"`
	ConflictResolution string        `mapstructure:"conflict_resolution"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBaseDelay     string        `mapstructure:"retry_base_delay"`
	SyncTimeout        string        `mapstructure:"sync_timeout"`
	PullLimit          int           `mapstructure:"pull_limit"`
	CacheTTL           string        `mapstructure:"cache_ttl"`
}

type TableConfig struct {
	Name               string `mapstructure:"name"`
	ConflictResolution string `mapstructure:"conflict_resolution"`
}

type NetworkConfig struct {
	ProbeURL      string `mapstructure:"probe_url"`
	ProbeInterval string `mapstructure:"probe_interval"`
	SlowThreshold string `mapstructure:"slow_threshold"`
	ProberTimeout string `mapstructure:"prober_timeout"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	Host        string   `mapstructure:"host"`
	AuthToken   string   `mapstructure:"auth_token"`
	CorsOrigins []string `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("storage.path", "./data")
	v.SetDefault("sync.conflict_resolution", "latest-wins")
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retry_base_delay", "1s")
	v.SetDefault("sync.sync_timeout", "10s")
	v.SetDefault("sync.pull_limit", 1000)
	v.SetDefault("sync.cache_ttl", "5m")
	v.SetDefault("network.probe_interval", "30s")
	v.SetDefault("network.slow_threshold", "1s")
	v.SetDefault("network.prober_timeout", "2s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 5m")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// TableNames lists the configured logical tables in declaration order.
func (c SyncConfig) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		names = append(names, t.Name)
	}
	return names
}

// PolicyFor returns the table's conflict policy, falling back to the global one.
func (c SyncConfig) PolicyFor(table string) string {
	for _, t := range c.Tables {
		if t.Name == table && t.ConflictResolution != "" {
			return t.ConflictResolution
		}
	}
	return c.ConflictResolution
}

func (c SyncConfig) GetRetryBaseDelay() time.Duration {
	return parseDuration(c.RetryBaseDelay, time.Second)
}

func (c SyncConfig) GetSyncTimeout() time.Duration {
	return parseDuration(c.SyncTimeout, 10*time.Second)
}

func (c SyncConfig) GetCacheTTL() time.Duration {
	return parseDuration(c.CacheTTL, 5*time.Minute)
}

func (c NetworkConfig) GetProbeInterval() time.Duration {
	return parseDuration(c.ProbeInterval, 30*time.Second)
}

func (c NetworkConfig) GetSlowThreshold() time.Duration {
	return parseDuration(c.SlowThreshold, time.Second)
}

func (c NetworkConfig) GetProberTimeout() time.Duration {
	return parseDuration(c.ProberTimeout, 2*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
