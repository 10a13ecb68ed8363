package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location relative to the working dir.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// Remote database, two privilege tiers. Leaving either empty puts the
	// service into local-only mode.
	DatabaseURL        string `yaml:"databaseURL"`
	ServiceDatabaseURL string `yaml:"serviceDatabaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// Local store: "file" (default) or "redis".
	LocalStoreBackend string `yaml:"localStoreBackend"`
	LocalStoreDir     string `yaml:"localStoreDir"`

	SessionSecret string `yaml:"sessionSecret"`
	SessionTTL    string `yaml:"sessionTTL"`

	SyncBatchSize          int    `yaml:"syncBatchSize"`
	SyncBatchDelay         string `yaml:"syncBatchDelay"`
	SyncRateLimitPerMinute int    `yaml:"syncRateLimitPerMinute"`

	TrustedProxies []string `yaml:"trustedProxies"`

	MaintenanceEnabled bool   `yaml:"maintenanceEnabled"`
	MaintenanceStart   string `yaml:"maintenanceStart"`
	MaintenanceEnd     string `yaml:"maintenanceEnd"`
	MaintenanceMessage string `yaml:"maintenanceMessage"`

	ArchiveEndpoint  string `yaml:"archiveEndpoint"`
	ArchiveAccessKey string `yaml:"archiveAccessKey"`
	ArchiveSecretKey string `yaml:"archiveSecretKey"`
	ArchiveBucket    string `yaml:"archiveBucket"`
	ArchiveUseSSL    bool   `yaml:"archiveUseSSL"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SERVICE_DATABASE_URL"); v != "" {
		cfg.ServiceDatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LOCAL_STORE_DIR"); v != "" {
		cfg.LocalStoreDir = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("SYNC_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SyncRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MAINTENANCE_ENABLED"); v != "" {
		cfg.MaintenanceEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	// One DSN without the other is a misconfiguration; both empty is the
	// supported local-only mode.
	if (cfg.DatabaseURL == "") != (cfg.ServiceDatabaseURL == "") {
		return errors.New("config: databaseURL and serviceDatabaseURL must be set together")
	}
	switch strings.TrimSpace(cfg.LocalStoreBackend) {
	case "", "file":
		if strings.TrimSpace(cfg.LocalStoreDir) == "" {
			return errors.New("config: localStoreDir is required for the file backend")
		}
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis local store backend")
		}
	default:
		return fmt.Errorf("config: unknown localStoreBackend %q", cfg.LocalStoreBackend)
	}
	if strings.TrimSpace(cfg.SessionSecret) == "" {
		return errors.New("config: sessionSecret is required (set SESSION_SECRET)")
	}
	if cfg.SyncRateLimitPerMinute < 0 {
		return errors.New("config: syncRateLimitPerMinute must be >= 0")
	}
	if cfg.SyncBatchSize < 0 {
		return errors.New("config: syncBatchSize must be >= 0")
	}
	return nil
}

// LocalOnly reports whether the remote database is unconfigured.
func (c FileConfig) LocalOnly() bool {
	return c.DatabaseURL == "" || c.ServiceDatabaseURL == ""
}

// ParseSessionTTL parses optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	return dur, nil
}

// ParseBatchDelay parses optional inter-batch delay duration string.
func ParseBatchDelay(delayStr string) (time.Duration, error) {
	if delayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(delayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid syncBatchDelay duration: %w", err)
	}
	return dur, nil
}

// ParseMaintenanceWindow parses optional RFC3339 window bounds.
func ParseMaintenanceWindow(start, end string) (time.Time, time.Time, error) {
	var from, until time.Time
	var err error
	if start != "" {
		from, err = time.Parse(time.RFC3339, start)
		if err != nil {
			return from, until, fmt.Errorf("invalid maintenanceStart: %w", err)
		}
	}
	if end != "" {
		until, err = time.Parse(time.RFC3339, end)
		if err != nil {
			return from, until, fmt.Errorf("invalid maintenanceEnd: %w", err)
		}
	}
	if !from.IsZero() && !until.IsZero() && until.Before(from) {
		return from, until, errors.New("maintenanceEnd is before maintenanceStart")
	}
	return from, until, nil
}
