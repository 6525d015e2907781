package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"printfarm/storage"
)

// ConfigSourceTracker records which keys came from environment
// variables. Env-set keys win over the config file and over anything an
// operator edits at runtime.
type ConfigSourceTracker struct {
	EnvKeys map[string]bool
}

func newConfigSourceTracker() *ConfigSourceTracker {
	return &ConfigSourceTracker{EnvKeys: make(map[string]bool)}
}

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Filament  FilamentConfig  `toml:"filament"`
	Alerts    AlertsConfig    `toml:"alerts"`
	Audit     AuditConfig     `toml:"audit"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	DataDir          string `toml:"data_dir"`           // artifacts, intake, backups; default next to the db
	IntakeDir        string `toml:"intake_dir"`         // watched for dropped print files; default <data_dir>/intake
	DiscoveryEnabled bool   `toml:"discovery_enabled"`  // mDNS candidate browsing
	ShutdownGraceSec int    `toml:"shutdown_grace_sec"` // bus drain budget on stop
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	URL           string `toml:"url"`            // postgres:// DSN or sqlite path; empty = platform default
	EncryptionKey string `toml:"encryption_key"` // base64, 32 bytes; empty disables secret encryption
}

// LoggingConfig tunes the leveled logger.
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"` // empty = <data_dir>/logs
}

// SchedulerConfig tunes the batch planner.
type SchedulerConfig struct {
	BlackoutStart   string `toml:"blackout_start"` // "HH:MM", empty disables
	BlackoutEnd     string `toml:"blackout_end"`
	HorizonDays     int    `toml:"horizon_days"`
	SetupMinutes    int    `toml:"setup_minutes"`
	IntervalMinutes int    `toml:"interval_minutes"` // periodic batch cadence while serving
}

// FilamentConfig tunes spool accounting.
type FilamentConfig struct {
	CatalogURL string `toml:"catalog_url"` // external spool catalog; empty disables lookups
}

// AlertsConfig carries delivery-channel settings.
type AlertsConfig struct {
	SMTPHost             string `toml:"smtp_host"`
	SMTPPort             int    `toml:"smtp_port"`
	SMTPUsername         string `toml:"smtp_username"`
	SMTPPassword         string `toml:"smtp_password"`
	SMTPFrom             string `toml:"smtp_from"`
	VAPIDPublicKey       string `toml:"vapid_public_key"`
	VAPIDPrivateKey      string `toml:"vapid_private_key"`
	VAPIDSubject         string `toml:"vapid_subject"`
	AllowPrivateWebhooks bool   `toml:"allow_private_webhooks"`
	Workers              int    `toml:"workers"`
}

// AuditConfig tunes audit-log retention.
type AuditConfig struct {
	RetentionDays int `toml:"retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DiscoveryEnabled: true,
			ShutdownGraceSec: 5,
		},
		Database: DatabaseConfig{
			URL: "", // empty = platform default sqlite path
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Scheduler: SchedulerConfig{
			HorizonDays:     7,
			SetupMinutes:    120,
			IntervalMinutes: 5,
		},
		Alerts: AlertsConfig{
			SMTPPort: 587,
			Workers:  4,
		},
		Audit: AuditConfig{
			RetentionDays: 365,
		},
	}
}

// LoadConfig loads the TOML file (if present) and applies environment
// overrides, tracking which keys the environment set.
func LoadConfig(configPath string) (*Config, *ConfigSourceTracker, error) {
	cfg := DefaultConfig()
	tracker := newConfigSourceTracker()

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	}

	if val := os.Getenv("DATABASE_URL"); val != "" {
		cfg.Database.URL = val
		tracker.EnvKeys["database.url"] = true
	}
	if val := os.Getenv("ENCRYPTION_KEY"); val != "" {
		cfg.Database.EncryptionKey = val
		tracker.EnvKeys["database.encryption_key"] = true
	}
	if val := os.Getenv("DATA_DIR"); val != "" {
		cfg.Server.DataDir = val
		tracker.EnvKeys["server.data_dir"] = true
	}
	if val := os.Getenv("BLACKOUT_START"); val != "" {
		cfg.Scheduler.BlackoutStart = val
		tracker.EnvKeys["scheduler.blackout_start"] = true
	}
	if val := os.Getenv("BLACKOUT_END"); val != "" {
		cfg.Scheduler.BlackoutEnd = val
		tracker.EnvKeys["scheduler.blackout_end"] = true
	}
	if val := os.Getenv("SCHEDULER_INTERVAL_MINUTES"); val != "" {
		var v int
		if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
			cfg.Scheduler.IntervalMinutes = v
			tracker.EnvKeys["scheduler.interval_minutes"] = true
		}
	}
	if val := os.Getenv("CATALOG_URL"); val != "" {
		cfg.Filament.CatalogURL = val
		tracker.EnvKeys["filament.catalog_url"] = true
	}
	if val := os.Getenv("SMTP_HOST"); val != "" {
		cfg.Alerts.SMTPHost = val
		tracker.EnvKeys["alerts.smtp_host"] = true
	}
	if val := os.Getenv("SMTP_PORT"); val != "" {
		var p int
		if _, err := fmt.Sscanf(val, "%d", &p); err == nil {
			cfg.Alerts.SMTPPort = p
			tracker.EnvKeys["alerts.smtp_port"] = true
		}
	}
	if val := os.Getenv("SMTP_USERNAME"); val != "" {
		cfg.Alerts.SMTPUsername = val
		tracker.EnvKeys["alerts.smtp_username"] = true
	}
	if val := os.Getenv("SMTP_PASSWORD"); val != "" {
		cfg.Alerts.SMTPPassword = val
		tracker.EnvKeys["alerts.smtp_password"] = true
	}
	if val := os.Getenv("SMTP_FROM"); val != "" {
		cfg.Alerts.SMTPFrom = val
		tracker.EnvKeys["alerts.smtp_from"] = true
	}
	if val := os.Getenv("AUDIT_RETENTION_DAYS"); val != "" {
		var v int
		if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
			cfg.Audit.RetentionDays = v
			tracker.EnvKeys["audit.retention_days"] = true
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
		tracker.EnvKeys["logging.level"] = true
	}

	cfg.applyDerivedDefaults()
	return cfg, tracker, nil
}

// applyDerivedDefaults fills paths that depend on other settings.
func (c *Config) applyDerivedDefaults() {
	if c.Server.DataDir == "" {
		dbPath := c.Database.URL
		if dbPath == "" || strings.HasPrefix(dbPath, "postgres") {
			dbPath = storage.DefaultDBPath()
		}
		c.Server.DataDir = filepath.Dir(dbPath)
	}
	if c.Server.IntakeDir == "" {
		c.Server.IntakeDir = filepath.Join(c.Server.DataDir, "intake")
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = filepath.Join(c.Server.DataDir, "logs")
	}
}

// WriteDefaultConfig writes a commented starter config file.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file %s already exists", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(DefaultConfig())
}
