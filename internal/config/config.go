// Package config loads and validates config.toml via Viper, grounded on
// the pack's crawler config loader (internal/config/config.go): defaults
// set on a fresh viper.Viper, a TOML file read on top, then struct
// validation before the process does anything else.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully validated, immutable configuration for one process
// lifetime. Nothing in the runtime holds a *viper.Viper past Load; hot
// reload is an explicit Non-goal (see ConfigWatcher).
type Config struct {
	Email         EmailConfig         `mapstructure:"email"`
	Fetcher       FetcherConfig       `mapstructure:"fetcher"`
	Library       LibraryConfig       `mapstructure:"library"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Runtime       RuntimeConfig       `mapstructure:"runtime"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Persistence   PersistenceConfig   `mapstructure:"persistence"`
	Health        HealthConfig        `mapstructure:"health"`
	Overrides     OverridesConfig     `mapstructure:"overrides"`
	Maintenance   MaintenanceConfig   `mapstructure:"maintenance"`
	GCPPubSub     GCPPubSubConfig     `mapstructure:"gcppubsub"`
}

type EmailConfig struct {
	Email         string   `mapstructure:"email"`
	Password      string   `mapstructure:"password"`
	Server        string   `mapstructure:"server"`
	Mailbox       string   `mapstructure:"mailbox"`
	SleepTime     float64  `mapstructure:"sleep_time"`
	DisabledSites []string `mapstructure:"disabled_sites"`
}

// FetcherConfig names the story-fetcher CLI binary. Unlike library.path,
// which points at a Calibre library directory, binary_path here names an
// executable on disk or on $PATH.
type FetcherConfig struct {
	BinaryPath string `mapstructure:"binary_path"`
}

type LibraryConfig struct {
	BinaryPath               string `mapstructure:"binary_path"`
	Path                     string `mapstructure:"path"`
	Username                 string `mapstructure:"username"`
	Password                 string `mapstructure:"password"`
	DefaultINI               string `mapstructure:"default_ini"`
	PersonalINI              string `mapstructure:"personal_ini"`
	UpdateMethod             string `mapstructure:"update_method"`
	MetadataPreservationMode string `mapstructure:"metadata_preservation_mode"`
}

type RetryConfig struct {
	MaxNormalRetries      int     `mapstructure:"max_normal_retries"`
	FinalAttemptEnabled   bool    `mapstructure:"final_attempt_enabled"`
	FinalAttemptWaitHours float64 `mapstructure:"final_attempt_wait_hours"`
}

type RuntimeConfig struct {
	ShutdownTimeout     float64 `mapstructure:"shutdown_timeout"`
	HealthCheckInterval float64 `mapstructure:"health_check_interval"`
	AutoRestart         bool    `mapstructure:"auto_restart"`
	MaxRestartAttempts  int     `mapstructure:"max_restart_attempts"`
	RestartDelay        float64 `mapstructure:"restart_delay"`
	EnableMonitoring    bool    `mapstructure:"enable_monitoring"`
}

type NotificationsConfig struct {
	URLs []string `mapstructure:"urls"`
}

type PersistenceConfig struct {
	ActiveSetDSN string `mapstructure:"active_set_dsn"`
	DelayDSN     string `mapstructure:"delay_dsn"`
}

type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"listen_addr"`
}

type OverridesConfig struct {
	Path string `mapstructure:"path"`
}

type MaintenanceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

type GCPPubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Load builds a Config from path, applying defaults first and allowing
// STORYWATCH_-prefixed environment variables to override any key (e.g.
// STORYWATCH_EMAIL_PASSWORD).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STORYWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("email.sleep_time", 60)
	v.SetDefault("email.mailbox", "INBOX")
	v.SetDefault("fetcher.binary_path", "fanficfare")
	v.SetDefault("library.binary_path", "calibredb")
	v.SetDefault("library.update_method", "update")
	v.SetDefault("library.metadata_preservation_mode", "preserve_metadata")
	v.SetDefault("retry.max_normal_retries", 11)
	v.SetDefault("retry.final_attempt_enabled", true)
	v.SetDefault("retry.final_attempt_wait_hours", 12.0)
	v.SetDefault("runtime.shutdown_timeout", 10)
	v.SetDefault("runtime.health_check_interval", 30)
	v.SetDefault("runtime.auto_restart", true)
	v.SetDefault("runtime.max_restart_attempts", 3)
	v.SetDefault("runtime.restart_delay", 5)
	v.SetDefault("runtime.enable_monitoring", true)
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.listen_addr", ":9091")
	v.SetDefault("maintenance.enabled", false)
	v.SetDefault("maintenance.cron", "0 3 * * *")
}

var validUpdateMethods = map[string]bool{
	"update": true, "update_always": true, "force": true, "update_no_force": true,
}

var validPreservationModes = map[string]bool{
	"remove_add": true, "preserve_metadata": true, "add_format": true,
}

// Validate enforces every bound spec.md §6 names. It returns the first
// violation found; the process treats any Validate error as a
// configuration failure (exit code 1).
func (c Config) Validate() error {
	if c.Email.Email == "" {
		return fmt.Errorf("email.email must be set")
	}
	if c.Email.Server == "" {
		return fmt.Errorf("email.server must be set")
	}
	if c.Email.SleepTime < 5 {
		return fmt.Errorf("email.sleep_time must be >= 5 (floor), got %v", c.Email.SleepTime)
	}
	if c.Fetcher.BinaryPath == "" {
		return fmt.Errorf("fetcher.binary_path must be set")
	}
	if c.Library.Path == "" {
		return fmt.Errorf("library.path must be set")
	}
	if !validUpdateMethods[c.Library.UpdateMethod] {
		return fmt.Errorf("library.update_method %q is not one of update|update_always|force|update_no_force", c.Library.UpdateMethod)
	}
	if !validPreservationModes[c.Library.MetadataPreservationMode] {
		return fmt.Errorf("library.metadata_preservation_mode %q is not one of remove_add|preserve_metadata|add_format", c.Library.MetadataPreservationMode)
	}
	if c.Retry.MaxNormalRetries < 1 || c.Retry.MaxNormalRetries > 50 {
		return fmt.Errorf("retry.max_normal_retries must be in [1,50], got %d", c.Retry.MaxNormalRetries)
	}
	if c.Retry.FinalAttemptWaitHours <= 0.1 || c.Retry.FinalAttemptWaitHours > 168 {
		return fmt.Errorf("retry.final_attempt_wait_hours must be in (0.1,168], got %v", c.Retry.FinalAttemptWaitHours)
	}
	if c.Runtime.ShutdownTimeout < 1 || c.Runtime.ShutdownTimeout > 300 {
		return fmt.Errorf("runtime.shutdown_timeout must be in [1,300], got %v", c.Runtime.ShutdownTimeout)
	}
	if c.Runtime.HealthCheckInterval < 0.1 || c.Runtime.HealthCheckInterval > 3600 {
		return fmt.Errorf("runtime.health_check_interval must be in [0.1,3600], got %v", c.Runtime.HealthCheckInterval)
	}
	if c.Runtime.MaxRestartAttempts < 0 || c.Runtime.MaxRestartAttempts > 10 {
		return fmt.Errorf("runtime.max_restart_attempts must be in [0,10], got %d", c.Runtime.MaxRestartAttempts)
	}
	if c.Runtime.RestartDelay < 0.1 || c.Runtime.RestartDelay > 60 {
		return fmt.Errorf("runtime.restart_delay must be in [0.1,60], got %v", c.Runtime.RestartDelay)
	}
	if c.GCPPubSub.Enabled && (c.GCPPubSub.ProjectID == "" || c.GCPPubSub.TopicID == "") {
		return fmt.Errorf("gcppubsub.project_id and gcppubsub.topic_id must be set when gcppubsub.enabled is true")
	}
	return nil
}
