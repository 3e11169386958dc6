// Package config is used to load the collector configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v8"
	"github.com/spf13/viper"
)

// Config is the configuration struct
type Config struct {
	// StoreDir holds per-crash diagnostic records.
	StoreDir string `json:"store_dir" mapstructure:"store_dir" env:"CRASHHOOK_STORE_DIR"`
	// InboxDir is watched for aggregate payload deliveries.
	InboxDir string `json:"inbox_dir" mapstructure:"inbox_dir" env:"CRASHHOOK_INBOX_DIR"`
	// SettingsDB is the sqlite file holding the cohort token and
	// first-crash flag.
	SettingsDB string `json:"settings_db" mapstructure:"settings_db" env:"CRASHHOOK_SETTINGS_DB"`
	// ReportURL is the crash reporting endpoint base URL.
	ReportURL string `json:"report_url" mapstructure:"report_url" env:"CRASHHOOK_REPORT_URL"`
	// Retention is how long diagnostic records are kept.
	Retention time.Duration `json:"retention" mapstructure:"retention" env:"CRASHHOOK_RETENTION"`
	// AppVersion stamps pixel parameters when the payload lacks one.
	AppVersion string `json:"app_version" mapstructure:"app_version" env:"CRASHHOOK_APP_VERSION"`
}

func (c *Config) verify() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("config: failed to get user home directory: %v", err)
	}
	base := filepath.Join(home, ".config", "crashhook")
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(base, "diagnostics")
	}
	if c.InboxDir == "" {
		c.InboxDir = filepath.Join(base, "inbox")
	}
	if c.SettingsDB == "" {
		c.SettingsDB = filepath.Join(base, "settings.db")
	}
	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	} else if c.Retention < 0 {
		return fmt.Errorf("config: retention must be positive")
	}
	return nil
}

// RequireReportURL errors when no reporting endpoint is configured. The
// collect daemon needs one; store maintenance does not.
func (c *Config) RequireReportURL() error {
	if c.ReportURL == "" {
		return fmt.Errorf("config: report_url must be set")
	}
	return nil
}

// LoadConfig loads the configuration file, then environment overrides.
func LoadConfig() (*Config, error) {
	c := &Config{}

	if err := viper.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("config: failed to parse env: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
