package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the auditor configuration.
type Config struct {
	DatabasePath   string        `mapstructure:"database"`
	Inventory      string        `mapstructure:"inventory"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	HTTPListen     string        `mapstructure:"http_listen"`
	ApiSecret      string        `mapstructure:"api_secret"`
	EnableSwagger  bool          `mapstructure:"enable_swagger"`
	RetentionDays  int           `mapstructure:"retention_days"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
	SSH            SSHConfig     `mapstructure:"ssh"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// SSHConfig controls how targets are dialed.
type SSHConfig struct {
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	DialAttempts          int           `mapstructure:"dial_attempts"`
	KnownHosts            string        `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	KeepAlive             time.Duration `mapstructure:"keepalive"`
}

// Load reads configuration from file and environment. Environment
// variables use the AUDITOR_ prefix, with nested keys joined by an
// underscore (AUDITOR_SSH_DIAL_TIMEOUT).
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("auditor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/auditor")
	}

	v.SetDefault("database", "auditor.db")
	v.SetDefault("inventory", "hosts.yaml")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("http_listen", ":9560")
	v.SetDefault("api_secret", "")
	v.SetDefault("enable_swagger", true)
	v.SetDefault("retention_days", 0)
	v.SetDefault("purge_interval", "24h")
	v.SetDefault("command_timeout", "0s")
	v.SetDefault("ssh.dial_timeout", "15s")
	v.SetDefault("ssh.dial_attempts", 3)
	v.SetDefault("ssh.known_hosts", "")
	v.SetDefault("ssh.insecure_ignore_host_key", false)
	v.SetDefault("ssh.keepalive", "30s")

	v.SetEnvPrefix("AUDITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
