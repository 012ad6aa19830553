package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable (OVAEXPORT_VCENTER_HOST, etc.)
const EnvPrefix = "OVAEXPORT"

// Config holds all application configuration
type Config struct {
	// Platform connection
	VCenterHost     string `mapstructure:"vcenter-host"`
	VCenterUser     string `mapstructure:"vcenter-user"`
	VCenterPassword string `mapstructure:"vcenter-password"`
	VerifySSL       bool   `mapstructure:"verify-ssl"`

	// Local storage
	DownloadDir string `mapstructure:"download-dir"`
	SQLitePath  string `mapstructure:"sqlite-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// HTTP request layer
	ListenAddr string `mapstructure:"listen-addr"`

	// Timeouts
	LeaseTimeout      time.Duration `mapstructure:"lease-timeout"`
	LeasePollInterval time.Duration `mapstructure:"lease-poll-interval"`
	PowerOffTimeout   time.Duration `mapstructure:"power-off-timeout"`
	PowerPollInterval time.Duration `mapstructure:"power-poll-interval"`
	TaskTimeout       time.Duration `mapstructure:"task-timeout"`

	// Queue and transfer
	HistoryLimit       int    `mapstructure:"history-limit"`
	ChunkSize          int    `mapstructure:"chunk-size"`
	ArchiveCompression string `mapstructure:"archive-compression"`

	// Security limits, 0 disables
	MaxFileSize  int64 `mapstructure:"max-file-size"`
	MaxTotalSize int64 `mapstructure:"max-total-size"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	// Artifact publishing
	PublishTarget  string `mapstructure:"publish-target"`
	KeepLocal      bool   `mapstructure:"keep-local"`
	S3Bucket       string `mapstructure:"s3-bucket"`
	S3Region       string `mapstructure:"s3-region"`
	S3Endpoint     string `mapstructure:"s3-endpoint"`
	S3Prefix       string `mapstructure:"s3-prefix"`
	SFTPAddr       string `mapstructure:"sftp-addr"`
	SFTPUser       string `mapstructure:"sftp-user"`
	SFTPPassword   string `mapstructure:"sftp-password"`
	SFTPKeyFile    string `mapstructure:"sftp-key-file"`
	SFTPKnownHosts string `mapstructure:"sftp-known-hosts"`
	SFTPDir        string `mapstructure:"sftp-dir"`

	// Event notifications, disabled when amqp-url is empty
	AMQPURL        string `mapstructure:"amqp-url"`
	AMQPExchange   string `mapstructure:"amqp-exchange"`
	AMQPRoutingKey string `mapstructure:"amqp-routing-key"`
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("vcenter-host", "")
	v.SetDefault("vcenter-user", "")
	v.SetDefault("vcenter-password", "")
	v.SetDefault("verify-ssl", false)
	v.SetDefault("download-dir", "./downloads")
	v.SetDefault("sqlite-path", ".artifacts/exports.db")
	v.SetDefault("fsm-db-path", "")
	v.SetDefault("listen-addr", ":5000")
	v.SetDefault("lease-timeout", 300*time.Second)
	v.SetDefault("lease-poll-interval", time.Second)
	v.SetDefault("power-off-timeout", 120*time.Second)
	v.SetDefault("power-poll-interval", 2*time.Second)
	v.SetDefault("task-timeout", 300*time.Second)
	v.SetDefault("history-limit", 10)
	v.SetDefault("chunk-size", 1024*1024)
	v.SetDefault("archive-compression", "none")
	v.SetDefault("max-file-size", 0)
	v.SetDefault("max-total-size", 0)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")
	v.SetDefault("publish-target", "none")
	v.SetDefault("keep-local", false)
	v.SetDefault("s3-bucket", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-endpoint", "")
	v.SetDefault("s3-prefix", "")
	v.SetDefault("sftp-addr", "")
	v.SetDefault("sftp-user", "")
	v.SetDefault("sftp-password", "")
	v.SetDefault("sftp-key-file", "")
	v.SetDefault("sftp-known-hosts", "")
	v.SetDefault("sftp-dir", "/exports")
	v.SetDefault("amqp-url", "")
	v.SetDefault("amqp-exchange", "ova.events")
	v.SetDefault("amqp-routing-key", "export")
}

// Load reads configuration from the global viper instance, which the CLI
// binds its flags to.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads .env, environment variables, an optional config file and
// defaults into v and unmarshals the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.ova-exporter")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("download-dir cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	for name, d := range map[string]time.Duration{
		"lease-timeout":       c.LeaseTimeout,
		"lease-poll-interval": c.LeasePollInterval,
		"power-off-timeout":   c.PowerOffTimeout,
		"power-poll-interval": c.PowerPollInterval,
		"task-timeout":        c.TaskTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history-limit must be positive")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk-size must be positive")
	}
	if c.MaxFileSize < 0 || c.MaxTotalSize < 0 {
		return fmt.Errorf("size limits must be non-negative")
	}
	switch c.ArchiveCompression {
	case "none", "zstd":
	default:
		return fmt.Errorf("archive-compression must be none or zstd, got %q", c.ArchiveCompression)
	}

	switch c.PublishTarget {
	case "", "none":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("s3-bucket cannot be empty when publish-target is s3")
		}
	case "sftp":
		if c.SFTPAddr == "" || c.SFTPUser == "" {
			return fmt.Errorf("sftp-addr and sftp-user are required when publish-target is sftp")
		}
		if c.SFTPPassword == "" && c.SFTPKeyFile == "" {
			return fmt.Errorf("sftp-password or sftp-key-file is required when publish-target is sftp")
		}
	default:
		return fmt.Errorf("publish-target must be none, s3 or sftp, got %q", c.PublishTarget)
	}
	return nil
}

// ValidatePlatform checks the settings needed to reach the hypervisor.
func (c *Config) ValidatePlatform() error {
	if c.VCenterHost == "" {
		return fmt.Errorf("vcenter-host cannot be empty")
	}
	if c.VCenterUser == "" {
		return fmt.Errorf("vcenter-user cannot be empty")
	}
	return nil
}
