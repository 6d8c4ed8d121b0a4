package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/openmined/farmsync/internal/utils"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix      = "FARMSYNC"
	ConfigFileName = "config"
	ConfigFileType = "yaml"

	DefaultRemoteURL        = "http://localhost:8090"
	DefaultControlPlaneAddr = "127.0.0.1:7938"
	DefaultRateLimit        = "50-S"
)

var (
	home, _        = os.UserHomeDir()
	DefaultDataDir = filepath.Join(home, ".farmsync")
)

type Config struct {
	DataDir      string             `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Probe        ProbeConfig        `mapstructure:"probe" yaml:"probe"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane" yaml:"control_plane"`
	Backup       BackupConfig       `mapstructure:"backup" yaml:"backup"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`

	// Path is the config file that was read, if any.
	Path string `mapstructure:"-" yaml:"-"`
}

type RemoteConfig struct {
	URL        string        `mapstructure:"url" yaml:"url" validate:"required,url"`
	Token      string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	HealthPath string        `mapstructure:"health_path" yaml:"health_path" validate:"omitempty,startswith=/"`
}

type ProbeConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold" yaml:"slow_threshold" validate:"gte=0"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
	// Background keeps probing when nobody watches the status.
	Background bool `mapstructure:"background" yaml:"background"`
	// NetWatch is the network interface poll interval; 0 disables it.
	NetWatch time.Duration `mapstructure:"netwatch" yaml:"netwatch" validate:"gte=0"`
}

type SyncConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=20"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=1,lte=8"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff" validate:"gte=0"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" validate:"gte=0"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
	KickDelay   time.Duration `mapstructure:"kick_delay" yaml:"kick_delay" validate:"gte=0"`
}

type ControlPlaneConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
	Token       string   `mapstructure:"token" yaml:"token,omitempty"`
	RateLimit   string   `mapstructure:"rate_limit" yaml:"rate_limit"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
}

type BackupConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Bucket       string `mapstructure:"bucket" yaml:"bucket,omitempty" validate:"required_if=Enabled true"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region       string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Remote: RemoteConfig{
			URL:        DefaultRemoteURL,
			Timeout:    10 * time.Second,
			HealthPath: "/api/health",
		},
		Probe: ProbeConfig{
			Timeout:       5 * time.Second,
			SlowThreshold: 1500 * time.Millisecond,
			Interval:      30 * time.Second,
			Background:    true,
			NetWatch:      5 * time.Second,
		},
		Sync: SyncConfig{
			MaxAttempts: 5,
			Concurrency: 3,
			BaseBackoff: 2 * time.Second,
			MaxBackoff:  5 * time.Minute,
			Interval:    time.Minute,
			KickDelay:   500 * time.Millisecond,
		},
		ControlPlane: ControlPlaneConfig{
			Addr:      DefaultControlPlaneAddr,
			RateLimit: DefaultRateLimit,
		},
		Backup: BackupConfig{
			Prefix: "farmsync/",
			Region: "us-east-1",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// SetDefaults registers every key with v so env vars can override keys absent from the file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.health_path", d.Remote.HealthPath)
	v.SetDefault("probe.timeout", d.Probe.Timeout)
	v.SetDefault("probe.slow_threshold", d.Probe.SlowThreshold)
	v.SetDefault("probe.interval", d.Probe.Interval)
	v.SetDefault("probe.background", d.Probe.Background)
	v.SetDefault("probe.netwatch", d.Probe.NetWatch)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.concurrency", d.Sync.Concurrency)
	v.SetDefault("sync.base_backoff", d.Sync.BaseBackoff)
	v.SetDefault("sync.max_backoff", d.Sync.MaxBackoff)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.kick_delay", d.Sync.KickDelay)
	v.SetDefault("control_plane.addr", d.ControlPlane.Addr)
	v.SetDefault("control_plane.token", d.ControlPlane.Token)
	v.SetDefault("control_plane.rate_limit", d.ControlPlane.RateLimit)
	v.SetDefault("control_plane.cors_origins", d.ControlPlane.CORSOrigins)
	v.SetDefault("backup.enabled", d.Backup.Enabled)
	v.SetDefault("backup.bucket", d.Backup.Bucket)
	v.SetDefault("backup.prefix", d.Backup.Prefix)
	v.SetDefault("backup.region", d.Backup.Region)
	v.SetDefault("backup.endpoint", d.Backup.Endpoint)
	v.SetDefault("backup.access_key", d.Backup.AccessKey)
	v.SetDefault("backup.secret_key", d.Backup.SecretKey)
	v.SetDefault("backup.use_path_style", d.Backup.UsePathStyle)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Load reads configuration from the config file, .env and FARMSYNC_* env vars.
//
// An explicit path must exist. Without one, config.yaml is looked up in the
// data dir and the current directory, and a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	// a missing .env is fine, real env vars win over it
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath(".")
		v.SetConfigName(ConfigFileName)
		v.SetConfigType(ConfigFileType)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate normalizes paths and urls and checks every field.
func (c *Config) Validate() error {
	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("invalid data dir: %w", err)
	}
	c.DataDir = dataDir

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	url, err := utils.NormalizeBaseURL(c.Remote.URL)
	if err != nil {
		return fmt.Errorf("invalid remote url: %w", err)
	}
	c.Remote.URL = url

	if c.Sync.MaxBackoff > 0 && c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("invalid config: sync.max_backoff (%s) is below sync.base_backoff (%s)", c.Sync.MaxBackoff, c.Sync.BaseBackoff)
	}
	return nil
}

// DBPath is the local store database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "farmsync.db")
}

// LockPath guards the data dir against a second daemon.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "farmsync.lock")
}

func (c *Config) LogPath() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, "logs", "farmsync.log")
}

// ControlPlaneURL is the base url clients use to reach a running daemon.
func (c *Config) ControlPlaneURL() string {
	return "http://" + c.ControlPlane.Addr
}

// Save writes the config as yaml.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config encode: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
