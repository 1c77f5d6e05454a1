package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultServerAddress  = "localhost:8080"
	defaultLogLevel       = "info"
	defaultEnv            = "local"
	defaultConfigDir      = ".fieldsync"
	defaultSyncInterval   = 30
	defaultRequestTimeout = 30
	defaultMaxInFlight    = 4
	defaultS3Region       = "us-east-1"
)

type Config struct {
	Env            string `mapstructure:"app_env"`
	ServerAddress  string `mapstructure:"server_address"`
	EnableTLS      bool   `mapstructure:"enable_tls"`
	LogLevel       string `mapstructure:"log_level"`
	ConfigDir      string `mapstructure:"config_dir"`
	TokenPath      string `mapstructure:"token_path"`
	DataPath       string `mapstructure:"data_path"`
	SyncInterval   int    `mapstructure:"sync_interval_seconds"`
	RequestTimeout int    `mapstructure:"request_timeout_seconds"`
	MaxInFlight    int    `mapstructure:"max_in_flight"`
	// EventsAddress enables the websocket event feed when set.
	EventsAddress string `mapstructure:"events_address"`
	KeepPurged    bool   `mapstructure:"keep_purged"`

	S3 S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

// Load reads the client configuration from .env, an optional config file
// and the environment, in increasing priority.
func Load(configFile string) (*Config, error) {
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envPath = "../.env"
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", defaultEnv)
	v.SetDefault("SERVER_ADDRESS", defaultServerAddress)
	v.SetDefault("ENABLE_TLS", false)
	v.SetDefault("LOG_LEVEL", defaultLogLevel)
	v.SetDefault("CONFIG_DIR", defaultConfigDir)
	v.SetDefault("SYNC_INTERVAL_SECONDS", defaultSyncInterval)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", defaultRequestTimeout)
	v.SetDefault("MAX_IN_FLIGHT", defaultMaxInFlight)
	v.SetDefault("EVENTS_ADDRESS", "")
	v.SetDefault("KEEP_PURGED", false)
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", defaultS3Region)
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_PREFIX", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	configDir := v.GetString("CONFIG_DIR")
	if configDir == defaultConfigDir {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		configDir = filepath.Join(homeDir, configDir)
	}
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	cfg := &Config{
		Env:            v.GetString("APP_ENV"),
		ServerAddress:  v.GetString("SERVER_ADDRESS"),
		EnableTLS:      v.GetBool("ENABLE_TLS"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		ConfigDir:      configDir,
		TokenPath:      filepath.Join(configDir, "token"),
		DataPath:       filepath.Join(configDir, "records.db"),
		SyncInterval:   v.GetInt("SYNC_INTERVAL_SECONDS"),
		RequestTimeout: v.GetInt("REQUEST_TIMEOUT_SECONDS"),
		MaxInFlight:    v.GetInt("MAX_IN_FLIGHT"),
		EventsAddress:  v.GetString("EVENTS_ADDRESS"),
		KeepPurged:     v.GetBool("KEEP_PURGED"),
		S3: S3Config{
			Bucket:   v.GetString("S3_BUCKET"),
			Region:   v.GetString("S3_REGION"),
			Endpoint: v.GetString("S3_ENDPOINT"),
			Prefix:   v.GetString("S3_PREFIX"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server_address must not be empty")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval_seconds must be positive, got %d", c.SyncInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive, got %d", c.RequestTimeout)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight must be positive, got %d", c.MaxInFlight)
	}
	return nil
}

func (c *Config) SyncEvery() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// BaseURL is the scheme and host of the remote authority.
func (c *Config) BaseURL() string {
	if c.EnableTLS {
		return "https://" + c.ServerAddress
	}
	return "http://" + c.ServerAddress
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsLocal() bool {
	return c.Env == "local" || c.Env == ""
}
