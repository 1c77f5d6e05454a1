package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const (
	envPath = ".env"

	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"

	defaultRunAddress = ":8080"
	defaultLogLevel   = "info"
)

type Config struct {
	Env    string
	DB     db
	Server server
	Logger logger
}

type db struct {
	DatabaseURI string `env:"DATABASE_URI"`
}

type server struct {
	RunAddress string `env:"RUN_ADDRESS"`
	// APITokenHash is the bcrypt hash of the bearer token clients present.
	APITokenHash string `env:"API_TOKEN_HASH"`
}

type logger struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (*Config, error) {
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("run_address", defaultRunAddress)
	v.SetDefault("log_level", defaultLogLevel)

	cfg := &Config{
		Env: v.GetString("app_env"),
		DB: db{
			DatabaseURI: v.GetString("database_uri"),
		},
		Server: server{
			RunAddress:   v.GetString("run_address"),
			APITokenHash: v.GetString("api_token_hash"),
		},
		Logger: logger{LogLevel: v.GetString("log_level")},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		errs = append(errs, fmt.Errorf("app_env must be one of %s, %s, %s, got %q", EnvLocal, EnvDev, EnvProd, c.Env))
	}
	if c.DB.DatabaseURI == "" {
		errs = append(errs, errors.New("database_uri is required"))
	}
	if c.Server.APITokenHash == "" {
		errs = append(errs, errors.New("api_token_hash is required"))
	} else if _, err := bcrypt.Cost([]byte(c.Server.APITokenHash)); err != nil {
		errs = append(errs, fmt.Errorf("api_token_hash is not a bcrypt hash: %w", err))
	}
	return errors.Join(errs...)
}
