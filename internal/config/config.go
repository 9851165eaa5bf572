package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	GCSBucket string `mapstructure:"GCS_BUCKET"`

	SFTPHost            string `mapstructure:"SFTP_HOST"`
	SFTPPort            int    `mapstructure:"SFTP_PORT"`
	SFTPUser            string `mapstructure:"SFTP_USER"`
	SFTPPassword        string `mapstructure:"SFTP_PASSWORD"`
	SFTPKnownHostsFile  string `mapstructure:"SFTP_KNOWN_HOSTS_FILE"`
	SFTPRemoteDirs      []string `mapstructure:"SFTP_REMOTE_DIRS"`

	GatewayBaseURL string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey  string `mapstructure:"GATEWAY_API_KEY"`

	PGPPrivateKeyFile string `mapstructure:"PGP_PRIVATE_KEY_FILE"`
	PGPPassphrase     string `mapstructure:"PGP_PASSPHRASE"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SFTP_PORT", 22)
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("GCS_BUCKET")
	v.BindEnv("SFTP_HOST")
	v.BindEnv("SFTP_PORT")
	v.BindEnv("SFTP_USER")
	v.BindEnv("SFTP_PASSWORD")
	v.BindEnv("SFTP_KNOWN_HOSTS_FILE")
	v.BindEnv("SFTP_REMOTE_DIRS")
	v.BindEnv("GATEWAY_BASE_URL")
	v.BindEnv("GATEWAY_API_KEY")
	v.BindEnv("PGP_PRIVATE_KEY_FILE")
	v.BindEnv("PGP_PASSPHRASE")
	v.BindEnv("MIGRATIONS_DIR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SFTPRemoteDirs == nil {
		dirs := v.GetString("SFTP_REMOTE_DIRS")
		if dirs != "" {
			cfg.SFTPRemoteDirs = strings.Split(dirs, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the worker is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Ingestion and payment
// settings are only enforced in production; development runs against fakes.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\", \"staging\", or \"production\", got %q", c.Env)
	}

	if c.IsProduction() {
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required in production")
		}
		if c.GatewayBaseURL == "" || c.GatewayAPIKey == "" {
			return fmt.Errorf("GATEWAY_BASE_URL and GATEWAY_API_KEY are required in production")
		}
		if c.SFTPHost != "" && c.SFTPKnownHostsFile == "" {
			return fmt.Errorf("SFTP_KNOWN_HOSTS_FILE is required when SFTP_HOST is set in production")
		}
	}

	if c.SFTPHost != "" && c.SFTPUser == "" {
		return fmt.Errorf("SFTP_USER is required when SFTP_HOST is set")
	}
	if c.PGPPrivateKeyFile != "" && c.GCSBucket == "" {
		return fmt.Errorf("GCS_BUCKET is required when PGP ingestion is configured")
	}

	return nil
}
