package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"activity-tracker/internal/errs"

	"github.com/spf13/viper"
)

type Config struct {
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Name     string
		SSLMode  string
	}
	Bitbucket struct {
		BaseURL     string
		Username    string
		AppPassword string
		Workspace   string
	}
	Refresh RefreshConfig
	Cache   CacheConfig
	Server  ServerConfig
}

type RefreshConfig struct {
	MaxRepositories int
	MaxPages        int
	TimeBudget      time.Duration
	SyncTimeBudget  time.Duration
	StaleAfter      time.Duration
	Workers         int
}

type CacheConfig struct {
	ActivityTTL time.Duration
	JobTTL      time.Duration
}

type ServerConfig struct {
	Port int
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ACTIVITY_TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only covers keys viper already knows about. Secrets have
	// no default and usually no YAML entry, so bind them explicitly or
	// Unmarshal never sees their env values.
	for _, key := range []string{
		"bitbucket.username",
		"bitbucket.apppassword",
		"bitbucket.workspace",
		"database.password",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "activity_tracker")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("bitbucket.baseurl", "https://api.bitbucket.org/2.0")

	v.SetDefault("refresh.maxrepositories", 10)
	v.SetDefault("refresh.maxpages", 5)
	v.SetDefault("refresh.timebudget", "4m")
	v.SetDefault("refresh.synctimebudget", "25s")
	v.SetDefault("refresh.staleafter", "30m")
	v.SetDefault("refresh.workers", 1)

	v.SetDefault("cache.activityttl", "15m")
	v.SetDefault("cache.jobttl", "1h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	// Credentials are read once at startup; a missing pair is fatal, the
	// client never prompts or retries.
	if c.Bitbucket.Username == "" {
		return errs.NewConfigurationError("bitbucket.username", "remote API username is required")
	}
	if c.Bitbucket.AppPassword == "" {
		return errs.NewConfigurationError("bitbucket.apppassword", "remote API app password is required")
	}
	if c.Bitbucket.Workspace == "" {
		return errs.NewConfigurationError("bitbucket.workspace", "workspace slug is required")
	}

	return nil
}

func (c *Config) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
