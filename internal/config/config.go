package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is loaded from .env files, the environment and an optional YAML file.
type Config struct {
	AppEnv string
	Port   string

	StoreDriver string
	PostgresDSN string
	SQLitePath  string

	RedisAddr          string
	RedisQueueKey      string
	RedisProcessingKey string
	Workers            int
	QueueStaleAfter    time.Duration

	GeminiAPIKey       string
	GeminiBaseURL      string
	GeminiTextModel    string
	GeminiImageModel   string
	RemoteImageEnabled bool
	TextTimeout        time.Duration
	ImageTimeout       time.Duration

	AssetDir        string
	AssetBaseURL    string
	CatalogPath     string
	DefaultLanguage string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("port", "8080")
	v.SetDefault("store_driver", DriverPostgres)
	v.SetDefault("sqlite_path", "./data/knock.db")
	v.SetDefault("redis_queue_key", "pipeline:queue")
	v.SetDefault("redis_processing_key", "pipeline:processing")
	v.SetDefault("workers", 4)
	v.SetDefault("queue_stale_after", "10m")
	v.SetDefault("gemini_base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini_text_model", "gemini-2.5-flash")
	v.SetDefault("gemini_image_model", "gemini-2.5-flash-image")
	v.SetDefault("remote_image_enabled", true)
	v.SetDefault("text_timeout", "30s")
	v.SetDefault("image_timeout", "60s")
	v.SetDefault("asset_dir", "./storage")
	v.SetDefault("asset_base_url", "http://localhost:8080/static")
	v.SetDefault("default_language", "en")
}

// Option adjusts the viper instance before values are read.
type Option func(v *viper.Viper) error

// BindFlag lets a command-line flag override key when the flag was set.
func BindFlag(key string, f *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if f == nil {
			return fmt.Errorf("bind %s: flag not defined", key)
		}
		return v.BindPFlag(key, f)
	}
}

// Load reads configuration. configFile may be empty; KNOCK_CONFIG is used then.
// Precedence: flags, environment, config file, defaults.
func Load(configFile string, opts ...Option) (*Config, error) {
	// missing .env files are fine
	_ = godotenv.Load(".env", ".env.local")

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	if configFile == "" {
		configFile = v.GetString("knock_config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		AppEnv:             v.GetString("app_env"),
		Port:               v.GetString("port"),
		StoreDriver:        strings.ToLower(strings.TrimSpace(v.GetString("store_driver"))),
		PostgresDSN:        v.GetString("postgres_dsn"),
		SQLitePath:         v.GetString("sqlite_path"),
		RedisAddr:          v.GetString("redis_addr"),
		RedisQueueKey:      v.GetString("redis_queue_key"),
		RedisProcessingKey: v.GetString("redis_processing_key"),
		Workers:            v.GetInt("workers"),
		QueueStaleAfter:    v.GetDuration("queue_stale_after"),
		GeminiAPIKey:       strings.TrimSpace(v.GetString("gemini_api_key")),
		GeminiBaseURL:      v.GetString("gemini_base_url"),
		GeminiTextModel:    v.GetString("gemini_text_model"),
		GeminiImageModel:   v.GetString("gemini_image_model"),
		RemoteImageEnabled: v.GetBool("remote_image_enabled"),
		TextTimeout:        v.GetDuration("text_timeout"),
		ImageTimeout:       v.GetDuration("image_timeout"),
		AssetDir:           v.GetString("asset_dir"),
		AssetBaseURL:       v.GetString("asset_base_url"),
		CatalogPath:        v.GetString("catalog_path"),
		DefaultLanguage:    v.GetString("default_language"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for store driver %q", c.StoreDriver)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for store driver %q", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return nil
}

// RequireRedis is checked by processes that consume or produce queue items.
func (c *Config) RequireRedis() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	return nil
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password of a URL-style DSN: user:pass@ -> user:****@.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
