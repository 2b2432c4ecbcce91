// Package config loads runtime settings from flags, STORYVERSE_* environment
// variables and .env files, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "STORYVERSE"

// Storage drivers.
const (
	DriverBolt   = "bbolt"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config is the resolved runtime configuration.
type Config struct {
	APIURL      string           `mapstructure:"api_url"`
	Identity    IdentitySettings `mapstructure:"identity"`
	DataDir     string           `mapstructure:"data_dir"`
	Storage     StorageSettings  `mapstructure:"storage"`
	Listen      string           `mapstructure:"listen"`
	CountryCode string           `mapstructure:"country_code"`
	HTTP        HTTPSettings     `mapstructure:"http"`
	Cache       CacheSettings    `mapstructure:"cache"`
	Password    PasswordSettings `mapstructure:"password"`
	Log         LogSettings      `mapstructure:"log"`
}

type IdentitySettings struct {
	URL     string `mapstructure:"url"`
	AnonKey string `mapstructure:"anon_key"`
}

type StorageSettings struct {
	Driver   string `mapstructure:"driver"`
	RedisURL string `mapstructure:"redis_url"`
	// Secret seals the persisted session when set.
	Secret string `mapstructure:"secret"`
}

type HTTPSettings struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type CacheSettings struct {
	StaleTime time.Duration `mapstructure:"stale_time"`
}

type PasswordSettings struct {
	MinScore int `mapstructure:"min_score"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var keys = []string{
	"api_url",
	"identity.url",
	"identity.anon_key",
	"data_dir",
	"storage.driver",
	"storage.redis_url",
	"storage.secret",
	"listen",
	"country_code",
	"http.timeout",
	"cache.stale_time",
	"password.min_score",
	"log.level",
	"log.format",
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"api-url":      "api_url",
	"identity-url": "identity.url",
	"data-dir":     "data_dir",
	"storage":      "storage.driver",
	"redis-url":    "storage.redis_url",
	"listen":       "listen",
	"country-code": "country_code",
	"timeout":      "http.timeout",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

// RegisterFlags defines the flags Load understands on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("api-url", "", "story backend base URL")
	fs.String("identity-url", "", "identity provider base URL")
	fs.String("data-dir", "", "directory for the local session database")
	fs.String("storage", "", "session storage driver: bbolt, redis or memory")
	fs.String("redis-url", "", "redis URL for the redis storage driver")
	fs.String("country-code", "", "country calling code added to local phone numbers")
	fs.Duration("timeout", 0, "timeout for backend requests")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.String("log-format", "", "log format: json or text")
	fs.String("listen", "", "listen address for the web interface")
}

// Load resolves the configuration. envFiles are loaded into the process
// environment first without overriding variables that are already set; with
// none given, a .env file in the working directory is used when present.
// flags may be nil.
func Load(flags *pflag.FlagSet, envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("loading env files: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)

	setDefaults(v)

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// The variables of the original web build still work.
	v.SetDefault("api_url", firstNonEmpty(os.Getenv("VITE_API_URL"), "http://localhost:3000"))
	v.SetDefault("identity.url", os.Getenv("VITE_SUPABASE_URL"))
	v.SetDefault("identity.anon_key", os.Getenv("VITE_SUPABASE_ANON_KEY"))
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("storage.driver", DriverBolt)
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.secret", "")
	v.SetDefault("listen", "127.0.0.1:5173")
	v.SetDefault("country_code", "591")
	v.SetDefault("http.timeout", "2m")
	v.SetDefault("cache.stale_time", "5m")
	v.SetDefault("password.min_score", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "storyverse")
	}
	return ".storyverse"
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("api_url is required"))
	}
	switch c.Storage.Driver {
	case DriverBolt:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir is required for the bbolt storage driver"))
		}
	case DriverRedis:
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("storage.redis_url is required for the redis storage driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.Cache.StaleTime < 0 {
		errs = append(errs, errors.New("cache.stale_time must not be negative"))
	}
	if c.Password.MinScore < 0 || c.Password.MinScore > 4 {
		errs = append(errs, errors.New("password.min_score must be between 0 and 4"))
	}
	return errors.Join(errs...)
}

// IdentityConfigured reports whether sign-in can be offered.
func (c *Config) IdentityConfigured() bool {
	return c.Identity.URL != "" && c.Identity.AnonKey != ""
}

// SessionDBPath is the bbolt file holding the session record.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataDir, "client.db")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
