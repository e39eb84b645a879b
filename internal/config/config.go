package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds process configuration for dashsync.
type Config struct {
	API       APIConfig
	Realtime  RealtimeConfig
	Status    StatusConfig
	Auth      AuthConfig
	HTTP      HTTPConfig
	Log       LogConfig
	Snowflake SnowflakeConfig
}

// APIConfig describes the external REST API.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`
	// RefreshSkew triggers a refresh before sending when the token expires sooner.
	RefreshSkew time.Duration `mapstructure:"refresh_skew"`
}

// RealtimeConfig describes the event stream endpoint and reconnect policy.
type RealtimeConfig struct {
	URL            string        `mapstructure:"url"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// StatusConfig locates the status/transition settings.
type StatusConfig struct {
	Resource     string        `mapstructure:"resource"`
	SettingsPath string        `mapstructure:"settings_path"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	// File replaces the built-in fallback table with a YAML status config.
	File string `mapstructure:"file"`
}

// AuthConfig holds optional credentials used when hydration finds no session.
type AuthConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dev   bool   `mapstructure:"dev"`
	File  string `mapstructure:"file"`
}

type SnowflakeConfig struct {
	Node int64 `mapstructure:"node"`
}

// Load reads configuration from an optional .env file, an optional YAML file
// named by DASHSYNC_CONFIG and DASHSYNC_* environment variables, in increasing
// order of precedence.
func Load() (Config, error) {
	// best-effort: a missing .env is not an error
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path := os.Getenv("DASHSYNC_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("DASHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8431/api")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("api.rate_limit", 0.0)
	v.SetDefault("api.rate_burst", 10)
	v.SetDefault("api.refresh_skew", 30*time.Second)
	v.SetDefault("realtime.url", "ws://localhost:8431/api/events")
	v.SetDefault("realtime.initial_backoff", time.Second)
	v.SetDefault("realtime.max_backoff", 30*time.Second)
	v.SetDefault("status.resource", "orders")
	v.SetDefault("status.settings_path", "/settings/order-statuses")
	v.SetDefault("status.stale_after", 5*time.Minute)
	v.SetDefault("status.file", "")
	v.SetDefault("auth.email", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("http.addr", "127.0.0.1:8432")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)
	v.SetDefault("log.file", "")
	v.SetDefault("snowflake.node", 1)
}

func (c Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Realtime.InitialBackoff <= 0 || c.Realtime.MaxBackoff < c.Realtime.InitialBackoff {
		return fmt.Errorf("realtime backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	return nil
}
