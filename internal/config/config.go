package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"port"`
	MQTTBrokerURL  string        `mapstructure:"mqtt_broker_url"`
	LogLevel       string        `mapstructure:"log_level"`
	AdapterID      string        `mapstructure:"adapter_id"`
	AdapterVersion string        `mapstructure:"adapter_version"`
	SensorsFile    string        `mapstructure:"sensors_file"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	Postgres       DBConfig      `mapstructure:"postgres"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
}

type DBConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

var settings = []struct {
	key, env string
	def      any
}{
	{"port", "LEAK_ADAPTER_PORT", "8094"},
	{"mqtt_broker_url", "MQTT_BROKER_URL", "mqtt://mosquitto:1883"},
	{"log_level", "LOG_LEVEL", "info"},
	{"adapter_id", "LEAK_ADAPTER_ID", "http-leak-adapter"},
	{"adapter_version", "LEAK_ADAPTER_VERSION", "dev"},
	{"sensors_file", "LEAK_SENSORS_CONFIG", "/config/sensors.yaml"},
	{"http_timeout", "LEAK_HTTP_TIMEOUT", "10s"},
	{"postgres.user", "POSTGRES_USER", "postgres"},
	{"postgres.password", "POSTGRES_PASSWORD", ""},
	{"postgres.db", "POSTGRES_DB", "homenavi"},
	{"postgres.host", "POSTGRES_HOST", "postgres"},
	{"postgres.port", "POSTGRES_PORT", "5432"},
	{"postgres.sslmode", "POSTGRES_SSLMODE", "disable"},
	{"redis_addr", "REDIS_ADDR", "redis:6379"},
	{"redis_password", "REDIS_PASSWORD", ""},
}

// Load reads settings from the environment. When LEAK_ADAPTER_CONFIG points
// at a YAML file its values sit between the defaults and the environment.
func Load() (*Config, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, err
		}
	}
	if err := v.BindEnv("config_file", "LEAK_ADAPTER_CONFIG"); err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("http_timeout must be positive, got %s", cfg.HTTPTimeout)
	}
	slog.Info("http-leak-adapter config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL, "adapter_id", cfg.AdapterID, "sensors_file", cfg.SensorsFile)
	return &cfg, nil
}

func (c *Config) LogLevelValue() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
