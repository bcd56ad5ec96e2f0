package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/bher20/aquabill/internal/alerting"
)

// EnvPrefix namespaces every environment override, e.g. AQUABILL_DB_DRIVER.
const EnvPrefix = "AQUABILL"

type Config struct {
	Port    string        `mapstructure:"port" validate:"required"`
	DB      DBConfig      `mapstructure:"db"`
	Log     LogConfig     `mapstructure:"log"`
	Tariffs TariffsConfig `mapstructure:"tariffs"`
	Billing BillingConfig `mapstructure:"billing"`
	// Alerting posts bill run failures to an operator webhook.
	Alerting alerting.Config `mapstructure:"alerting"`
}

type DBConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

type TariffsConfig struct {
	// SeedFile is an optional YAML file of tariff configurations loaded at startup.
	SeedFile string        `mapstructure:"seed_file"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
}

type BillingConfig struct {
	// Schedule is a cron expression or a whole number of seconds.
	Schedule string `mapstructure:"schedule" validate:"required"`
	Workers  int    `mapstructure:"workers" validate:"min=1,max=64"`
	// Month pins manual bill runs to a YYYY-MM month instead of the previous one.
	Month string `mapstructure:"month"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8000")
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("tariffs.seed_file", "")
	v.SetDefault("tariffs.cache_ttl", 10*time.Minute)
	v.SetDefault("billing.schedule", "0 2 1 * *")
	v.SetDefault("billing.workers", 4)
	v.SetDefault("billing.month", "")
	v.SetDefault("alerting.webhook_url", "")
	v.SetDefault("alerting.webhook_type", "")
	v.SetDefault("alerting.min_failures", 1)
	v.SetDefault("alerting.timeout", 10*time.Second)
}

// Load reads an optional .env file, then an optional aquabill.yaml, then
// AQUABILL_* environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("aquabill")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/aquabill")
	return load(v)
}

// LoadFile reads an optional .env file, then configuration from an explicit
// file, then the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}
