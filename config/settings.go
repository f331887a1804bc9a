package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings carries everything the worker needs to run: database access, the
// inbox poll loop tuning knobs, the letter-rendering collaborator, and
// observability endpoints.
type Settings struct {
	Database      DbSettings     `mapstructure:"database"`
	Poller        PollerSettings `mapstructure:"poller"`
	Letter        LetterSettings `mapstructure:"letter"`
	Observability Observability  `mapstructure:"observability"`
}

type DbSettings struct {
	DSN      string `mapstructure:"dsn" validate:"required"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

type PollerSettings struct {
	Interval        time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gt=0,lte=500"`
	InterEventDelay time.Duration `mapstructure:"inter_event_delay" validate:"gte=0"`
	Workers         int           `mapstructure:"workers" validate:"gt=0,lte=32"`
	MaxResendCount  int           `mapstructure:"max_resend_count" validate:"gt=0,lte=10"`
}

type LetterSettings struct {
	BaseURL       string        `mapstructure:"base_url" validate:"required,url"`
	SigningSecret string        `mapstructure:"signing_secret" validate:"required"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type Observability struct {
	ServiceName string `mapstructure:"service_name"`
	TracingURL  string `mapstructure:"tracing_url"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Defaults returns the tuning values used when the config file omits them.
func Defaults() Settings {
	return Settings{
		Poller: PollerSettings{
			Interval:        15 * time.Second,
			BatchSize:       25,
			InterEventDelay: 250 * time.Millisecond,
			Workers:         2,
			MaxResendCount:  3,
		},
		Letter: LetterSettings{
			Timeout: 30 * time.Second,
		},
	}
}

// LoadFromFile reads a YAML config from the given directory (falling back to
// the current directory), applies env overrides, and validates the result.
func LoadFromFile(path string) (*Settings, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("worker")
	v.AddConfigPath(path)
	v.AddConfigPath(".")

	v.SetDefault("poller.interval", cfg.Poller.Interval)
	v.SetDefault("poller.batch_size", cfg.Poller.BatchSize)
	v.SetDefault("poller.inter_event_delay", cfg.Poller.InterEventDelay)
	v.SetDefault("poller.workers", cfg.Poller.Workers)
	v.SetDefault("poller.max_resend_count", cfg.Poller.MaxResendCount)
	v.SetDefault("letter.timeout", cfg.Letter.Timeout)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	bindEnv(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid settings: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv builds settings from CASEFLOW_* environment variables alone,
// for deployments that ship no config file.
func LoadFromEnv() (*Settings, error) {
	cfg := Defaults()

	v := viper.New()
	bindEnv(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid settings: %w", err)
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvPrefix("CASEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind explicitly so nested keys map, e.g. CASEFLOW_DATABASE_DSN.
	v.BindEnv("database.dsn")
	v.BindEnv("database.max_conns")
	v.BindEnv("poller.interval")
	v.BindEnv("poller.batch_size")
	v.BindEnv("poller.inter_event_delay")
	v.BindEnv("poller.workers")
	v.BindEnv("poller.max_resend_count")
	v.BindEnv("letter.base_url")
	v.BindEnv("letter.signing_secret")
	v.BindEnv("letter.timeout")
	v.BindEnv("observability.service_name")
	v.BindEnv("observability.tracing_url")
}
