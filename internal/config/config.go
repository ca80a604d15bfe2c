// Package config загружает конфигурацию worker'а и relay.
//
// Источники (по убыванию приоритета): флаги cobra (BindPFlag), переменные
// окружения JOBRUN_*, файл jobrun.yaml, значения по умолчанию.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/shaiso/jobrun/internal/mq"
)

// EnvPrefix — префикс переменных окружения.
const EnvPrefix = "jobrun"

// ErrInvalidConfig — конфигурация не прошла проверку.
var ErrInvalidConfig = errors.New("invalid config")

// Config — конфигурация процесса.
type Config struct {
	// RabbitMQ
	BrokerHost     string `mapstructure:"broker_host"`
	BrokerPort     int    `mapstructure:"broker_port"`
	BrokerUser     string `mapstructure:"broker_user"`
	BrokerPassword string `mapstructure:"broker_password"`
	BrokerVHost    string `mapstructure:"broker_vhost"`

	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	KeepAlive        time.Duration `mapstructure:"keep_alive"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	ConnectAttempts  int           `mapstructure:"connect_attempts"`
	HealthChecks     int           `mapstructure:"health_checks"`
	HealthCheckDelay time.Duration `mapstructure:"health_check_delay"`

	// Failover
	FailoverURL     string        `mapstructure:"failover_url"`
	FailoverTimeout time.Duration `mapstructure:"failover_timeout"`

	// Supervisor
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	TimeoutGrace   time.Duration `mapstructure:"timeout_grace"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`

	// Пересылка логов job в scheduler
	LogForwardRate  float64 `mapstructure:"log_forward_rate"`
	LogForwardBurst int     `mapstructure:"log_forward_burst"`

	// Observability
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Relay
	RelayAddr string `mapstructure:"relay_addr"`

	// Debug mode
	WorkerDir string `mapstructure:"worker_dir"`
}

// Defaults — значения по умолчанию.
var Defaults = map[string]any{
	"broker_host":        "127.0.0.1",
	"broker_port":        5672,
	"broker_user":        "guest",
	"broker_password":    "guest",
	"broker_vhost":       "/",
	"connect_timeout":    "6s",
	"reconnect_delay":    "1s",
	"keep_alive":         "1s",
	"drain_timeout":      "10s",
	"connect_attempts":   3,
	"health_checks":      3,
	"health_check_delay": "100ms",
	"failover_url":       "",
	"failover_timeout":   "10s",
	"default_timeout":    "2h",
	"timeout_grace":      "3m",
	"kill_grace":         "5s",
	"log_forward_rate":   50,
	"log_forward_burst":  100,
	"log_level":          "info",
	"log_format":         "text",
	"metrics_addr":       "",
	"relay_addr":         ":5080",
	"worker_dir":         ".",
}

// New создаёт viper с defaults, env prefix и путями поиска jobrun.yaml.
// fs == nil — файловая система ОС.
func New(fs afero.Fs) *viper.Viper {
	v := viper.New()
	if fs != nil {
		v.SetFs(fs)
	}

	for key, value := range Defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("jobrun")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/jobrun/")
	v.AddConfigPath("$HOME/.config/jobrun")
	v.AddConfigPath(".")

	return v
}

// Load читает файл конфигурации (если есть), декодирует и проверяет Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode декодирует все настройки viper в Config.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		StringToBoolHookFunc(),
		StringToIntHookFunc(),
	)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       hook,
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Validate проверяет диапазоны значений.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.BrokerHost != "", "broker_host is required")
	check(c.BrokerPort > 0 && c.BrokerPort < 65536, "broker_port %d out of range", c.BrokerPort)
	check(c.ConnectTimeout > 0, "connect_timeout must be positive")
	check(c.ReconnectDelay > 0, "reconnect_delay must be positive")
	check(c.KeepAlive > 0, "keep_alive must be positive")
	check(c.DrainTimeout > 0, "drain_timeout must be positive")
	check(c.ConnectAttempts >= 1, "connect_attempts must be at least 1")
	check(c.HealthChecks >= 0, "health_checks must not be negative")
	check(c.FailoverTimeout > 0, "failover_timeout must be positive")
	check(c.DefaultTimeout > 0, "default_timeout must be positive")
	check(c.TimeoutGrace > 0, "timeout_grace must be positive")
	check(c.KillGrace > 0, "kill_grace must be positive")
	check(c.LogForwardRate > 0, "log_forward_rate must be positive")
	check(c.LogFormat == "text" || c.LogFormat == "json", "log_format must be text or json, got %q", c.LogFormat)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// MQOptions собирает параметры соединения с RabbitMQ.
// health_checks: 0 отключает проверки.
func (c *Config) MQOptions(logger *slog.Logger) mq.Options {
	healthChecks := c.HealthChecks
	if healthChecks == 0 {
		healthChecks = -1
	}

	return mq.Options{
		Host:             c.BrokerHost,
		Port:             c.BrokerPort,
		User:             c.BrokerUser,
		Password:         c.BrokerPassword,
		VHost:            c.BrokerVHost,
		KeepAlive:        c.KeepAlive,
		ConnectTimeout:   c.ConnectTimeout,
		ReconnectDelay:   c.ReconnectDelay,
		DrainTimeout:     c.DrainTimeout,
		HealthChecks:     healthChecks,
		HealthCheckDelay: c.HealthCheckDelay,
		Logger:           logger,
	}
}

// StringToBoolHookFunc разбирает true/false, 1/0, yes/no.
func StringToBoolHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Bool {
			return data, nil
		}

		switch strings.ToLower(strings.TrimSpace(data.(string))) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no", "":
			return false, nil
		default:
			return nil, fmt.Errorf("cannot convert %q to bool", data)
		}
	}
}

// StringToIntHookFunc разбирает целые из строк окружения.
func StringToIntHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int {
			return data, nil
		}

		i, err := strconv.Atoi(strings.TrimSpace(data.(string)))
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to int: %v", data, err)
		}
		return i, nil
	}
}
