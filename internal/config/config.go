package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config stores all configuration for the cooperative core.
// Values are read by viper from an optional .env file and the environment.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Argon2    Argon2Config    `mapstructure:"argon2"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Loan      LoanConfig      `mapstructure:"loan"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Consent   ConsentConfig   `mapstructure:"consent"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Bank      BankConfig      `mapstructure:"bank"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type JWTConfig struct {
	SecretKey string        `mapstructure:"secret_key"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Argon2Config tunes staff password hashing.
type Argon2Config struct {
	Time       uint32 `mapstructure:"time"`
	Memory     uint32 `mapstructure:"memory"`
	Threads    uint8  `mapstructure:"threads"`
	KeyLength  uint32 `mapstructure:"key_length"`
	SaltLength int    `mapstructure:"salt_length"`
}

// LedgerConfig carries the withdrawal fee policy.
type LedgerConfig struct {
	WithdrawalFeeRate string `mapstructure:"withdrawal_fee_rate"`
	WithdrawalFeeMin  string `mapstructure:"withdrawal_fee_min"`
	WithdrawalFeeMax  string `mapstructure:"withdrawal_fee_max"`
}

// FeePolicy parses the configured fee strings.
func (c LedgerConfig) FeePolicy() (rate, min, max decimal.Decimal, err error) {
	if rate, err = decimal.NewFromString(c.WithdrawalFeeRate); err != nil {
		return rate, min, max, errors.Wrap(err, "ledger.withdrawal_fee_rate")
	}
	if min, err = decimal.NewFromString(c.WithdrawalFeeMin); err != nil {
		return rate, min, max, errors.Wrap(err, "ledger.withdrawal_fee_min")
	}
	if max, err = decimal.NewFromString(c.WithdrawalFeeMax); err != nil {
		return rate, min, max, errors.Wrap(err, "ledger.withdrawal_fee_max")
	}
	if min.GreaterThan(max) {
		return rate, min, max, errors.New("ledger.withdrawal_fee_min exceeds ledger.withdrawal_fee_max")
	}
	return rate, min, max, nil
}

// LoanConfig carries the lending policy knobs that vary per cooperative.
type LoanConfig struct {
	MaxGuarantorExposure       string        `mapstructure:"max_guarantor_exposure"`
	GuarantorSavingsMultiplier string        `mapstructure:"guarantor_savings_multiplier"`
	WorkflowTemplate           string        `mapstructure:"workflow_template"`
	IdempotencyTTL             time.Duration `mapstructure:"idempotency_ttl"`
}

type AdmissionConfig struct {
	WorkflowTemplate string `mapstructure:"workflow_template"`
}

type ConsentConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	RoutingKey   string        `mapstructure:"routing_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type SchedulerConfig struct {
	InterestSchedule string `mapstructure:"interest_schedule"`
}

// BankConfig identifies the cooperative as debtor on disbursement messages.
type BankConfig struct {
	Name     string `mapstructure:"name"`
	BIC      string `mapstructure:"bic"`
	Currency string `mapstructure:"currency"`
}

var defaults = map[string]any{
	"server.port":                       "8080",
	"server.read_timeout":               15 * time.Second,
	"server.write_timeout":              15 * time.Second,
	"server.shutdown_timeout":           30 * time.Second,
	"log.level":                         "info",
	"database.host":                     "localhost",
	"database.port":                     "5432",
	"database.user":                     "postgres",
	"database.password":                 "password",
	"database.name":                     "cooperative",
	"database.ssl_mode":                 "disable",
	"database.max_open_conns":           25,
	"database.max_idle_conns":           5,
	"database.conn_max_lifetime":        5 * time.Minute,
	"database.auto_migrate":             false,
	"redis.host":                        "localhost",
	"redis.port":                        "6379",
	"redis.password":                    "",
	"redis.db":                          0,
	"rabbitmq.url":                      "",
	"rabbitmq.exchange":                 "coop_events",
	"jwt.secret_key":                    "",
	"jwt.ttl":                           12 * time.Hour,
	"argon2.time":                       1,
	"argon2.memory":                     64 * 1024,
	"argon2.threads":                    4,
	"argon2.key_length":                 32,
	"argon2.salt_length":                16,
	"ledger.withdrawal_fee_rate":        "0.005",
	"ledger.withdrawal_fee_min":         "0",
	"ledger.withdrawal_fee_max":         "500",
	"loan.max_guarantor_exposure":       "5000000",
	"loan.guarantor_savings_multiplier": "3",
	"loan.workflow_template":            "loan_approval",
	"loan.idempotency_ttl":              24 * time.Hour,
	"admission.workflow_template":       "membership_approval",
	"consent.base_url":                  "http://localhost:8080/api/v1/consents",
	"consent.token_ttl":                 72 * time.Hour,
	"consent.routing_key":               "loan.guarantor.consent_requested",
	"consent.poll_interval":             1200 * time.Millisecond,
	"consent.batch_size":                50,
	"scheduler.interest_schedule":       "0 1 1 * *",
	"bank.name":                         "Cooperative Society",
	"bank.bic":                          "COOPNGLA",
	"bank.currency":                     "NGN",
}

// Load reads configuration from .env (when present) and environment variables.
// Every key can be overridden by its upper-cased, underscore-joined form, e.g. DATABASE_HOST.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return nil, errors.Wrapf(err, "bind %s", key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if _, _, _, err := cfg.Ledger.FeePolicy(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
