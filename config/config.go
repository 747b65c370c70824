package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	AES       AESConfig       `mapstructure:"aes"`
	Log       LogConfig       `mapstructure:"log"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Signature SignatureConfig `mapstructure:"signature"`
	Callback  CallbackConfig  `mapstructure:"callback"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StorageConfig selects the transaction/merchant store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // postgres, memory
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

type AESConfig struct {
	Key string `mapstructure:"key"` // 32-byte hex-encoded key for AES-256
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// GatewayConfig configures outbound calls and the status vocabulary.
type GatewayConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// ResultMapping maps the gateway "result" code to an internal status.
	ResultMapping map[string]string `mapstructure:"result_mapping"`
	// SuccessMapping maps the gateway "success" flag when no result code matches.
	SuccessMapping map[string]string `mapstructure:"success_mapping"`
	// PendingCodes are placement HTTP codes meaning the payment is in flight.
	PendingCodes []int `mapstructure:"pending_codes"`
	// RedirectCodes are placement HTTP codes meaning the payer must act.
	RedirectCodes []int `mapstructure:"redirect_codes"`
}

// ReconcileConfig holds the backoff policy and the stale sweeper schedule.
type ReconcileConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	Factor        float64       `mapstructure:"factor"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	SweepEnabled  bool          `mapstructure:"sweep_enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepMinAge   time.Duration `mapstructure:"sweep_min_age"`
	SweepTimeout  time.Duration `mapstructure:"sweep_timeout"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

// KeysConfig controls merchant key caching and rotation.
type KeysConfig struct {
	GraceWindow time.Duration `mapstructure:"grace_window"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// SignatureConfig names the signature schemes in use.
type SignatureConfig struct {
	CallbackSchemes []string `mapstructure:"callback_schemes"`
	RequestScheme   string   `mapstructure:"request_scheme"`
	QueryScheme     string   `mapstructure:"query_scheme"`
}

type CallbackConfig struct {
	ReceiptTTL time.Duration `mapstructure:"receipt_ttl"`
	MaxRetries int           `mapstructure:"max_retries"` // version conflict retries
}

type RateLimitConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	CallbackLimit  int64         `mapstructure:"callback_limit"`
	CallbackWindow time.Duration `mapstructure:"callback_window"`
	AdminLimit     int64         `mapstructure:"admin_limit"`
	AdminWindow    time.Duration `mapstructure:"admin_window"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: PCG_.
// Nested keys use underscore: PCG_DATABASE_HOST, PCG_RECONCILE_MAX_ATTEMPTS, etc.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("PCG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.public_base_url", "http://localhost:8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "payment_callbacks")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "8h")
	v.SetDefault("jwt.issuer", "payment-callback-gateway")
	v.SetDefault("aes.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("gateway.timeout", "15s")
	v.SetDefault("gateway.result_mapping", map[string]string{
		"0":  "SUCCESS",
		"1":  "PENDING",
		"11": "CANCELLED",
	})
	v.SetDefault("gateway.success_mapping", map[string]string{
		"y": "SUCCESS",
		"n": "FAILED",
	})
	v.SetDefault("gateway.pending_codes", []int{200, 201})
	v.SetDefault("gateway.redirect_codes", []int{210})

	v.SetDefault("reconcile.base_delay", "1s")
	v.SetDefault("reconcile.factor", 2.0)
	v.SetDefault("reconcile.max_delay", "30s")
	v.SetDefault("reconcile.max_attempts", 4)
	v.SetDefault("reconcile.sweep_enabled", true)
	v.SetDefault("reconcile.sweep_interval", "1m")
	v.SetDefault("reconcile.sweep_min_age", "2m")
	v.SetDefault("reconcile.sweep_timeout", "24h")
	v.SetDefault("reconcile.sweep_batch", 50)

	v.SetDefault("keys.grace_window", "24h")
	v.SetDefault("keys.cache_ttl", "5m")

	v.SetDefault("signature.callback_schemes", []string{"callback-md5-v1"})
	v.SetDefault("signature.request_scheme", "request-md5-v1")
	v.SetDefault("signature.query_scheme", "query-md5-v1")

	v.SetDefault("callback.receipt_ttl", "24h")
	v.SetDefault("callback.max_retries", 3)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.callback_limit", 600)
	v.SetDefault("ratelimit.callback_window", "1m")
	v.SetDefault("ratelimit.admin_limit", 120)
	v.SetDefault("ratelimit.admin_window", "1m")
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Reconcile.MaxAttempts < 1 {
		return errors.New("reconcile.max_attempts must be at least 1")
	}
	if c.Reconcile.Factor < 1 {
		return errors.New("reconcile.factor must be >= 1")
	}
	if c.Reconcile.BaseDelay < 0 || c.Reconcile.MaxDelay < c.Reconcile.BaseDelay {
		return errors.New("reconcile.max_delay must be >= reconcile.base_delay >= 0")
	}
	if c.Gateway.Timeout <= 0 {
		return errors.New("gateway.timeout must be positive")
	}
	if len(c.Signature.CallbackSchemes) == 0 {
		return errors.New("signature.callback_schemes must name at least one scheme")
	}
	return nil
}
