package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var (
	configName = "config"
	configType = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Auth struct {
		JWTSecret string `mapstructure:"JWT_SECRET"`
		Issuer    string `mapstructure:"ISSUER"`
	} `mapstructure:"AUTH"`
	Payment struct {
		Provider      string        `mapstructure:"PROVIDER"`
		Currency      string        `mapstructure:"CURRENCY"`
		WebhookSecret string        `mapstructure:"WEBHOOK_SECRET"`
		SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`
	} `mapstructure:"PAYMENT"`
	Escrow struct {
		PlatformUserID string `mapstructure:"PLATFORM_USER_ID"`
		FeeBPS         int64  `mapstructure:"FEE_BPS"`
		FeeExpression  string `mapstructure:"FEE_EXPRESSION"`
		RequireDriver  bool   `mapstructure:"REQUIRE_DRIVER"`
	} `mapstructure:"ESCROW"`
	Retry struct {
		MaxAttempts int           `mapstructure:"MAX_ATTEMPTS"`
		BaseDelay   time.Duration `mapstructure:"BASE_DELAY"`
		MaxDelay    time.Duration `mapstructure:"MAX_DELAY"`
		SweepSpec   string        `mapstructure:"SWEEP_SPEC"`
		LockTTL     time.Duration `mapstructure:"LOCK_TTL"`
	} `mapstructure:"RETRY"`
	Snowflake struct {
		NodeID int64 `mapstructure:"NODE_ID"`
	} `mapstructure:"SNOWFLAKE"`
	Otel struct {
		Endpoint    string  `mapstructure:"ENDPOINT"`
		Insecure    bool    `mapstructure:"INSECURE"`
		SampleRatio float64 `mapstructure:"SAMPLE_RATIO"`
	} `mapstructure:"OTEL"`
	Worker struct {
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"WORKER"`
	Wallet struct {
		AuditSpec string `mapstructure:"AUDIT_SPEC"`
	} `mapstructure:"WALLET"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "freight-escrow")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("AUTH.ISSUER", "freight-escrow")
	v.SetDefault("PAYMENT.PROVIDER", "stub")
	v.SetDefault("PAYMENT.CURRENCY", "USD")
	v.SetDefault("PAYMENT.SESSION_TTL", 30*time.Minute)
	v.SetDefault("ESCROW.PLATFORM_USER_ID", "platform")
	v.SetDefault("ESCROW.FEE_BPS", 1000)
	v.SetDefault("RETRY.MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY.BASE_DELAY", time.Minute)
	v.SetDefault("RETRY.MAX_DELAY", 6*time.Hour)
	v.SetDefault("RETRY.SWEEP_SPEC", "@every 1m")
	v.SetDefault("RETRY.LOCK_TTL", 50*time.Second)
	v.SetDefault("WALLET.AUDIT_SPEC", "0 3 * * *")
	v.SetDefault("SNOWFLAKE.NODE_ID", 1)
	v.SetDefault("WORKER.CONCURRENCY", 10)
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("OTEL.SAMPLE_RATIO", 1.0)
}

// LoadConfig reads config.yaml from the working directory (optional) and
// overlays environment variables, e.g. DATABASE_HOST or RETRY_MAX_ATTEMPTS.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" && cfg.AppEnv == "production" {
		return nil, errors.New("AUTH.JWT_SECRET is required in production")
	}

	return &cfg, nil
}
