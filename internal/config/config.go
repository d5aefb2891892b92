// Package config loads service configuration from an optional config.yaml
// and SAFECIRCLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type GRPCConfig struct {
	Addr string
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	Migrate         bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type NATSConfig struct {
	URL string
}

type AuthConfig struct {
	JWTSecret string
}

type DeliveryConfig struct {
	Timeout       time.Duration
	RecordTimeout time.Duration
}

// DispatchBudget bounds one SOS dispatch: every contact is notified in
// parallel over at most three channels, each attempt followed by a record write.
func (d DeliveryConfig) DispatchBudget() time.Duration {
	return 3*(d.Timeout+d.RecordTimeout) + time.Second
}

type PushConfig struct {
	VAPIDPublic  string
	VAPIDPrivate string
	Subject      string
	TTL          int
}

type SMSConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
}

type OutboxConfig struct {
	Poll  time.Duration
	Batch int
	Retry int
}

type RateConfig struct {
	Rate  float64
	Burst float64
}

type RateLimitConfig struct {
	Read  RateConfig
	Write RateConfig
	SOS   RateConfig
}

type IdempotencyConfig struct {
	TTL time.Duration
}

type GatewayConfig struct {
	Addr     string
	Upstream string
}

type AppConfig struct {
	LogLevel    string
	Tracing     bool
	HTTP        HTTPConfig
	GRPC        GRPCConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	NATS        NATSConfig
	Auth        AuthConfig
	Delivery    DeliveryConfig
	Push        PushConfig
	SMS         SMSConfig
	Outbox      OutboxConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
	Gateway     GatewayConfig
}

// Load reads configuration. Missing config files are not an error.
func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("SAFECIRCLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtsecret must be set")
	}
	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("delivery.timeout must be positive, got %s", c.Delivery.Timeout)
	}
	// The write timeout must cover a full SOS dispatch.
	if floor := c.Delivery.DispatchBudget() + 5*time.Second; c.HTTP.WriteTimeout < floor {
		c.HTTP.WriteTimeout = floor
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("loglevel", "info")
	v.SetDefault("tracing", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "30s")
	v.SetDefault("http.shutdowntimeout", "10s")
	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 20)
	v.SetDefault("postgres.maxidle", 5)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")

	v.SetDefault("auth.jwtsecret", "")

	v.SetDefault("delivery.timeout", "5s")
	v.SetDefault("delivery.recordtimeout", "2s")

	v.SetDefault("push.vapidpublic", "")
	v.SetDefault("push.vapidprivate", "")
	v.SetDefault("push.subject", "mailto:alerts@safecircle.local")
	v.SetDefault("push.ttl", 60)

	v.SetDefault("sms.baseurl", "https://api.twilio.com")
	v.SetDefault("sms.accountsid", "")
	v.SetDefault("sms.authtoken", "")
	v.SetDefault("sms.from", "")

	v.SetDefault("outbox.poll", "200ms")
	v.SetDefault("outbox.batch", 100)
	v.SetDefault("outbox.retry", 3)

	v.SetDefault("ratelimit.read.rate", 20)
	v.SetDefault("ratelimit.read.burst", 40)
	v.SetDefault("ratelimit.write.rate", 5)
	v.SetDefault("ratelimit.write.burst", 10)
	v.SetDefault("ratelimit.sos.rate", 1)
	v.SetDefault("ratelimit.sos.burst", 5)

	v.SetDefault("idempotency.ttl", "24h")

	v.SetDefault("gateway.addr", ":8000")
	v.SetDefault("gateway.upstream", "http://localhost:8080")
}
