package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with no Redis, Kafka, Postgres or Stripe at all.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	SessionTTL    time.Duration

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	PGDSN         string
	RunMigrations bool

	PricingTimezone string
	PricingLocation *time.Location
	SettlementHold  time.Duration
	PendingRadiusKm float64
	RefundPolicy    string

	StripeAPIKey    string
	PaymentCurrency string
	GatewayTimeout  time.Duration

	PushEndpoint string
	PushKey      string

	AdminIDs []string

	LogLevel string
}

const (
	RefundPolicyProceed = "proceed"
	RefundPolicyBlock   = "block"
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "presence:positions",
		SessionTTL:       720 * time.Hour,
		KafkaTopic:       "user-locations",
		KafkaEventsTopic: "dispatch-events",
		PricingTimezone:  "America/Sao_Paulo",
		SettlementHold:   12 * time.Hour,
		PendingRadiusKm:  30,
		RefundPolicy:     RefundPolicyProceed,
		PaymentCurrency:  "brl",
		GatewayTimeout:   10 * time.Second,
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.SessionTTL, "SESSION_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.PricingTimezone, "PRICING_TIMEZONE")
	setDurationFromEnv(&cfg.SettlementHold, "SETTLEMENT_HOLD", &errs)
	setFloatFromEnv(&cfg.PendingRadiusKm, "PENDING_RADIUS_KM", &errs)
	if v := os.Getenv("REFUND_POLICY"); v != "" {
		cfg.RefundPolicy = strings.ToLower(strings.TrimSpace(v))
	}

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToLower(strings.TrimSpace(v))
	}
	setDurationFromEnv(&cfg.GatewayTimeout, "GATEWAY_TIMEOUT", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")
	if ids := os.Getenv("ADMIN_IDS"); ids != "" {
		cfg.AdminIDs = splitAndTrim(ids)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PendingRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("PENDING_RADIUS_KM must be > 0"))
	}
	if cfg.SettlementHold < 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_HOLD must be >= 0"))
	}
	if cfg.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be > 0"))
	}
	if cfg.RefundPolicy != RefundPolicyProceed && cfg.RefundPolicy != RefundPolicyBlock {
		errs = append(errs, fmt.Errorf("REFUND_POLICY must be %q or %q, got %q", RefundPolicyProceed, RefundPolicyBlock, cfg.RefundPolicy))
	}
	loc, err := time.LoadLocation(cfg.PricingTimezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid PRICING_TIMEZONE: %w", err))
	} else {
		cfg.PricingLocation = loc
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the location ingest worker's configuration.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	ConsumerGroup string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaTopic:    "user-locations",
		ConsumerGroup: "presence-updater",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "presence:positions",
		LogLevel:      "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.ConsumerGroup, "KAFKA_CONSUMER_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
