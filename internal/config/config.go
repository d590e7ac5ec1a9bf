package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Prefix namespaces environment overrides. The unprefixed names are still
// honoured so existing deployments keep working; prefixed ones win.
const Prefix = "DISPATCH_"

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with in-memory stores.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaPositionsTopic string
	KafkaAuditTopic     string

	PGDSN string

	OfferTimeout         time.Duration
	Freshness            time.Duration
	SweepInterval        time.Duration
	DefaultRadiusKm      float64
	DefaultMaxCandidates int

	NotifyAttempts     int
	NotifyInitialDelay time.Duration
	NotifyMaxDelay     time.Duration
	PushEndpoint       string
	PushKey            string

	LogLevel      string
	RunMigrations bool
}

// ConsumerConfig drives cmd/consumer, which moves position pings from Kafka
// into the Redis registry.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	Freshness      time.Duration
	UpdateAttempts int
	LogLevel       string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "captains_geo",
		KafkaPositionsTopic:  "captain-positions",
		KafkaAuditTopic:      "offer-events",
		OfferTimeout:         5 * time.Second,
		Freshness:            2 * time.Minute,
		SweepInterval:        30 * time.Second,
		DefaultRadiusKm:      5,
		DefaultMaxCandidates: 5,
		NotifyAttempts:       3,
		NotifyInitialDelay:   100 * time.Millisecond,
		NotifyMaxDelay:       2 * time.Second,
		LogLevel:             "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:    ":2112",
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaTopic:     "captain-positions",
		KafkaGroup:     "captain-dispatch-consumer",
		RedisAddr:      "localhost:6379",
		RedisGeoKey:    "captains_geo",
		Freshness:      2 * time.Minute,
		UpdateAttempts: 3,
		LogLevel:       "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	k, err := load()
	if err != nil {
		return ServerConfig{}, err
	}
	cfg := defaultServerConfig()
	var errs []error

	setString(k, &cfg.HTTPAddr, "http_addr")
	setDuration(k, &cfg.ReadTimeout, "http_read_timeout", &errs)
	setDuration(k, &cfg.WriteTimeout, "http_write_timeout", &errs)
	setDuration(k, &cfg.IdleTimeout, "http_idle_timeout", &errs)
	setDuration(k, &cfg.ShutdownTimeout, "http_shutdown_timeout", &errs)

	setString(k, &cfg.RedisAddr, "redis_addr")
	cfg.RedisPassword = k.String("redis_password")
	setString(k, &cfg.RedisGeoKey, "redis_geo_key")

	if brokers := k.String("kafka_brokers"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setString(k, &cfg.KafkaPositionsTopic, "kafka_topic")
	setString(k, &cfg.KafkaAuditTopic, "kafka_audit_topic")

	cfg.PGDSN = k.String("pg_dsn")

	setDuration(k, &cfg.OfferTimeout, "offer_timeout", &errs)
	setDuration(k, &cfg.Freshness, "freshness_threshold", &errs)
	setDuration(k, &cfg.SweepInterval, "sweep_interval", &errs)
	setFloat(k, &cfg.DefaultRadiusKm, "default_radius_km", &errs)
	setInt(k, &cfg.DefaultMaxCandidates, "default_max_candidates", &errs)

	setInt(k, &cfg.NotifyAttempts, "notify_attempts", &errs)
	setDuration(k, &cfg.NotifyInitialDelay, "notify_initial_delay", &errs)
	setDuration(k, &cfg.NotifyMaxDelay, "notify_max_delay", &errs)
	setString(k, &cfg.PushEndpoint, "push_endpoint")
	cfg.PushKey = k.String("push_key")

	if v := k.String("log_level"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(k.String("migrate"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if c.Freshness <= 0 {
		errs = append(errs, fmt.Errorf("FRESHNESS_THRESHOLD must be > 0"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if c.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_RADIUS_KM must be > 0"))
	}
	if c.DefaultMaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_MAX_CANDIDATES must be > 0"))
	}
	if c.NotifyAttempts <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_ATTEMPTS must be > 0"))
	}
	if c.RunMigrations && c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE requires PG_DSN"))
	}
	return errs
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	k, err := load()
	if err != nil {
		return ConsumerConfig{}, err
	}
	cfg := defaultConsumerConfig()
	var errs []error

	setString(k, &cfg.MetricsAddr, "metrics_addr")
	if brokers := k.String("kafka_brokers"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	} else if broker := k.String("kafka_broker"); broker != "" {
		cfg.KafkaBrokers = splitAndTrim(broker)
	}
	setString(k, &cfg.KafkaTopic, "kafka_topic")
	setString(k, &cfg.KafkaGroup, "kafka_group")
	setString(k, &cfg.RedisAddr, "redis_addr")
	cfg.RedisPassword = k.String("redis_password")
	setString(k, &cfg.RedisGeoKey, "redis_geo_key")
	setDuration(k, &cfg.Freshness, "freshness_threshold", &errs)
	setInt(k, &cfg.UpdateAttempts, "update_attempts", &errs)
	if v := k.String("log_level"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.UpdateAttempts <= 0 {
		errs = append(errs, fmt.Errorf("UPDATE_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// load reads the unprefixed names first and the prefixed ones on top.
// Keys are lower-cased with the prefix stripped.
func load() (*koanf.Koanf, error) {
	k := koanf.New(".")
	prefix := strings.ToLower(Prefix)
	if err := k.Load(env.Provider("", ".", func(s string) string {
		s = strings.ToLower(s)
		if strings.HasPrefix(s, prefix) {
			return ""
		}
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if err := k.Load(env.Provider(Prefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), prefix)
	}), nil); err != nil {
		return nil, fmt.Errorf("load %s env: %w", Prefix, err)
	}
	return k, nil
}

func setDuration(k *koanf.Koanf, target *time.Duration, key string, errs *[]error) {
	if v := strings.TrimSpace(k.String(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
			return
		}
		*target = d
	}
}

func setFloat(k *koanf.Koanf, target *float64, key string, errs *[]error) {
	if v := strings.TrimSpace(k.String(key)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
			return
		}
		*target = f
	}
}

func setInt(k *koanf.Koanf, target *int, key string, errs *[]error) {
	if v := strings.TrimSpace(k.String(key)); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
			return
		}
		*target = i
	}
}

func setString(k *koanf.Koanf, target *string, key string) {
	if v := strings.TrimSpace(k.String(key)); v != "" {
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
