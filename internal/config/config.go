package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string `validate:"required"`

	KafkaBrokers []string `validate:"dive,hostname_port"`
	KafkaTopic   string   `validate:"required"`
	// KafkaPingTopic receives pings posted to the async ingest route.
	KafkaPingTopic string `validate:"required"`

	PGDSN         string
	RunMigrations bool

	OSRMURL       string `validate:"omitempty,url"`
	RouteCacheTTL time.Duration

	DefaultSpeedMps float64 `validate:"gt=0"`
	MatcherTopN     int     `validate:"gt=0"`
	MatcherFanout   int     `validate:"gt=0"`
	SearchRadiusM   float64 `validate:"gt=0"`

	TrackerNearRadiusM float64       `validate:"gt=0"`
	TrackerIdleExpiry  time.Duration `validate:"gt=0"`

	SchedulerInterval    time.Duration `validate:"gt=0"`
	SchedulerFinishDelay time.Duration `validate:"gte=0"`
	SchedulerTimeout     time.Duration `validate:"gt=0"`
	SchedulerParallelism int           `validate:"gt=0"`

	EventsWebhookURL string `validate:"omitempty,url"`
	EventsWebhookKey string

	LogLevel string `validate:"oneof=debug info warn warning error"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "carpool:geo",
		KafkaTopic:           "trip-events",
		KafkaPingTopic:       "trip-pings",
		RouteCacheTTL:        10 * time.Minute,
		DefaultSpeedMps:      10,
		MatcherTopN:          10,
		MatcherFanout:        8,
		SearchRadiusM:        1500,
		TrackerNearRadiusM:   500,
		TrackerIdleExpiry:    30 * time.Minute,
		SchedulerInterval:    time.Minute,
		SchedulerFinishDelay: 5 * time.Minute,
		SchedulerTimeout:     60 * time.Minute,
		SchedulerParallelism: 8,
		LogLevel:             "info",
	}
}

// LoadServerConfig reads an optional .env file, then the environment.
func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
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

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaPingTopic, "KAFKA_PING_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setIntFromEnv(&cfg.MatcherFanout, "MATCHER_FANOUT", &errs)
	setFloatFromEnv(&cfg.SearchRadiusM, "SEARCH_RADIUS_M", &errs)

	setFloatFromEnv(&cfg.TrackerNearRadiusM, "TRACKER_NEAR_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.TrackerIdleExpiry, "TRACKER_IDLE_EXPIRY", &errs)

	setDurationFromEnv(&cfg.SchedulerInterval, "SCHEDULER_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SchedulerFinishDelay, "SCHEDULER_FINISH_DELAY", &errs)
	setDurationFromEnv(&cfg.SchedulerTimeout, "SCHEDULER_TIMEOUT", &errs)
	setIntFromEnv(&cfg.SchedulerParallelism, "SCHEDULER_PARALLELISM", &errs)

	setStringFromEnv(&cfg.EventsWebhookURL, "EVENTS_WEBHOOK_URL")
	cfg.EventsWebhookKey = os.Getenv("EVENTS_WEBHOOK_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(errs) == 0 {
		if err := validate(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the ping ingestion consumer.
type ConsumerConfig struct {
	KafkaBrokers []string `validate:"required,dive,hostname_port"`
	PingTopic    string   `validate:"required"`
	Group        string   `validate:"required"`
	APIBaseURL   string   `validate:"required,url"`
	MetricsAddr  string   `validate:"required"`
	Attempts     int      `validate:"gt=0"`
	RetryDelay   time.Duration
	LogLevel     string `validate:"oneof=debug info warn warning error"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		PingTopic:    "trip-pings",
		Group:        "carpool-ping-consumer",
		APIBaseURL:   "http://localhost:8080",
		MetricsAddr:  ":2112",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.PingTopic, "KAFKA_PING_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.Attempts, "CONSUMER_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(errs) == 0 {
		if err := validate(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return cfg, errors.Join(errs...)
}

// loadDotEnv loads ENV_FILE (default .env) when present. Variables already
// set in the environment win.
func loadDotEnv() {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

func validate(cfg any) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
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

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
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
