package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with everything in memory.
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
	KafkaEventsTopic    string
	KafkaGroup          string

	AMQPURL      string
	AMQPExchange string

	PGDSN         string
	SQLitePath    string
	RunMigrations bool

	MatcherTopN         int
	MaxDistanceMeters   float64
	DefaultSpeedMps     float64
	OSRMEndpoint        string
	GeoCellDegrees      float64
	RedispatchSchedule  string
	RedispatchBatchSize int

	JWTSecret        string
	StripeAPIKey     string
	NotifyWebhookURL string
	NotifyWebhookKey string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "riders_geo",
		KafkaPositionsTopic: "rider-positions",
		KafkaEventsTopic:    "order-events",
		KafkaGroup:          "rider-dispatch",
		AMQPExchange:        "order_events",
		MatcherTopN:         8,
		MaxDistanceMeters:   10000,
		DefaultSpeedMps:     8,
		GeoCellDegrees:      0.05,
		RedispatchBatchSize: 50,
		LogLevel:            "info",
	}
}

// LoadDotEnv loads KEY=VALUE files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
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

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaPositionsTopic, "KAFKA_POSITIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.SQLitePath = strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.MaxDistanceMeters, "MATCHER_MAX_DISTANCE_M", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMEndpoint = strings.TrimRight(strings.TrimSpace(os.Getenv("OSRM_ENDPOINT")), "/")
	setFloatFromEnv(&cfg.GeoCellDegrees, "GEO_CELL_DEGREES", &errs)
	cfg.RedispatchSchedule = strings.TrimSpace(os.Getenv("REDISPATCH_SCHEDULE"))
	setIntFromEnv(&cfg.RedispatchBatchSize, "REDISPATCH_BATCH_SIZE", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	if cfg.StripeAPIKey == "" {
		cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY"))
	}
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.MaxDistanceMeters <= 0 || cfg.MaxDistanceMeters > 10000 {
		errs = append(errs, fmt.Errorf("MATCHER_MAX_DISTANCE_M must be in (0, 10000]"))
	}
	if cfg.GeoCellDegrees <= 0 || cfg.GeoCellDegrees > 10 {
		errs = append(errs, fmt.Errorf("GEO_CELL_DEGREES must be in (0, 10]"))
	}
	if cfg.PGDSN != "" && cfg.SQLitePath != "" {
		errs = append(errs, fmt.Errorf("PG_DSN and SQLITE_PATH are mutually exclusive"))
	}
	if cfg.RedispatchSchedule != "" {
		if _, err := cron.ParseStandard(cfg.RedispatchSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid REDISPATCH_SCHEDULE: %w", err))
		}
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
