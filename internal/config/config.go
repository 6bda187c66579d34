package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	StoreBackend  string `validate:"oneof=memory postgres mongo"`
	DatabaseURL   string `validate:"required_if=StoreBackend postgres"`
	MongoURL      string `validate:"required_if=StoreBackend mongo"`
	MongoDatabase string `validate:"required_if=StoreBackend mongo"`

	EventsBackend   string `validate:"oneof=none nats amqp rmq"`
	NATSURL         string `validate:"required"`
	AMQPURL         string `validate:"required_if=EventsBackend amqp"`
	LogNATSSubjects bool

	// Redis backs the route cache and the rmq event queue. Empty disables both.
	RedisAddr     string `validate:"required_if=EventsBackend rmq"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
	RouteCacheTTL time.Duration

	ListenAddr  string `validate:"required"`
	MetricsAddr string

	SampleInterval  time.Duration `validate:"gt=0"`
	MinDistance     float64       `validate:"gte=0"`
	StoreTimeout    time.Duration `validate:"gt=0"`
	StopMode        string        `validate:"oneof=delete deactivate"`
	RefreshInterval time.Duration `validate:"gt=0"`

	ScheduleStep         time.Duration `validate:"gt=0"`
	ScheduleWrapMidnight bool

	SimSpeedMps float64 `validate:"gt=0"`
	Location    *time.Location

	LogFormat string
	LogLevel  string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		StoreBackend:  strings.ToLower(getenvDefault("STORE_BACKEND", "memory")),
		MongoURL:      getenvDefault("MONGO_URL", "mongodb://127.0.0.1:27017"),
		MongoDatabase: getenvDefault("MONGO_DATABASE", "shuttle_tracker"),
		EventsBackend: strings.ToLower(getenvDefault("EVENTS_BACKEND", "none")),
		NATSURL:       getenvDefault("NATS_URL", "nats://127.0.0.1:4222"),
		AMQPURL:       os.Getenv("AMQP_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		ListenAddr:    getenvDefault("LISTEN_ADDR", ":8080"),
		// Empty disables the metrics server.
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		StopMode:    strings.ToLower(getenvDefault("STOP_MODE", "delete")),
		LogFormat:   os.Getenv("LOG_FORMAT"),
		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
	}

	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.DatabaseURL == "" && os.Getenv("PGDATABASE") != "" {
		cfg.DatabaseURL = pgURL()
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RouteCacheTTL, err = durationEnv("ROUTE_CACHE_TTL_SEC", time.Second, 600); err != nil {
		return nil, err
	}
	if cfg.SampleInterval, err = durationEnv("SAMPLE_INTERVAL_MS", time.Millisecond, 15000); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = durationEnv("STORE_TIMEOUT_MS", time.Millisecond, 10000); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = durationEnv("SIM_REFRESH_INTERVAL_SEC", time.Second, 60); err != nil {
		return nil, err
	}
	if cfg.ScheduleStep, err = durationEnv("SCHEDULE_STEP_MIN", time.Minute, 30); err != nil {
		return nil, err
	}
	if cfg.MinDistance, err = floatEnv("MIN_DISTANCE_M", 10); err != nil {
		return nil, err
	}
	if cfg.SimSpeedMps, err = floatEnv("SIM_SPEED_MPS", 8); err != nil {
		return nil, err
	}
	cfg.ScheduleWrapMidnight = boolEnv("SCHEDULE_WRAP_MIDNIGHT")
	cfg.LogNATSSubjects = boolEnv("LOG_NATS_SUBJECTS")

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// pgURL builds a DSN from the libpq PG* variables.
func pgURL() string {
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func intEnv(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

// durationEnv reads a positive integer count of unit.
func durationEnv(k string, unit time.Duration, def int) (time.Duration, error) {
	n, err := intEnv(k, def)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: %d", k, n)
	}
	return time.Duration(n) * unit, nil
}

func floatEnv(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func boolEnv(k string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
