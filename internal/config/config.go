package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	StoreBackend     string
	DatabaseURL      string
	BusCollection    string
	NATSURL          string
	NATSSubjectBase  string
	LogNATSSubjects  bool
	RoutesFile       string
	WriteMinInterval time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	LivenessInterval time.Duration
	HTTPAddr         string
	MetricsAddr      string
	JWTSecret        string
	TokenTTL         time.Duration
	SignInPerMinute  int
	DailyResetCron   string
	CORSOrigins      []string
	LogLevel         logrus.Level
	Location         *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getenvDefault("STORE_BACKEND", BackendPostgres))
	switch cfg.StoreBackend {
	case BackendPostgres:
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	case BackendMemory:
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q", cfg.StoreBackend)
	}

	cfg.BusCollection = getenvDefault("BUS_COLLECTION", "buses")

	// Empty NATS_URL disables the fan-out publisher.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectBase = getenvDefault("NATS_SUBJECT_PREFIX", "bustracker")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.RoutesFile = getenvDefault("ROUTES_FILE", "config/routes.yaml")

	var err error
	if cfg.WriteMinInterval, err = millis("WRITE_MIN_INTERVAL_MS", 2000, true); err != nil {
		return nil, err
	}
	if cfg.ReconnectBase, err = millis("RECONNECT_BASE_MS", 1000, false); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax, err = millis("RECONNECT_MAX_MS", 30000, false); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		return nil, fmt.Errorf("invalid RECONNECT_MAX_MS: %s is below RECONNECT_BASE_MS", cfg.ReconnectMax)
	}

	// Liveness check (seconds). 0 disables it.
	if v := os.Getenv("LIVENESS_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid LIVENESS_INTERVAL_SEC: %q", v)
		}
		cfg.LivenessInterval = time.Duration(sec) * time.Second
	} else {
		cfg.LivenessInterval = 60 * time.Second
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if len(cfg.JWTSecret) < 16 {
		return nil, errors.New("JWT_SECRET must be set to at least 16 characters")
	}
	if v := os.Getenv("TOKEN_TTL_MIN"); v != "" {
		min, err := strconv.Atoi(v)
		if err != nil || min <= 0 {
			return nil, fmt.Errorf("invalid TOKEN_TTL_MIN: %q", v)
		}
		cfg.TokenTTL = time.Duration(min) * time.Minute
	} else {
		cfg.TokenTTL = 12 * time.Hour
	}
	if v := os.Getenv("SIGNIN_ATTEMPTS_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid SIGNIN_ATTEMPTS_PER_MIN: %q", v)
		}
		cfg.SignInPerMinute = n
	} else {
		cfg.SignInPerMinute = 5
	}

	// Cron spec with seconds field. Set DAILY_RESET_CRON=off to disable.
	cfg.DailyResetCron = getenvDefault("DAILY_RESET_CRON", "0 0 4 * * *")
	if strings.EqualFold(cfg.DailyResetCron, "off") {
		cfg.DailyResetCron = ""
	}

	for _, o := range strings.Split(getenvDefault("CORS_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	cfg.LogLevel = logrus.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %q", v)
		}
		cfg.LogLevel = lvl
	}

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

	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (or use STORE_BACKEND=memory)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func millis(key string, def int, allowZero bool) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Millisecond, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 || (ms == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
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
