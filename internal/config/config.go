package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string // empty disables the gRPC listener

	// DB
	Env      string // "dev" | "prod"
	DBDriver string // "sqlite" | "postgres"
	DBPath   string // e.g. "./data/checkpoint.db"
	DBDSN    string // postgres only
	SeedFile string // yaml fixture applied at startup, optional

	JWTSecret string
	// Timezone decides which calendar day a restriction applies to.
	Timezone string

	LookupTimeout    time.Duration
	LedgerMaxRetries int
	LedgerBackoff    time.Duration

	// Sessions idle for longer than this are dropped (0 = keep forever)
	SessionIdleTTL time.Duration

	RateLimitRPS   float64 // 0 disables per-client rate limiting
	RateLimitBurst int

	LogLevel  string
	LogFormat string // "json" | "console"
}

// Load reads a .env file when present and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := FromEnv()
	return cfg, cfg.Validate()
}

func FromEnv() Config {
	env := strings.ToLower(getenvDefault("CHECKPOINT_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	logFormat := "console"
	if env == "prod" {
		logFormat = "json"
	}

	return Config{
		HTTPAddr: getenvDefault("CHECKPOINT_HTTP_ADDR", ":8080"),
		GRPCAddr: os.Getenv("CHECKPOINT_GRPC_ADDR"),

		Env:      env,
		DBDriver: strings.ToLower(getenvDefault("CHECKPOINT_DB_DRIVER", "sqlite")),
		DBPath:   getenvDefault("CHECKPOINT_DB_PATH", "./data/checkpoint.db"),
		DBDSN:    os.Getenv("CHECKPOINT_DB_DSN"),
		SeedFile: os.Getenv("CHECKPOINT_SEED_FILE"),

		JWTSecret: os.Getenv("CHECKPOINT_JWT_SECRET"),
		Timezone:  getenvDefault("CHECKPOINT_TIMEZONE", "UTC"),

		LookupTimeout:    getenvDuration("CHECKPOINT_LOOKUP_TIMEOUT", 2*time.Second),
		LedgerMaxRetries: getenvInt("CHECKPOINT_LEDGER_MAX_RETRIES", 3),
		LedgerBackoff:    getenvDuration("CHECKPOINT_LEDGER_BACKOFF", 10*time.Millisecond),

		SessionIdleTTL: getenvDuration("CHECKPOINT_SESSION_IDLE_TTL", 12*time.Hour),

		RateLimitRPS:   getenvFloat("CHECKPOINT_RATE_LIMIT_RPS", 20),
		RateLimitBurst: getenvInt("CHECKPOINT_RATE_LIMIT_BURST", 40),

		LogLevel:  getenvDefault("CHECKPOINT_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getenvDefault("CHECKPOINT_LOG_FORMAT", logFormat)),
	}
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("CHECKPOINT_JWT_SECRET is required"))
	}
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DBDSN == "" {
			errs = append(errs, errors.New("CHECKPOINT_DB_DSN is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CHECKPOINT_DB_DRIVER %q", c.DBDriver))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

// getenvDuration accepts Go durations ("750ms") or whole seconds ("5").
func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
