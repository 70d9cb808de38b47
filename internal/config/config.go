// Package config loads process configuration from flags, environment
// variables and an optional .env file. An explicitly passed flag wins over
// the environment; the environment wins over flag defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"
)

// Config holds everything the server and the operator CLI need.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogFormat   string
	Verbose     bool

	ProgramsFile string

	// EquityPrice is a static oracle price used when no Redis price key is
	// available.
	EquityPrice decimal.Decimal
	PriceKey    string
	PriceMaxAge time.Duration

	RunMigrations      bool
	SettlementSchedule string
	VestingSchedule    string
	DisableScheduler   bool

	StaleAfter time.Duration
	LockTTL    time.Duration
	CacheTTL   time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int

	equityPrice string
}

// envVars maps flag names to the environment variables that set them.
var envVars = map[string]string{
	"port":                "PORT",
	"database-url":        "DATABASE_URL",
	"redis-url":           "REDIS_URL",
	"log-format":          "LOG_FORMAT",
	"verbose":             "VERBOSE",
	"programs-file":       "PROGRAMS_FILE",
	"equity-price":        "EQUITY_PRICE",
	"price-key":           "PRICE_KEY",
	"price-max-age":       "PRICE_MAX_AGE",
	"run-migrations":      "RUN_MIGRATIONS",
	"settlement-schedule": "SETTLEMENT_SCHEDULE",
	"vesting-schedule":    "VESTING_SCHEDULE",
	"disable-scheduler":   "DISABLE_SCHEDULER",
	"stale-after":         "STALE_AFTER",
	"lock-ttl":            "LOCK_TTL",
	"cache-ttl":           "CACHE_TTL",
	"rate-limit":          "RATE_LIMIT_PER_MINUTE",
	"rate-burst":          "RATE_LIMIT_BURST",
}

// Bind registers the configuration flags on fs. Call Resolve after parsing.
func Bind(fs *flag.FlagSet) *Config {
	c := &Config{}
	fs.StringVar(&c.Port, "port", "8080", "HTTP listen port (or set PORT env var)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection string; empty uses the in-memory store (or set DATABASE_URL env var)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for cache, locks and price (or set REDIS_URL env var)")
	fs.StringVar(&c.LogFormat, "log-format", "json", "log format: json or text (or set LOG_FORMAT env var)")
	fs.BoolVar(&c.Verbose, "verbose", false, "enable verbose (debug) logging")
	fs.StringVar(&c.ProgramsFile, "programs-file", "", "TOML file with program overrides (or set PROGRAMS_FILE env var)")
	fs.StringVar(&c.equityPrice, "equity-price", "", "static equity token price used when Redis has no quote (or set EQUITY_PRICE env var)")
	fs.StringVar(&c.PriceKey, "price-key", "equity:price", "Redis hash holding the equity price quote (or set PRICE_KEY env var)")
	fs.DurationVar(&c.PriceMaxAge, "price-max-age", 15*time.Minute, "reject price quotes older than this")
	fs.BoolVar(&c.RunMigrations, "run-migrations", true, "apply database migrations at startup (or set RUN_MIGRATIONS env var)")
	fs.StringVar(&c.SettlementSchedule, "settlement-schedule", "@every 1m", "cron schedule of the automatic settlement check")
	fs.StringVar(&c.VestingSchedule, "vesting-schedule", "@every 1h", "cron schedule of the vesting tick")
	fs.BoolVar(&c.DisableScheduler, "disable-scheduler", false, "do not run scheduled jobs in this instance")
	fs.DurationVar(&c.StaleAfter, "stale-after", 10*time.Minute, "processing settlements older than this are forced to failed")
	fs.DurationVar(&c.LockTTL, "lock-ttl", 2*time.Minute, "TTL of distributed locks")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", 30*time.Second, "TTL of cached wallet reads")
	fs.IntVar(&c.RateLimitPerMinute, "rate-limit", 60, "trigger requests per minute per client IP (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-burst", 10, "trigger request burst per client IP")
	return c
}

// Resolve applies environment overrides to flags that were not passed
// explicitly, then validates.
func (c *Config) Resolve(fs *flag.FlagSet, getenv func(string) string) error {
	names := make([]string, 0, len(envVars))
	for name := range envVars {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if fs.Lookup(name) == nil || fs.Changed(name) {
			continue
		}
		env := envVars[name]
		v := getenv(env)
		if v == "" {
			continue
		}
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}

	if c.equityPrice != "" {
		p, err := decimal.NewFromString(c.equityPrice)
		if err != nil {
			return fmt.Errorf("equity price %q: %w", c.equityPrice, err)
		}
		c.EquityPrice = p
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.LogFormat)
	}
	if c.EquityPrice.IsNegative() {
		return fmt.Errorf("equity price must not be negative, got %s", c.EquityPrice)
	}
	if c.StaleAfter <= 0 {
		return errors.New("stale-after must be positive")
	}
	if c.LockTTL <= 0 {
		return errors.New("lock-ttl must be positive")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limits must not be negative")
	}
	return nil
}

// Load parses args with environment overrides.
func Load(args []string, getenv func(string) string) (*Config, error) {
	fs := flag.NewFlagSet("settlement-engine", flag.ContinueOnError)
	c := Bind(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := c.Resolve(fs, getenv); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDotEnv loads variables from the given files into the process
// environment without overriding what is already set. Missing files are
// skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}
