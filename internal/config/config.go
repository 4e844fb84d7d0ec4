// Package config loads server settings. Later sources win: built-in defaults,
// then a YAML file, then a .env file, then LATTICE_* environment variables.
// Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/manpreetbhatti/lattice-collab/internal/steps"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
	StoreMemory   = "memory"
)

const envPrefix = "LATTICE_"

type Config struct {
	Port             int    `yaml:"port"`
	NamespacePattern string `yaml:"namespace_pattern"`

	LockDelay      time.Duration `yaml:"lock_delay"`
	LockRetries    int           `yaml:"lock_retries"`
	MaxStoredSteps int           `yaml:"max_stored_steps"`

	Store       string `yaml:"store"`
	DBPath      string `yaml:"db_path"`
	RedisAddr   string `yaml:"redis_addr"`
	DatabaseURL string `yaml:"database_url"`

	JWTSecret string  `yaml:"jwt_secret"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	ReapInterval   time.Duration `yaml:"reap_interval"`
	StaleLockAfter time.Duration `yaml:"stale_lock_after"`

	MDNS     bool   `yaml:"mdns"`
	Applier  string `yaml:"applier"`
	SeedFile string `yaml:"seed_file"`
	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Port:             8080,
		NamespacePattern: `^/[a-zA-Z0-9_/-]+$`,
		LockDelay:        store.DefaultLockDelay,
		LockRetries:      store.DefaultLockRetries,
		MaxStoredSteps:   1000,
		Store:            StoreSQLite,
		DBPath:           "./data/lattice.db",
		RedisAddr:        "localhost:6379",
		RateLimit:        100,
		RateBurst:        200,
		Applier:          "prosemirror",
		LogLevel:         "info",
	}
}

// Load builds a Config from defaults, the YAML file at path and the
// environment. An empty path skips the file. envFile is loaded into the
// process environment first if it exists; variables already set win.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from LATTICE_<KEY> variables, where KEY is the
// upper-cased YAML key. PORT is honoured as well.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		if err := setInt(&c.Port, "PORT", v); err != nil {
			return err
		}
	}

	get := func(key string) (string, string, bool) {
		name := envPrefix + strings.ToUpper(key)
		v, ok := lookup(name)
		return name, v, ok && v != ""
	}

	var errs []error
	str := func(key string, dst *string) {
		if _, v, ok := get(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if name, v, ok := get(key); ok {
			errs = append(errs, setInt(dst, name, v))
		}
	}
	dur := func(key string, dst *time.Duration) {
		if name, v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	num("port", &c.Port)
	str("namespace_pattern", &c.NamespacePattern)
	dur("lock_delay", &c.LockDelay)
	num("lock_retries", &c.LockRetries)
	num("max_stored_steps", &c.MaxStoredSteps)
	str("store", &c.Store)
	str("db_path", &c.DBPath)
	str("redis_addr", &c.RedisAddr)
	str("database_url", &c.DatabaseURL)
	str("jwt_secret", &c.JWTSecret)
	num("rate_burst", &c.RateBurst)
	dur("reap_interval", &c.ReapInterval)
	dur("stale_lock_after", &c.StaleLockAfter)
	str("applier", &c.Applier)
	str("seed_file", &c.SeedFile)
	str("log_level", &c.LogLevel)

	if name, v, ok := get("rate_limit"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else {
			c.RateLimit = f
		}
	}
	if name, v, ok := get("mdns"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else {
			c.MDNS = b
		}
	}

	return errors.Join(errs...)
}

func setInt(dst *int, name, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := regexp.Compile(c.NamespacePattern); err != nil {
		errs = append(errs, fmt.Errorf("namespace_pattern: %w", err))
	}
	if c.LockDelay <= 0 {
		errs = append(errs, fmt.Errorf("lock_delay must be positive"))
	}
	if c.LockRetries < 0 {
		errs = append(errs, fmt.Errorf("lock_retries must not be negative"))
	}
	if c.MaxStoredSteps <= 0 {
		errs = append(errs, fmt.Errorf("max_stored_steps must be positive"))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit and rate_burst must not be negative"))
	}
	if c.ReapInterval < 0 || c.StaleLockAfter < 0 {
		errs = append(errs, fmt.Errorf("reap_interval and stale_lock_after must not be negative"))
	}

	switch c.Store {
	case StoreSQLite, StoreBolt:
		if c.DBPath == "" {
			errs = append(errs, fmt.Errorf("db_path is required for the %s store", c.Store))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("redis_addr is required for the redis store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("database_url is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	if _, err := steps.ByName(c.Applier); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
