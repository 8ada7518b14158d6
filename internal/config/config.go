package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime settings of the engine. Values come from an
// optional YAML file, then PG_* environment variables, then CLI flags.
type Config struct {
	DBPath     string
	Port       int
	RedisURL   string
	AdminToken string
	LogLevel   string

	DecisionTimeout time.Duration
	StatsTTL        time.Duration
	Stickiness      string

	PriorAlpha           float64
	PriorBeta            float64
	ColdStartConversions int64
}

type configFile struct {
	Server struct {
		Port            int    `yaml:"port"`
		AdminToken      string `yaml:"admin_token"`
		DecisionTimeout string `yaml:"decision_timeout"`
		LogLevel        string `yaml:"log_level"`
	} `yaml:"server"`
	Store struct {
		Path     string `yaml:"path"`
		RedisURL string `yaml:"redis_url"`
		StatsTTL string `yaml:"stats_ttl"`
	} `yaml:"store"`
	Bandit struct {
		Stickiness           string   `yaml:"stickiness"`
		PriorAlpha           *float64 `yaml:"prior_alpha"`
		PriorBeta            *float64 `yaml:"prior_beta"`
		ColdStartConversions *int64   `yaml:"cold_start_conversions"`
	} `yaml:"bandit"`
}

func Default() Config {
	return Config{
		DBPath:               "./price-goat.db",
		Port:                 8080,
		LogLevel:             "info",
		DecisionTimeout:      250 * time.Millisecond,
		StatsTTL:             2 * time.Second,
		Stickiness:           "assignment",
		PriorAlpha:           1,
		PriorBeta:            1,
		ColdStartConversions: 1,
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.applyFile(raw); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if f.Server.Port > 0 {
		c.Port = f.Server.Port
	}
	if f.Server.AdminToken != "" {
		c.AdminToken = f.Server.AdminToken
	}
	if f.Server.LogLevel != "" {
		c.LogLevel = f.Server.LogLevel
	}
	if f.Store.Path != "" {
		c.DBPath = f.Store.Path
	}
	if f.Store.RedisURL != "" {
		c.RedisURL = f.Store.RedisURL
	}
	if f.Bandit.Stickiness != "" {
		c.Stickiness = f.Bandit.Stickiness
	}
	if f.Bandit.PriorAlpha != nil {
		c.PriorAlpha = *f.Bandit.PriorAlpha
	}
	if f.Bandit.PriorBeta != nil {
		c.PriorBeta = *f.Bandit.PriorBeta
	}
	if f.Bandit.ColdStartConversions != nil {
		c.ColdStartConversions = *f.Bandit.ColdStartConversions
	}

	var err error
	if c.DecisionTimeout, err = durationOr(f.Server.DecisionTimeout, c.DecisionTimeout); err != nil {
		return fmt.Errorf("invalid decision_timeout: %w", err)
	}
	if c.StatsTTL, err = durationOr(f.Store.StatsTTL, c.StatsTTL); err != nil {
		return fmt.Errorf("invalid stats_ttl: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DBPath = envOrDefault("PG_DB_PATH", c.DBPath)
	c.RedisURL = envOrDefault("PG_REDIS_URL", c.RedisURL)
	c.AdminToken = envOrDefault("PG_ADMIN_TOKEN", c.AdminToken)
	c.Stickiness = envOrDefault("PG_STICKINESS", c.Stickiness)
	c.LogLevel = envOrDefault("PG_LOG_LEVEL", c.LogLevel)

	var err error
	if raw := os.Getenv("PG_PORT"); raw != "" {
		if c.Port, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("invalid PG_PORT: %w", err)
		}
	}
	if c.DecisionTimeout, err = durationOr(os.Getenv("PG_DECISION_TIMEOUT"), c.DecisionTimeout); err != nil {
		return fmt.Errorf("invalid PG_DECISION_TIMEOUT: %w", err)
	}
	if c.StatsTTL, err = durationOr(os.Getenv("PG_STATS_TTL"), c.StatsTTL); err != nil {
		return fmt.Errorf("invalid PG_STATS_TTL: %w", err)
	}
	if raw := os.Getenv("PG_COLD_START_CONVERSIONS"); raw != "" {
		if c.ColdStartConversions, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("invalid PG_COLD_START_CONVERSIONS: %w", err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DecisionTimeout < 0 || c.StatsTTL < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	switch strings.ToLower(c.Stickiness) {
	case "assignment", "hash":
	default:
		return fmt.Errorf("unknown stickiness mode %q", c.Stickiness)
	}
	if c.PriorAlpha <= 0 || c.PriorBeta <= 0 {
		return fmt.Errorf("bandit priors must be positive")
	}
	if c.ColdStartConversions < 0 {
		return fmt.Errorf("cold start conversions must not be negative")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func durationOr(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
