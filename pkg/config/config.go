package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/mcclellann/creditline/pkg/money"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config holds application configuration
type Config struct {
	Port      string
	DBDriver  string
	DBConn    string
	LogLevel  logrus.Level
	LogFormat string

	PenaltySweepSchedule string
	PenaltyRate          decimal.Decimal
	DefaultTermMonths    int
	DefaultAnnualRate    decimal.Decimal
	AutoOpenPlan         bool
}

// Load reads the optional .env files into the environment and builds a Config
// from it. Variables already set in the environment win over the files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return NewConfig()
}

// NewConfig loads configuration from environment variables
func NewConfig() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DBDriver:             getEnv("DB_DRIVER", "sqlite3"),
		DBConn:               getEnv("DB_CONN", "creditline.db"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		PenaltySweepSchedule: getEnv("PENALTY_SWEEP_SCHEDULE", "@daily"),
	}

	var err error
	if cfg.LogLevel, err = logrus.ParseLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if cfg.PenaltyRate, err = getDecimal("PENALTY_RATE", "2"); err != nil {
		return nil, err
	}
	if cfg.DefaultAnnualRate, err = getDecimal("DEFAULT_ANNUAL_RATE", "10"); err != nil {
		return nil, err
	}
	if cfg.DefaultTermMonths, err = strconv.Atoi(getEnv("DEFAULT_TERM_MONTHS", "12")); err != nil {
		return nil, fmt.Errorf("DEFAULT_TERM_MONTHS: %w", err)
	}
	if cfg.AutoOpenPlan, err = strconv.ParseBool(getEnv("AUTO_OPEN_PLAN", "true")); err != nil {
		return nil, fmt.Errorf("AUTO_OPEN_PLAN: %w", err)
	}

	if cfg.DBConn == "" {
		return nil, fmt.Errorf("DB_CONN is required")
	}
	if cfg.DefaultTermMonths < 1 {
		return nil, fmt.Errorf("DEFAULT_TERM_MONTHS must be at least 1, got %d", cfg.DefaultTermMonths)
	}
	if err := money.ValidateRate(cfg.PenaltyRate); err != nil {
		return nil, fmt.Errorf("PENALTY_RATE %s: %w", cfg.PenaltyRate, err)
	}
	if err := money.ValidateRate(cfg.DefaultAnnualRate); err != nil {
		return nil, fmt.Errorf("DEFAULT_ANNUAL_RATE %s: %w", cfg.DefaultAnnualRate, err)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

// Logger builds the process logger from the configured level and format.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	if c.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetLevel(c.LogLevel)
	return logger
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getDecimal(key, defaultVal string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultVal))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
