package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mcclellann/creditline/pkg/money"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"PORT", "DB_DRIVER", "DB_CONN", "LOG_LEVEL", "LOG_FORMAT", "PENALTY_SWEEP_SCHEDULE",
	"PENALTY_RATE", "DEFAULT_TERM_MONTHS", "DEFAULT_ANNUAL_RATE", "AUTO_OPEN_PLAN",
}

// clearEnv unsets every key for the test and restores the previous values afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestNewConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "creditline.db", cfg.DBConn)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, "@daily", cfg.PenaltySweepSchedule)
	assert.Equal(t, "2", cfg.PenaltyRate.String())
	assert.Equal(t, "10", cfg.DefaultAnnualRate.String())
	assert.Equal(t, 12, cfg.DefaultTermMonths)
	assert.True(t, cfg.AutoOpenPlan)
}

func TestNewConfig_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_CONN", "host=localhost dbname=credit sslmode=disable")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PENALTY_RATE", "3.5")
	t.Setenv("DEFAULT_TERM_MONTHS", "6")
	t.Setenv("AUTO_OPEN_PLAN", "false")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "3.5", cfg.PenaltyRate.String())
	assert.Equal(t, 6, cfg.DefaultTermMonths)
	assert.False(t, cfg.AutoOpenPlan)
}

func TestNewConfig_Invalid(t *testing.T) {
	cases := []struct{ key, val string }{
		{"LOG_LEVEL", "loud"},
		{"PENALTY_RATE", "two"},
		{"PENALTY_RATE", "2.005"},
		{"DEFAULT_TERM_MONTHS", "0"},
		{"DEFAULT_ANNUAL_RATE", "-1"},
		{"DEFAULT_ANNUAL_RATE", "10.005"},
		{"AUTO_OPEN_PLAN", "maybe"},
		{"LOG_FORMAT", "xml"},
		{"DB_CONN", ""},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.val, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.val)
			_, err := NewConfig()
			assert.Error(t, err)
		})
	}
}

func TestNewConfig_SubCentRateIsRejectedAtStartup(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEFAULT_ANNUAL_RATE", "10.005")
	_, err := NewConfig()
	assert.ErrorIs(t, err, money.ErrInvalidRate)
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9090\nPENALTY_SWEEP_SCHEDULE=@hourly\n"), 0o600))
	t.Setenv("PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port, "environment wins over the file")
	assert.Equal(t, "@hourly", cfg.PenaltySweepSchedule)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestConfig_Logger(t *testing.T) {
	cfg := &Config{LogLevel: logrus.WarnLevel, LogFormat: "text"}
	logger := cfg.Logger()
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
