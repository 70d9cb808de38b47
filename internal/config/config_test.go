package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(nil, env(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "json", c.LogFormat)
	assert.Empty(t, c.DatabaseURL)
	assert.True(t, c.RunMigrations)
	assert.Equal(t, 10*time.Minute, c.StaleAfter)
	assert.True(t, c.EquityPrice.IsZero())
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	c, err := Load(nil, env(map[string]string{
		"PORT":                "9090",
		"DATABASE_URL":        "postgres://localhost/settle",
		"LOG_FORMAT":          "text",
		"EQUITY_PRICE":        "2.50",
		"RUN_MIGRATIONS":      "false",
		"STALE_AFTER":         "5m",
		"SETTLEMENT_SCHEDULE": "*/5 * * * *",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9090", c.Port)
	assert.Equal(t, "postgres://localhost/settle", c.DatabaseURL)
	assert.Equal(t, "text", c.LogFormat)
	assert.True(t, decimal.RequireFromString("2.5").Equal(c.EquityPrice))
	assert.False(t, c.RunMigrations)
	assert.Equal(t, 5*time.Minute, c.StaleAfter)
	assert.Equal(t, "*/5 * * * *", c.SettlementSchedule)
}

func TestLoad_FlagBeatsEnv(t *testing.T) {
	c, err := Load([]string{"--port", "7000"}, env(map[string]string{"PORT": "9090"}))
	require.NoError(t, err)
	assert.Equal(t, "7000", c.Port)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"bad log format", []string{"--log-format", "xml"}, nil},
		{"bad price", nil, map[string]string{"EQUITY_PRICE": "abc"}},
		{"negative price", []string{"--equity-price", "-1"}, nil},
		{"bad duration", nil, map[string]string{"STALE_AFTER": "soon"}},
		{"zero stale", []string{"--stale-after", "0s"}, nil},
		{"unknown flag", []string{"--nope"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args, env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SETTLE_TEST_DOTENV=from-file\n"), 0o600))

	t.Setenv("SETTLE_TEST_DOTENV", "")
	os.Unsetenv("SETTLE_TEST_DOTENV")
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("SETTLE_TEST_DOTENV"))
}
