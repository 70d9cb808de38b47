package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/program"
	"github.com/atmx/settlement-engine/internal/store"
)

func newApp(t *testing.T, env map[string]string) *App {
	t.Helper()
	cfg, err := config.Load(nil, func(k string) string { return env[k] })
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNew_MemoryDefaults(t *testing.T) {
	a := newApp(t, nil)

	_, ok := a.Store.(*store.MemoryStore)
	assert.True(t, ok, "expected memory store without DATABASE_URL")
	assert.NotNil(t, a.Limiter)
	assert.Len(t, a.Programs.All(), 2)
	assert.NoError(t, a.Health(context.Background()))
}

func TestNew_RateLimitDisabled(t *testing.T) {
	a := newApp(t, map[string]string{"RATE_LIMIT_PER_MINUTE": "0"})
	assert.Nil(t, a.Limiter)
}

func TestNew_ProgramsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[programs.daily_reward]
distribution_ratio = "0.50"
`), 0o600))

	a := newApp(t, map[string]string{"PROGRAMS_FILE": path})
	p, err := a.Programs.Get(model.ProgramDailyReward)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.5").Equal(p.DistributionRatio))
}

func TestNew_BadProgramsFile(t *testing.T) {
	cfg, err := config.Load(nil, func(k string) string {
		if k == "PROGRAMS_FILE" {
			return filepath.Join(t.TempDir(), "missing.toml")
		}
		return ""
	})
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	srv := httptest.NewServer(newApp(t, nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "settlement-engine", body["service"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/programs", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRouter_GrantUsesStaticPrice(t *testing.T) {
	srv := httptest.NewServer(newApp(t, map[string]string{"EQUITY_PRICE": "2.00"}).Router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"user_id": "alice",
		"amount":  "100",
		"program": program.PerformanceOption().ID,
	})
	resp, err := http.Post(srv.URL+"/api/v1/options/grants", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var g model.OptionGrant
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&g))
	assert.True(t, decimal.RequireFromString("2").Equal(g.MarketPriceAtGrant))
	assert.True(t, decimal.RequireFromString("1.9").Equal(g.StrikePrice))
	assert.Equal(t, 365, g.VestingPeriodDays)
}

func TestRouter_GrantWithoutPriceSource(t *testing.T) {
	srv := httptest.NewServer(newApp(t, nil).Router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"user_id": "alice", "amount": "100", "program": "performance_option"})
	resp, err := http.Post(srv.URL+"/api/v1/options/grants", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
