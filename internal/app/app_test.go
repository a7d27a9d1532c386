package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxrates/internal/config"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"success","base_code":"USD","time_last_update_unix":1710504000,"conversion_rates":{"USD":1,"EUR":0.85,"GBP":0.79}}`))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Currency: config.CurrencyConfig{
			BaseCurrency:       "USD",
			Supported:          []string{"EUR", "GBP"},
			TrackedPairs:       []string{"USD/EUR", "USD/GBP"},
			MajorPairs:         []string{"EUR/USD"},
			MaxHistoricalDays:  365,
			CacheExpiryMinutes: 60,
		},
		Providers: []config.ProviderConfig{
			{Name: "exchangerate", Kind: "exchangerate", BaseURL: srv.URL, APIKey: "k", TimeoutMs: 2000, Priority: 1},
		},
		RateUpdate: config.RateUpdateConfig{
			IntervalMinutes:      15,
			RetryAttempts:        1,
			BatchSize:            50,
			CleanupRetentionDays: 90,
		},
		Scheduler:  config.SchedulerConfig{Timezone: "UTC", CleanupSchedule: "0 2 * * 0"},
		Conversion: config.ConversionConfig{MinAmount: "0.01", DefaultPrecision: 2, RoundingMode: "ROUND_HALF_UP"},
		Export:     config.ExportConfig{MaxDataPoints: 100},
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestRefreshPrintsReport(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	require.NoError(t, a.Refresh(context.Background(), &out))
	assert.Contains(t, out.String(), "updated: 3 pairs")
	assert.NotContains(t, out.String(), "degraded")
}

func TestRatesAndConvert(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, a.Rates(ctx, &out, []string{"usd/eur"}))
	assert.Contains(t, out.String(), "USD/EUR")
	assert.Contains(t, out.String(), "0.850000")
	assert.Contains(t, out.String(), "exchangerate")

	out.Reset()
	require.NoError(t, a.Convert(ctx, &out, "USD", "EUR", decimal.NewFromInt(100)))
	assert.Contains(t, out.String(), "100 USD = 85.00 EUR")

	out.Reset()
	require.NoError(t, a.Convert(ctx, &out, "EUR", "GBP", decimal.NewFromInt(100)))
	assert.Contains(t, out.String(), "(via USD)")
}

func TestCurrenciesAndHealth(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, a.Currencies(ctx, &out))
	assert.Contains(t, out.String(), "supported (3): EUR GBP USD")
	assert.Contains(t, out.String(), "major pairs: EUR/USD")

	out.Reset()
	require.NoError(t, a.Health(ctx, &out))
	assert.Contains(t, out.String(), `"status": "healthy"`)
}

func TestHistoryAndCleanupOnMemoryStore(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, a.History(ctx, &out, HistoryOptions{Pair: "USD/EUR"}))
	assert.Contains(t, out.String(), "no snapshots for USD/EUR")

	out.Reset()
	require.NoError(t, a.Cleanup(ctx, &out))
	assert.Contains(t, out.String(), "purged 0 snapshots older than 90 days")

	assert.Error(t, a.History(ctx, &out, HistoryOptions{Pair: "nope"}))
}

func TestExportRequiresOutput(t *testing.T) {
	a := newTestApp(t)
	assert.Error(t, a.Export(context.Background(), ExportOptions{Pair: "USD/EUR"}))
}

func TestSimulateAlertRequiresEnabledAlerts(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	err := a.SimulateAlert(context.Background(), &out, "USD/EUR", decimal.RequireFromString("0.85"), decimal.RequireFromString("0.91"))
	assert.Error(t, err)
}

func TestMetricsMux(t *testing.T) {
	a := newTestApp(t)
	a.Metrics.RecordConversion("ok")

	rec := httptest.NewRecorder()
	a.metricsMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
