package fetcher

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
)

// ExchangeRate queries exchangerate-api.com v6.
type ExchangeRate struct {
	http httpSource
	opts Options
}

// NewExchangeRate constructs the exchangerate-api source.
func NewExchangeRate(opts Options) *ExchangeRate {
	return &ExchangeRate{http: newHTTPSource(opts, "https://v6.exchangerate-api.com/v6"), opts: opts}
}

type exchangeRateResponse struct {
	Result             string                     `json:"result"`
	BaseCode           string                     `json:"base_code"`
	TimeLastUpdateUnix int64                      `json:"time_last_update_unix"`
	ConversionRates    map[string]decimal.Decimal `json:"conversion_rates"`
	ErrorType          string                     `json:"error-type"`
}

// Fetch requests /{key}/latest/{BASE}; the vendor returns every currency it knows.
func (e *ExchangeRate) Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
	base := requestBase(e.opts, pairs)
	endpoint := e.http.baseURL + "/" + e.http.apiKey + "/latest/" + base

	status, body, err := e.http.get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var res exchangeRateResponse
	if status != http.StatusOK {
		if decodeJSON(body, &res) == nil && res.ErrorType == "quota-reached" {
			return nil, quotaf("exchangerate quota reached")
		}
		return nil, parseHTTPError("exchangerate", status, body)
	}
	if err := decodeJSON(body, &res); err != nil {
		return nil, err
	}

	switch res.Result {
	case "success":
	case "error":
		if res.ErrorType == "quota-reached" {
			return nil, quotaf("exchangerate quota reached")
		}
		return nil, networkf("exchangerate api error: %s", res.ErrorType)
	default:
		return nil, malformedf("exchangerate unexpected result %q", res.Result)
	}
	if res.BaseCode == "" || res.ConversionRates == nil {
		return nil, malformedf("exchangerate response missing base_code or conversion_rates")
	}

	table := rateTable{
		Base:  rates.NormalizeCode(res.BaseCode),
		Rates: res.ConversionRates,
		AsOf:  unixOrZero(res.TimeLastUpdateUnix),
	}
	return table.derive(pairs), nil
}

var _ Source = (*ExchangeRate)(nil)
