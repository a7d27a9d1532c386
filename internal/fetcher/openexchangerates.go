package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
)

// OpenExchangeRates queries openexchangerates.org.
type OpenExchangeRates struct {
	http httpSource
	opts Options
}

// NewOpenExchangeRates constructs the Open Exchange Rates source.
func NewOpenExchangeRates(opts Options) *OpenExchangeRates {
	return &OpenExchangeRates{http: newHTTPSource(opts, "https://openexchangerates.org/api"), opts: opts}
}

type oxrResponse struct {
	Timestamp int64                      `json:"timestamp"`
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
}

// Fetch requests latest.json. Over-usage is reported with HTTP 429.
func (o *OpenExchangeRates) Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
	base := requestBase(o.opts, pairs)
	query := url.Values{}
	query.Set("app_id", o.http.apiKey)
	query.Set("base", base)
	query.Set("symbols", strings.Join(symbolsFor(pairs, base), ","))

	status, body, err := o.http.get(ctx, o.http.baseURL+"/latest.json", query)
	if err != nil {
		return nil, err
	}
	if status == http.StatusTooManyRequests {
		return nil, quotaf("openexchangerates usage limit reached")
	}
	if status != http.StatusOK {
		return nil, parseHTTPError("openexchangerates", status, body)
	}

	var res oxrResponse
	if err := decodeJSON(body, &res); err != nil {
		return nil, err
	}
	if res.Base == "" || res.Rates == nil {
		return nil, malformedf("openexchangerates response missing base or rates")
	}

	table := rateTable{Base: rates.NormalizeCode(res.Base), Rates: res.Rates, AsOf: unixOrZero(res.Timestamp)}
	return table.derive(pairs), nil
}

var _ Source = (*OpenExchangeRates)(nil)
