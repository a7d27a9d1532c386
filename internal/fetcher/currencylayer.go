package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
)

// CurrencyLayer queries apilayer's currencylayer.
type CurrencyLayer struct {
	http httpSource
	opts Options
}

// NewCurrencyLayer constructs the currencylayer source.
func NewCurrencyLayer(opts Options) *CurrencyLayer {
	return &CurrencyLayer{http: newHTTPSource(opts, "http://api.currencylayer.com"), opts: opts}
}

type currencyLayerResponse struct {
	Success   bool                       `json:"success"`
	Timestamp int64                      `json:"timestamp"`
	Source    string                     `json:"source"`
	Quotes    map[string]decimal.Decimal `json:"quotes"`
	Error     *apiLayerError             `json:"error"`
}

// Fetch requests /live. Quotes are keyed by source+code, e.g. "USDEUR".
func (c *CurrencyLayer) Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
	base := requestBase(c.opts, pairs)
	query := url.Values{}
	query.Set("access_key", c.http.apiKey)
	query.Set("source", base)
	query.Set("currencies", strings.Join(symbolsFor(pairs, base), ","))

	status, body, err := c.http.get(ctx, c.http.baseURL+"/live", query)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, parseHTTPError("currencylayer", status, body)
	}

	var res currencyLayerResponse
	if err := decodeJSON(body, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		if res.Error != nil {
			return nil, res.Error.asFetchError("currencylayer")
		}
		return nil, malformedf("currencylayer response missing success flag")
	}
	if res.Source == "" || res.Quotes == nil {
		return nil, malformedf("currencylayer response missing source or quotes")
	}

	source := rates.NormalizeCode(res.Source)
	table := rateTable{Base: source, Rates: make(map[string]decimal.Decimal, len(res.Quotes)), AsOf: unixOrZero(res.Timestamp)}
	for key, rate := range res.Quotes {
		code, ok := strings.CutPrefix(strings.ToUpper(key), source)
		if !ok || len(code) != 3 {
			return nil, malformedf("currencylayer quote key %q does not start with %s", key, source)
		}
		table.Rates[code] = rate
	}
	return table.derive(pairs), nil
}

var _ Source = (*CurrencyLayer)(nil)
