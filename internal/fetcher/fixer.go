package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
)

const fixerUsageLimitCode = 104

// Fixer queries data.fixer.io.
type Fixer struct {
	http httpSource
	opts Options
}

// NewFixer constructs the fixer.io source.
func NewFixer(opts Options) *Fixer {
	return &Fixer{http: newHTTPSource(opts, "http://data.fixer.io/api"), opts: opts}
}

type fixerResponse struct {
	Success   bool                       `json:"success"`
	Timestamp int64                      `json:"timestamp"`
	Base      string                     `json:"base"`
	Date      string                     `json:"date"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	Error     *apiLayerError             `json:"error"`
}

// apiLayerError is the error envelope shared by fixer and currencylayer.
type apiLayerError struct {
	Code int    `json:"code"`
	Type string `json:"type"`
	Info string `json:"info"`
}

func (e *apiLayerError) asFetchError(vendor string) *FetchError {
	msg := e.Type
	if e.Info != "" {
		msg = e.Info
	}
	if e.Code == fixerUsageLimitCode {
		return quotaf("%s usage limit reached: %s", vendor, msg)
	}
	return networkf("%s api error %d: %s", vendor, e.Code, msg)
}

// Fetch requests the latest table for the configured base.
func (f *Fixer) Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
	base := requestBase(f.opts, pairs)
	query := url.Values{}
	query.Set("access_key", f.http.apiKey)
	query.Set("base", base)
	query.Set("symbols", strings.Join(symbolsFor(pairs, base), ","))

	status, body, err := f.http.get(ctx, f.http.baseURL+"/latest", query)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, parseHTTPError("fixer", status, body)
	}

	var res fixerResponse
	if err := decodeJSON(body, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		if res.Error != nil {
			return nil, res.Error.asFetchError("fixer")
		}
		return nil, malformedf("fixer response missing success flag")
	}
	if res.Base == "" || res.Rates == nil {
		return nil, malformedf("fixer response missing base or rates")
	}

	table := rateTable{Base: rates.NormalizeCode(res.Base), Rates: res.Rates, AsOf: unixOrZero(res.Timestamp)}
	return table.derive(pairs), nil
}

var _ Source = (*Fixer)(nil)
