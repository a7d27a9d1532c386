package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxrates/internal/rates"
)

const eurUSDFeed = "0xb49f677943BC038e9857d61E7d053CaA2C1734C1"

func TestChainlinkMissingConfig(t *testing.T) {
	_, err := NewChainlink(Options{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewChainlink(Options{RPCURL: "http://localhost"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewChainlink(Options{RPCURL: "http://localhost", Feeds: map[string]string{"EUR/USD": "not-an-address"}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestChainlinkReadsFeedAndInverse(t *testing.T) {
	decimalsOut, err := aggregatorV3ABI.Methods["decimals"].Outputs.Pack(uint8(8))
	require.NoError(t, err)
	roundOut, err := aggregatorV3ABI.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(1), big.NewInt(125_000_000), big.NewInt(1710504000), big.NewInt(1710504000), big.NewInt(1),
	)
	require.NoError(t, err)
	decimalsID := aggregatorV3ABI.Methods["decimals"].ID
	roundID := aggregatorV3ABI.Methods["latestRoundData"].ID

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) || !assert.Equal(t, "eth_call", req.Method) {
			return
		}

		var call struct {
			Input hexutil.Bytes `json:"input"`
			Data  hexutil.Bytes `json:"data"`
		}
		if !assert.NoError(t, json.Unmarshal(req.Params[0], &call)) {
			return
		}
		payload := call.Input
		if len(payload) == 0 {
			payload = call.Data
		}

		var out []byte
		switch {
		case bytes.HasPrefix(payload, decimalsID):
			out = decimalsOut
		case bytes.HasPrefix(payload, roundID):
			out = roundOut
		default:
			t.Errorf("unexpected call data %x", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": hexutil.Encode(out)})
	}))
	defer srv.Close()

	src, err := NewChainlink(Options{RPCURL: srv.URL, Feeds: map[string]string{"EUR/USD": eurUSDFeed}}, zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	eurUSD := rates.MustPair("EUR", "USD")
	got, err := src.Fetch(context.Background(), []rates.Pair{eurUSD, usdEUR, usdGBP})
	require.NoError(t, err)

	byPair := ratesByPair(got)
	require.Len(t, byPair, 2)
	assert.Equal(t, "1.25", byPair[eurUSD])
	assert.Equal(t, "0.8", byPair[usdEUR])
	assert.Equal(t, int64(1710504000), got[0].AsOf.Unix())
}
