package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// Chainlink reads AggregatorV3 price feeds over Ethereum RPC.
type Chainlink struct {
	rpcURL string
	feeds  map[rates.Pair]common.Address
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client
	decimals  map[common.Address]int32
}

// NewChainlink builds the on-chain source. Feed keys are pairs such as "EUR/USD".
func NewChainlink(opts Options, logger zerolog.Logger) (*Chainlink, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if len(opts.Feeds) == 0 {
		return nil, errors.New("no chainlink feeds configured")
	}

	feeds := make(map[rates.Pair]common.Address, len(opts.Feeds))
	for key, addr := range opts.Feeds {
		pair, err := rates.ParsePair(key)
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", key, err)
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("feed %s: invalid address %q", pair, addr)
		}
		feeds[pair] = common.HexToAddress(addr)
	}

	return &Chainlink{
		rpcURL:   opts.RPCURL,
		feeds:    feeds,
		logger:   logger.With().Str("component", "chainlink_source").Logger(),
		decimals: make(map[common.Address]int32),
	}, nil
}

// Fetch reads one feed per requested pair. A pair with only an inverse feed is served as 1/answer.
func (c *Chainlink) Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, networkf("dial rpc: %w", err)
	}

	out := make([]rates.Sample, 0, len(pairs))
	for _, p := range sortedPairs(pairs) {
		addr, inverse, ok := c.feedFor(p)
		if !ok {
			continue
		}
		rate, updatedAt, err := c.readFeed(ctx, client, addr)
		if err != nil {
			return nil, err
		}
		if inverse {
			rate = decimal.NewFromInt(1).DivRound(rate, 18)
		}
		out = append(out, rates.Sample{Pair: p, Rate: rate, AsOf: updatedAt})
	}
	return out, nil
}

func (c *Chainlink) feedFor(p rates.Pair) (common.Address, bool, bool) {
	if addr, ok := c.feeds[p]; ok {
		return addr, false, true
	}
	if addr, ok := c.feeds[p.Inverse()]; ok {
		return addr, true, true
	}
	return common.Address{}, false, false
}

func (c *Chainlink) readFeed(ctx context.Context, client *ethclient.Client, addr common.Address) (decimal.Decimal, time.Time, error) {
	dec, err := c.feedDecimals(ctx, client, addr)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	outputs, err := c.call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, time.Time{}, malformedf("unexpected latestRoundData response from %s", addr.Hex())
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, time.Time{}, malformedf("failed to decode answer from %s", addr.Hex())
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return decimal.Decimal{}, time.Time{}, malformedf("failed to decode updatedAt from %s", addr.Hex())
	}
	if answer.Sign() <= 0 {
		return decimal.Decimal{}, time.Time{}, malformedf("feed %s reported non-positive answer %s", addr.Hex(), answer)
	}

	return decimal.NewFromBigInt(answer, -dec), unixOrZero(updatedAt.Int64()), nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	c.clientMux.Lock()
	dec, ok := c.decimals[addr]
	c.clientMux.Unlock()
	if ok {
		return dec, nil
	}

	outputs, err := c.call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, malformedf("unexpected decimals response from %s", addr.Hex())
	}
	raw, ok := outputs[0].(uint8)
	if !ok {
		return 0, malformedf("failed to decode decimals from %s", addr.Hex())
	}

	c.clientMux.Lock()
	c.decimals[addr] = int32(raw)
	c.clientMux.Unlock()
	return int32(raw), nil
}

func (c *Chainlink) call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, networkf("call %s on %s: %w", method, addr.Hex(), err)
	}

	outputs, err := aggregatorV3ABI.Unpack(method, res)
	if err != nil {
		return nil, malformedf("unpack %s from %s: %w", method, addr.Hex(), err)
	}
	return outputs, nil
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Close releases the RPC connection.
func (c *Chainlink) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func sortedPairs(pairs []rates.Pair) []rates.Pair {
	out := append([]rates.Pair(nil), pairs...)
	rates.SortPairs(out)
	return out
}

var _ Source = (*Chainlink)(nil)
