package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
)

const defaultMirrorKey = "fxrates:rates"

// MirrorOptions parameterise the Redis mirror.
type MirrorOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisMirror keeps a copy of the cache in a Redis hash keyed by pair so a restarted
// engine can serve previously seen rates before its first refresh completes.
type RedisMirror struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

type mirrorEntry struct {
	Rate        decimal.Decimal `json:"rate"`
	LastUpdated time.Time       `json:"last_updated"`
	AsOf        time.Time       `json:"as_of"`
	Provider    string          `json:"provider"`
}

// NewRedisMirror builds a mirror client. No connection is made until first use.
func NewRedisMirror(opts MirrorOptions, logger zerolog.Logger) *RedisMirror {
	key := opts.Key
	if key == "" {
		key = defaultMirrorKey
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisMirror{
		client: client,
		key:    key,
		logger: logger.With().Str("component", "redis_mirror").Logger(),
	}
}

// Publish writes the given rates into the mirror hash.
func (m *RedisMirror) Publish(ctx context.Context, entries []rates.CachedRate) error {
	if len(entries) == 0 {
		return nil
	}
	values := make(map[string]any, len(entries))
	for _, e := range entries {
		field, payload, err := encodeEntry(e)
		if err != nil {
			return err
		}
		values[field] = payload
	}
	if err := m.client.HSet(ctx, m.key, values).Err(); err != nil {
		return fmt.Errorf("publish rates to redis: %w", err)
	}
	m.logger.Debug().Int("pairs", len(entries)).Msg("mirrored rates")
	return nil
}

// Load reads every mirrored rate. Undecodable fields are skipped.
func (m *RedisMirror) Load(ctx context.Context) ([]rates.CachedRate, error) {
	raw, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load rates from redis: %w", err)
	}

	out := make([]rates.CachedRate, 0, len(raw))
	for field, payload := range raw {
		entry, err := decodeEntry(field, payload)
		if err != nil {
			m.logger.Warn().Err(err).Str("field", field).Msg("skipping mirrored rate")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Ping checks connectivity.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func encodeEntry(r rates.CachedRate) (string, string, error) {
	data, err := json.Marshal(mirrorEntry{
		Rate:        r.Rate,
		LastUpdated: r.LastUpdated,
		AsOf:        r.AsOf,
		Provider:    r.SourceProvider,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode %s: %w", r.Pair, err)
	}
	return r.Pair.String(), string(data), nil
}

func decodeEntry(field, payload string) (rates.CachedRate, error) {
	pair, err := rates.ParsePair(field)
	if err != nil {
		return rates.CachedRate{}, err
	}
	var e mirrorEntry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return rates.CachedRate{}, fmt.Errorf("decode %s: %w", field, err)
	}
	if !e.Rate.IsPositive() {
		return rates.CachedRate{}, fmt.Errorf("decode %s: non-positive rate %s", field, e.Rate)
	}
	return rates.CachedRate{
		Pair:           pair,
		Rate:           e.Rate,
		LastUpdated:    e.LastUpdated,
		AsOf:           e.AsOf,
		SourceProvider: e.Provider,
	}, nil
}
