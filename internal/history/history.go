package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"fxrates/internal/clock"
	"fxrates/internal/metrics"
	"fxrates/internal/rates"
	"fxrates/internal/storage"
)

var (
	// ErrRangeTooWide is returned when a query spans more than the configured maximum.
	ErrRangeTooWide = errors.New("history range too wide")
	// ErrInvalidRange is returned when from is after to.
	ErrInvalidRange = errors.New("invalid history range")
)

const (
	defaultPageSize   = 500
	defaultPurgeBatch = 1000
)

// Options parameterise the history store.
type Options struct {
	MaxRangeDays  int
	RetentionDays int
	PageSize      int
	PurgeBatch    int
	// Location decides which calendar day a snapshot belongs to.
	Location *time.Location
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Store records one snapshot per pair per day and serves date-ranged queries.
type Store struct {
	backend storage.SnapshotStore
	opts    Options
	logger  zerolog.Logger
}

// New wraps a snapshot backend.
func New(backend storage.SnapshotStore, opts Options, logger zerolog.Logger) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.PurgeBatch <= 0 {
		opts.PurgeBatch = defaultPurgeBatch
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Store{
		backend: backend,
		opts:    opts,
		logger:  logger.With().Str("component", "history").Logger(),
	}
}

// Snapshot records the daily snapshot of entries for the day containing at.
// A second call for the same day overwrites the first.
func (s *Store) Snapshot(ctx context.Context, entries []rates.CachedRate, at time.Time) (int, error) {
	return s.write(ctx, entries, at, rates.RetentionDaily)
}

// RecordRefresh stores the rates updated by a refresh cycle under the refresh class.
// A refresh never replaces the daily snapshot already taken for that day.
func (s *Store) RecordRefresh(ctx context.Context, entries []rates.CachedRate, at time.Time) (int, error) {
	return s.write(ctx, entries, at, rates.RetentionRefresh)
}

func (s *Store) write(ctx context.Context, entries []rates.CachedRate, at time.Time, class string) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	day := rates.DateIn(at, s.opts.Location)

	snapshots := make([]rates.Snapshot, 0, len(entries))
	for _, e := range entries {
		if !e.Rate.IsPositive() {
			continue
		}
		snapshots = append(snapshots, rates.Snapshot{
			Pair:           e.Pair,
			Rate:           e.Rate,
			CapturedAt:     day,
			RetentionClass: class,
			SourceProvider: e.SourceProvider,
		})
	}
	if err := s.backend.UpsertSnapshots(ctx, snapshots); err != nil {
		return 0, fmt.Errorf("record %s snapshot: %w", class, err)
	}

	s.opts.Metrics.RecordSnapshots(len(snapshots))
	s.logger.Debug().Str("class", class).Time("day", day).Int("pairs", len(snapshots)).Msg("snapshot recorded")
	return len(snapshots), nil
}

// Purge deletes snapshots dated strictly before olderThan, one atomic batch at a time.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := rates.DateIn(olderThan, time.UTC)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.backend.DeleteSnapshotsBefore(ctx, cutoff, s.opts.PurgeBatch)
		total += n
		if err != nil {
			return total, fmt.Errorf("purge snapshots: %w", err)
		}
		if n < int64(s.opts.PurgeBatch) {
			break
		}
	}

	s.opts.Metrics.RecordPurged(total)
	s.logger.Info().Time("cutoff", cutoff).Int64("deleted", total).Msg("purged expired snapshots")
	return total, nil
}

// PurgeExpired applies the retention window relative to now: snapshots older than
// today minus RetentionDays are removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.opts.RetentionDays <= 0 {
		return 0, nil
	}
	return s.Purge(ctx, s.RetentionCutoff(now))
}

// RetentionCutoff returns the first date that survives PurgeExpired.
func (s *Store) RetentionCutoff(now time.Time) time.Time {
	return rates.DateIn(now, s.opts.Location).AddDate(0, 0, -s.opts.RetentionDays)
}

// Query validates the range and returns a lazy, date-ascending sequence. Each range over
// the sequence re-runs the query page by page.
func (s *Store) Query(ctx context.Context, pair rates.Pair, from, to time.Time) (iter.Seq2[rates.Snapshot, error], error) {
	if pair.IsZero() {
		return nil, fmt.Errorf("query history: %w", rates.ErrInvalidPair)
	}
	from = rates.DateIn(from, s.opts.Location)
	to = rates.DateIn(to, s.opts.Location)
	if from.After(to) {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	if span := int(to.Sub(from).Hours() / 24); s.opts.MaxRangeDays > 0 && span > s.opts.MaxRangeDays {
		return nil, fmt.Errorf("%w: %d days exceeds %d", ErrRangeTooWide, span, s.opts.MaxRangeDays)
	}

	pageSize := s.opts.PageSize
	return func(yield func(rates.Snapshot, error) bool) {
		var after time.Time
		for {
			page, err := s.backend.ListSnapshots(ctx, storage.SnapshotQuery{
				Pair:  pair,
				From:  from,
				To:    to,
				After: after,
				Limit: pageSize,
			})
			if err != nil {
				yield(rates.Snapshot{}, fmt.Errorf("query history: %w", err))
				return
			}
			for _, snap := range page {
				if !yield(snap, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].CapturedAt
		}
	}, nil
}

// Collect drains a sequence into a slice.
func Collect(seq iter.Seq2[rates.Snapshot, error]) ([]rates.Snapshot, error) {
	var out []rates.Snapshot
	for snap, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Count returns the number of stored snapshots.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.backend.CountSnapshots(ctx)
}
