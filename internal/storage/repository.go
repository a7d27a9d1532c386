package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSnapshotSQL = `INSERT INTO rate_snapshots (
        base_currency,
        quote_currency,
        captured_on,
        rate,
        retention_class,
        source_provider
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (base_currency, quote_currency, captured_on) DO UPDATE
    SET
        rate            = EXCLUDED.rate,
        retention_class = EXCLUDED.retention_class,
        source_provider = EXCLUDED.source_provider,
        updated_at      = now()
    WHERE rate_snapshots.retention_class <> 'daily'
       OR EXCLUDED.retention_class = 'daily';`

	listSnapshotsPageSQL = `SELECT
        base_currency,
        quote_currency,
        captured_on,
        rate::text,
        retention_class,
        source_provider
    FROM rate_snapshots
    WHERE base_currency = $1
      AND quote_currency = $2
      AND captured_on >= $3
      AND captured_on <= $4
      AND captured_on > $5
    ORDER BY captured_on
    LIMIT $6;`

	deleteSnapshotsBatchSQL = `DELETE FROM rate_snapshots
    WHERE ctid IN (
        SELECT ctid FROM rate_snapshots
        WHERE captured_on < $1
        LIMIT $2
    );`

	countSnapshotsSQL = `SELECT COUNT(*) FROM rate_snapshots;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        base_currency,
        quote_currency,
        old_rate,
        new_rate,
        change_pct,
        threshold_pct,
        direction,
        channels,
        triggered_at
    ) VALUES (
        $1::text::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id::text,
        base_currency,
        quote_currency,
        old_rate::text,
        new_rate::text,
        change_pct::text,
        threshold_pct::text,
        direction,
        channels,
        triggered_at,
        created_at
    FROM alerts
    ORDER BY triggered_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE triggered_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines operations for rate history persistence.
type SnapshotStore interface {
	// UpsertSnapshots writes all snapshots in one transaction, replacing rows for the same (pair, date).
	UpsertSnapshots(ctx context.Context, snapshots []rates.Snapshot) error
	// ListSnapshots returns one date-ascending page.
	ListSnapshots(ctx context.Context, q SnapshotQuery) ([]rates.Snapshot, error)
	// DeleteSnapshotsBefore removes at most limit rows dated strictly before cutoff.
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	CountSnapshots(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Pinger reports backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store aggregates access to rate snapshots and alerts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// a broken connection drops the session lock with it
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSnapshots persists snapshots atomically.
func (s *Store) UpsertSnapshots(ctx context.Context, snapshots []rates.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(upsertSnapshotSQL,
			snap.Pair.Base,
			snap.Pair.Quote,
			snap.CapturedAt,
			snap.Rate.String(),
			snap.RetentionClass,
			snap.SourceProvider,
		)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("upsert snapshots: %w", err)
	}
	return nil
}

// ListSnapshots lists one keyset page of a pair's history.
func (s *Store) ListSnapshots(ctx context.Context, q SnapshotQuery) ([]rates.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	after := q.After
	if after.IsZero() {
		after = q.From.AddDate(0, 0, -1)
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsPageSQL,
		q.Pair.Base, q.Pair.Quote, q.From, q.To, after, q.Limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]rates.Snapshot, 0, q.Limit)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// DeleteSnapshotsBefore deletes one batch of expired snapshots.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSnapshotsBatchSQL, cutoff, limit)
	if execErr != nil {
		return 0, fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// CountSnapshots counts stored snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	_, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.Pair.Base,
		alert.Pair.Quote,
		alert.OldRate.String(),
		alert.NewRate.String(),
		alert.ChangePct.String(),
		alert.ThresholdPct.String(),
		alert.Direction,
		channels,
		alert.TriggeredAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec                                 AlertRecord
			oldStr, newStr, changeStr, threshStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Pair.Base,
			&rec.Pair.Quote,
			&oldStr,
			&newStr,
			&changeStr,
			&threshStr,
			&rec.Direction,
			&rec.Channels,
			&rec.TriggeredAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		values, convErr := parseDecimals(oldStr, newStr, changeStr, threshStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert %s: %w", rec.ID, convErr)
		}
		rec.OldRate, rec.NewRate, rec.ChangePct, rec.ThresholdPct = values[0], values[1], values[2], values[3]
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanSnapshot(rows pgx.Rows) (rates.Snapshot, error) {
	var (
		snap    rates.Snapshot
		day     time.Time
		rateStr string
	)
	if err := rows.Scan(
		&snap.Pair.Base,
		&snap.Pair.Quote,
		&day,
		&rateStr,
		&snap.RetentionClass,
		&snap.SourceProvider,
	); err != nil {
		return rates.Snapshot{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return rates.Snapshot{}, fmt.Errorf("parse snapshot rate: %w", err)
	}
	snap.Rate = rate
	snap.CapturedAt = rates.DateIn(day, time.UTC)
	return snap, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

var (
	_ SnapshotStore  = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
	_ Pinger         = (*Store)(nil)
)
