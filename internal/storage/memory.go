package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"fxrates/internal/rates"
)

type snapshotKey struct {
	pair rates.Pair
	day  time.Time
}

// MemoryStore keeps history and alerts in process. It backs the engine when no
// database is configured.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[snapshotKey]rates.Snapshot
	alerts    []AlertRecord
	locks     map[int64]bool
	clock     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[snapshotKey]rates.Snapshot),
		locks:     make(map[int64]bool),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// TryAdvisoryLock emulates a session lock within this process.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

// UpsertSnapshots replaces any snapshot for the same (pair, date).
// A refresh-class snapshot never replaces a daily one.
func (m *MemoryStore) UpsertSnapshots(_ context.Context, snapshots []rates.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range snapshots {
		snap.CapturedAt = rates.DateIn(snap.CapturedAt, time.UTC)
		key := snapshotKey{pair: snap.Pair, day: snap.CapturedAt}
		if prev, ok := m.snapshots[key]; ok && prev.RetentionClass == rates.RetentionDaily && snap.RetentionClass != rates.RetentionDaily {
			continue
		}
		m.snapshots[key] = snap
	}
	return nil
}

// ListSnapshots returns one date-ascending page.
func (m *MemoryStore) ListSnapshots(_ context.Context, q SnapshotQuery) ([]rates.Snapshot, error) {
	m.mu.Lock()
	out := make([]rates.Snapshot, 0)
	for key, snap := range m.snapshots {
		if key.pair != q.Pair || key.day.Before(q.From) || key.day.After(q.To) {
			continue
		}
		if !q.After.IsZero() && !key.day.After(q.After) {
			continue
		}
		out = append(out, snap)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// DeleteSnapshotsBefore removes at most limit snapshots dated strictly before cutoff.
func (m *MemoryStore) DeleteSnapshotsBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for key := range m.snapshots {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if key.day.Before(cutoff) {
			delete(m.snapshots, key)
			deleted++
		}
	}
	return deleted, nil
}

// CountSnapshots counts stored snapshots.
func (m *MemoryStore) CountSnapshots(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.snapshots)), nil
}

// InsertAlert records an alert; duplicate ids are ignored.
func (m *MemoryStore) InsertAlert(_ context.Context, alert AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.ID == alert.ID {
			return nil
		}
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.clock()
	}
	m.alerts = append(m.alerts, alert)
	return nil
}

// ListRecentAlerts returns the newest alerts first.
func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.Lock()
	out := append([]AlertRecord(nil), m.alerts...)
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteAlertsBefore drops alerts triggered before olderThan.
func (m *MemoryStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	var deleted int64
	for _, a := range m.alerts {
		if a.TriggeredAt.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept
	return deleted, nil
}

var (
	_ SnapshotStore  = (*MemoryStore)(nil)
	_ AlertStore     = (*MemoryStore)(nil)
	_ AdvisoryLocker = (*MemoryStore)(nil)
	_ Pinger         = (*MemoryStore)(nil)
)
