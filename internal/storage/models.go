package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
)

// SnapshotQuery selects one page of a pair's history. Dates are inclusive; After is the
// keyset cursor (exclusive) and is zero for the first page.
type SnapshotQuery struct {
	Pair  rates.Pair
	From  time.Time
	To    time.Time
	After time.Time
	Limit int
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID           string
	Pair         rates.Pair
	OldRate      decimal.Decimal
	NewRate      decimal.Decimal
	ChangePct    decimal.Decimal
	ThresholdPct decimal.Decimal
	Direction    string
	Channels     []string
	TriggeredAt  time.Time
	CreatedAt    time.Time
}
