package adapter

import (
	"context"
	"time"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Lifecycle tiers deltas by age across a hot and a cold adapter. Writes
// always land hot; reads fan out to cold only when the requested window
// reaches past the hot retention horizon. MigrateToTier moves aged
// deltas cold (insertion is idempotent by delta id, so migration can be
// re-run safely).
type Lifecycle struct {
	hot    DatabaseAdapter
	cold   DatabaseAdapter
	maxAge time.Duration
	now    func() time.Time
}

// LifecycleOption configures a Lifecycle adapter.
type LifecycleOption func(*Lifecycle)

// WithLifecycleClock injects the time source used for the age horizon.
func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) { l.now = now }
}

// NewLifecycle builds an age-tiering adapter. maxAge is the hot
// retention window.
func NewLifecycle(hot, cold DatabaseAdapter, maxAge time.Duration, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{hot: hot, cold: cold, maxAge: maxAge, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// horizon returns the wall-ms boundary below which deltas count as cold.
func (l *Lifecycle) horizon() int64 {
	return l.now().Add(-l.maxAge).UnixMilli()
}

// InsertDeltas always writes to the hot tier.
func (l *Lifecycle) InsertDeltas(ctx context.Context, deltas []delta.RowDelta) error {
	return l.hot.InsertDeltas(ctx, deltas)
}

// QueryDeltasSince serves from hot alone when the window starts inside
// the retention horizon, and merges hot and cold otherwise.
func (l *Lifecycle) QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables ...string) ([]delta.RowDelta, error) {
	hotDeltas, err := l.hot.QueryDeltasSince(ctx, since, tables...)
	if err != nil {
		return nil, err
	}
	if since.WallMs() >= l.horizon() {
		return hotDeltas, nil
	}

	coldDeltas, err := l.cold.QueryDeltasSince(ctx, since, tables...)
	if err != nil {
		return nil, err
	}

	merged := append(hotDeltas, coldDeltas...)
	delta.SortByHLC(merged)
	return dedupeByID(merged), nil
}

// GetLatestState tries hot first and falls back to cold on a miss.
func (l *Lifecycle) GetLatestState(ctx context.Context, table, rowID string) (map[string]any, error) {
	state, err := l.hot.GetLatestState(ctx, table, rowID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}
	return l.cold.GetLatestState(ctx, table, rowID)
}

// MigrateToTier copies deltas older than the retention horizon from hot
// to cold and returns how many were moved. The hot copy is left in
// place; queries dedupe by delta id.
func (l *Lifecycle) MigrateToTier(ctx context.Context) (int, error) {
	aged, err := l.hot.QueryDeltasSince(ctx, 0)
	if err != nil {
		return 0, err
	}

	horizon := l.horizon()
	var toMove []delta.RowDelta
	for _, d := range aged {
		if d.HLC.WallMs() < horizon {
			toMove = append(toMove, d)
		}
	}
	if len(toMove) == 0 {
		return 0, nil
	}
	if err := l.cold.InsertDeltas(ctx, toMove); err != nil {
		return 0, err
	}
	return len(toMove), nil
}

// Close closes both tiers, returning the first error.
func (l *Lifecycle) Close() error {
	firstErr := l.hot.Close()
	if err := l.cold.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func dedupeByID(deltas []delta.RowDelta) []delta.RowDelta {
	seen := make(map[string]bool, len(deltas))
	out := deltas[:0]
	for _, d := range deltas {
		if seen[d.DeltaID] {
			continue
		}
		seen[d.DeltaID] = true
		out = append(out, d)
	}
	return out
}
