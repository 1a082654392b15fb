package adapter

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// FanOut writes every batch to a primary adapter synchronously and
// replicates it to secondaries in the background. Reads are served by
// the primary alone, so secondaries may lag; replication errors are
// logged and swallowed.
type FanOut struct {
	primary     DatabaseAdapter
	secondaries []DatabaseAdapter
}

// NewFanOut builds a dual-write adapter.
func NewFanOut(primary DatabaseAdapter, secondaries ...DatabaseAdapter) *FanOut {
	return &FanOut{primary: primary, secondaries: secondaries}
}

// InsertDeltas writes to the primary, then kicks off fire-and-forget
// replication to each secondary. The returned error reflects the
// primary write only.
func (f *FanOut) InsertDeltas(ctx context.Context, deltas []delta.RowDelta) error {
	if err := f.primary.InsertDeltas(ctx, deltas); err != nil {
		return err
	}
	for _, secondary := range f.secondaries {
		go func(target DatabaseAdapter) {
			// Detach from the caller's deadline; replication outliving
			// the request is the point.
			if err := target.InsertDeltas(context.Background(), deltas); err != nil {
				slog.Warn("fanout replication failed",
					"component", "adapter",
					"action", "fanout_replicate",
					"deltas", len(deltas),
					"error", err,
				)
			}
		}(secondary)
	}
	return nil
}

// QueryDeltasSince reads from the primary.
func (f *FanOut) QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables ...string) ([]delta.RowDelta, error) {
	return f.primary.QueryDeltasSince(ctx, since, tables...)
}

// GetLatestState reads from the primary.
func (f *FanOut) GetLatestState(ctx context.Context, table, rowID string) (map[string]any, error) {
	return f.primary.GetLatestState(ctx, table, rowID)
}

// Materialise delegates to the primary when it is materialisable, then
// fans out to materialisable secondaries in the background.
func (f *FanOut) Materialise(ctx context.Context, deltas []delta.RowDelta, schemas []schema.TableSchema) error {
	var primaryErr error
	if m, ok := f.primary.(Materialisable); ok {
		primaryErr = m.Materialise(ctx, deltas, schemas)
	}
	for _, secondary := range f.secondaries {
		m, ok := secondary.(Materialisable)
		if !ok {
			continue
		}
		go func(target Materialisable) {
			if err := target.Materialise(context.Background(), deltas, schemas); err != nil {
				slog.Warn("fanout materialisation failed",
					"component", "adapter",
					"action", "fanout_materialise",
					"error", err,
				)
			}
		}(m)
	}
	return primaryErr
}

// Close closes the primary and all secondaries, returning the first
// error.
func (f *FanOut) Close() error {
	firstErr := f.primary.Close()
	for _, secondary := range f.secondaries {
		if err := secondary.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
