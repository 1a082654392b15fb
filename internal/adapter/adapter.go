// Package adapter defines the contract boundary between the sync core
// and its destinations: object stores (lakes) and warehouses
// (databases). Routing adapters that compose destinations live here
// too.
//
// Optional capabilities are modelled as separate interfaces discovered
// by interface assertion: a flush checks whether its lake is also
// Materialisable rather than the adapter advertising flags.
package adapter

import (
	"context"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// LakeAdapter writes and reads opaque objects in an object store.
type LakeAdapter interface {
	// PutObject stores data under key, overwriting any existing object.
	PutObject(ctx context.Context, key string, data []byte, contentType string) error

	// GetObject reads the object at key.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// ListObjects returns the keys under prefix in lexicographic order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// Close releases the adapter's resources.
	Close() error
}

// DatabaseAdapter persists deltas in a warehouse and answers history
// queries over them.
type DatabaseAdapter interface {
	// InsertDeltas stores the batch, skipping deltas whose delta_id is
	// already present. Replays are therefore harmless.
	InsertDeltas(ctx context.Context, deltas []delta.RowDelta) error

	// QueryDeltasSince returns deltas with hlc > since in ascending hlc
	// order. With no tables listed, all tables are included.
	QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables ...string) ([]delta.RowDelta, error)

	// GetLatestState merges the row's delta history into its current
	// column values, or nil when the row is absent or deleted.
	GetLatestState(ctx context.Context, table, rowID string) (map[string]any, error)

	// Close releases connections.
	Close() error
}

// Materialisable is the optional capability of projecting deltas into
// current-row destination state.
type Materialisable interface {
	Materialise(ctx context.Context, deltas []delta.RowDelta, schemas []schema.TableSchema) error
}
