// Package cdc turns upstream database change logs into row deltas. A
// generic polling source drives a per-engine Dialect; Postgres
// (wal2json logical decoding), MySQL (trigger changelog) and SQL Server
// (change data capture tables) dialects are provided.
package cdc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// Kind classifies a raw upstream change.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// op maps a change kind onto the delta operation.
func (k Kind) op() (delta.Op, bool) {
	switch k {
	case KindInsert:
		return delta.OpInsert, true
	case KindUpdate:
		return delta.OpUpdate, true
	case KindDelete:
		return delta.OpDelete, true
	}
	return "", false
}

// RawChange is one upstream mutation before conversion to a delta.
type RawChange struct {
	Kind    Kind
	Schema  string
	Table   string
	RowID   string
	Columns []delta.ColumnDelta
}

// Cursor is an opaque, JSON-serialisable resume token. Its shape is
// dialect-specific: {"lsn": ...} for Postgres, {"lastId": ...} for
// MySQL, {"lsn": "<hex>"} for SQL Server.
type Cursor []byte

// MarshalJSON emits the raw token.
func (c Cursor) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return c, nil
}

// UnmarshalJSON stores the raw token.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	*c = append((*c)[:0], data...)
	return nil
}

// EncodeCursor serialises a dialect cursor struct.
func EncodeCursor(v any) Cursor {
	data, err := json.Marshal(v)
	if err != nil {
		// Cursor structs are plain scalar fields; this cannot fail on
		// well-formed dialect state.
		panic(fmt.Sprintf("cdc: encode cursor: %v", err))
	}
	return Cursor(data)
}

// DecodeCursor parses a cursor into the dialect's struct.
func DecodeCursor(c Cursor, v any) error {
	if len(c) == 0 {
		return nil
	}
	if err := json.Unmarshal(c, v); err != nil {
		return fmt.Errorf("decode cursor: %w", err)
	}
	return nil
}

// FetchResult is one batch of upstream changes plus the advanced
// cursor.
type FetchResult struct {
	Changes []RawChange
	Cursor  Cursor
}

// Dialect is the per-engine half of a CDC source.
type Dialect interface {
	// Name identifies the dialect for logging.
	Name() string

	// Connect opens the upstream connection.
	Connect(ctx context.Context) error

	// Close releases the connection. Safe to call after a failed
	// Connect.
	Close() error

	// EnsureCapture idempotently prepares the upstream capture
	// machinery (replication slot, triggers, capture instances) for
	// the given tables (nil means all discoverable tables).
	EnsureCapture(ctx context.Context, tables []string) error

	// FetchChanges returns changes after the cursor together with the
	// cursor to resume from next time.
	FetchChanges(ctx context.Context, cursor Cursor) (FetchResult, error)

	// DiscoverSchemas introspects upstream table shapes.
	DiscoverSchemas(ctx context.Context, tables []string) ([]schema.TableSchema, error)

	// DefaultCursor is the resume token for a fresh source.
	DefaultCursor() Cursor
}
