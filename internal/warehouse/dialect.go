// Package warehouse persists deltas in SQL destinations and
// materialises them into current-row state. One shared adapter drives
// every engine through the Dialect interface; Postgres, MySQL and
// BigQuery dialects are provided.
package warehouse

import (
	"github.com/hyperengineering/lakesync/internal/schema"
)

// DeltasTable is the staging table holding raw deltas on every
// warehouse destination.
const DeltasTable = "lakesync_deltas"

// Reserved destination columns added next to the schema's typed
// columns. props is consumer-owned: materialisation inserts the empty
// object and never updates it afterwards.
const (
	ColRowID     = "row_id"
	ColProps     = "props"
	ColSyncedAt  = "synced_at"
	ColDeletedAt = "deleted_at"
)

// Dialect abstracts the SQL differences between destination engines:
// identifier quoting, parameter placeholders, type mapping, upsert
// syntax and idempotent staging inserts.
type Dialect interface {
	// Name identifies the dialect ("postgres", "mysql", "bigquery").
	Name() string

	// Quote wraps an identifier in the engine's quoting characters.
	Quote(ident string) string

	// Placeholder renders the n-th (1-based) query parameter.
	Placeholder(n int) string

	// Args adapts positional argument values to the engine's binding
	// style for statements built with Placeholder.
	Args(values ...any) []any

	// ColumnType maps a logical column type onto the engine's type.
	ColumnType(t schema.ColumnType) string

	// CreateDeltasTable returns the DDL statements (table plus indexes)
	// for the staging table. All statements are create-if-not-exists.
	CreateDeltasTable() []string

	// InsertDeltaSQL returns an insert for one staging row that is a
	// no-op when the delta_id already exists.
	InsertDeltaSQL() string

	// InsertDeltaArgs builds the argument list matching InsertDeltaSQL.
	InsertDeltaArgs(deltaID, table, rowID, columnsJSON string, hlc int64, clientID, op string) []any

	// CreateDestinationTable returns create-if-not-exists DDL for a
	// destination table: row_id PK, typed columns, props JSON default
	// '{}', synced_at, and deleted_at when the schema soft-deletes.
	CreateDestinationTable(ts schema.TableSchema) string

	// UpsertSQL returns the upsert statement for the given value
	// columns. The conflict target is the schema's external id column
	// when set, the row id otherwise. props appears in the insert list
	// with a literal '{}' and is excluded from the update set;
	// synced_at is refreshed on every write.
	UpsertSQL(ts schema.TableSchema, columns []string) string

	// UpsertArgs builds the argument list matching UpsertSQL.
	UpsertArgs(ts schema.TableSchema, columns []string, rowID string, values map[string]any) []any

	// DeleteSQL returns the hard delete for a tombstoned row.
	DeleteSQL(ts schema.TableSchema) string

	// SoftDeleteSQL returns the soft delete (set deleted_at).
	SoftDeleteSQL(ts schema.TableSchema) string

	// KeyArgs builds the argument list for DeleteSQL / SoftDeleteSQL.
	KeyArgs(ts schema.TableSchema, rowID string) []any
}

// conflictColumn returns the upsert conflict target for a schema.
func conflictColumn(ts schema.TableSchema) string {
	if ts.ExternalIDColumn != "" {
		return ts.ExternalIDColumn
	}
	return ColRowID
}
