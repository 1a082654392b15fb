package warehouse

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/lakesync/internal/schema"
)

// PostgresDialect targets PostgreSQL (and wire-compatible engines).
// Placeholders are $n, upserts use ON CONFLICT ... DO UPDATE, json
// columns are JSONB.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (PostgresDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (PostgresDialect) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.TypeNumber:
		return "DOUBLE PRECISION"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (d PostgresDialect) CreateDeltasTable() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	delta_id TEXT PRIMARY KEY,
	%s TEXT NOT NULL,
	row_id TEXT NOT NULL,
	columns JSONB NOT NULL,
	hlc BIGINT NOT NULL,
	client_id TEXT NOT NULL,
	op TEXT NOT NULL
)`, d.Quote(DeltasTable), d.Quote("table")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS lakesync_deltas_hlc_idx ON %s (hlc)`, d.Quote(DeltasTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS lakesync_deltas_row_idx ON %s (%s, row_id)`, d.Quote(DeltasTable), d.Quote("table")),
	}
}

func (d PostgresDialect) InsertDeltaSQL() string {
	return fmt.Sprintf(
		`INSERT INTO %s (delta_id, %s, row_id, columns, hlc, client_id, op) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (delta_id) DO NOTHING`,
		d.Quote(DeltasTable), d.Quote("table"))
}

func (PostgresDialect) InsertDeltaArgs(deltaID, table, rowID, columnsJSON string, hlc int64, clientID, op string) []any {
	return []any{deltaID, table, rowID, columnsJSON, hlc, clientID, op}
}

func (d PostgresDialect) CreateDestinationTable(ts schema.TableSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.Quote(ts.Table))
	fmt.Fprintf(&b, "\t%s TEXT PRIMARY KEY", d.Quote(ColRowID))
	for _, col := range ts.Columns {
		fmt.Fprintf(&b, ",\n\t%s %s", d.Quote(col.Name), d.ColumnType(col.Type))
	}
	fmt.Fprintf(&b, ",\n\t%s JSONB NOT NULL DEFAULT '{}'", d.Quote(ColProps))
	fmt.Fprintf(&b, ",\n\t%s TIMESTAMPTZ NOT NULL DEFAULT NOW()", d.Quote(ColSyncedAt))
	if ts.SoftDeletes() {
		fmt.Fprintf(&b, ",\n\t%s TIMESTAMPTZ", d.Quote(ColDeletedAt))
	}
	b.WriteString("\n)")
	return b.String()
}

func (d PostgresDialect) UpsertSQL(ts schema.TableSchema, columns []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "INSERT INTO %s (%s", d.Quote(ts.Table), d.Quote(ColRowID))
	for _, col := range columns {
		fmt.Fprintf(&b, ", %s", d.Quote(col))
	}
	fmt.Fprintf(&b, ", %s, %s) VALUES ($1", d.Quote(ColProps), d.Quote(ColSyncedAt))
	for i := range columns {
		fmt.Fprintf(&b, ", $%d", i+2)
	}
	b.WriteString(", '{}', NOW())")

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", d.Quote(conflictColumn(ts)))
	for _, col := range columns {
		fmt.Fprintf(&b, "%s = EXCLUDED.%s, ", d.Quote(col), d.Quote(col))
	}
	fmt.Fprintf(&b, "%s = NOW()", d.Quote(ColSyncedAt))
	if ts.SoftDeletes() {
		fmt.Fprintf(&b, ", %s = NULL", d.Quote(ColDeletedAt))
	}
	return b.String()
}

func (PostgresDialect) UpsertArgs(_ schema.TableSchema, columns []string, rowID string, values map[string]any) []any {
	args := make([]any, 0, len(columns)+1)
	args = append(args, rowID)
	for _, col := range columns {
		args = append(args, values[col])
	}
	return args
}

func (d PostgresDialect) DeleteSQL(ts schema.TableSchema) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", d.Quote(ts.Table), d.Quote(ColRowID))
}

func (d PostgresDialect) SoftDeleteSQL(ts schema.TableSchema) string {
	return fmt.Sprintf("UPDATE %s SET %s = NOW(), %s = NOW() WHERE %s = $1",
		d.Quote(ts.Table), d.Quote(ColDeletedAt), d.Quote(ColSyncedAt), d.Quote(ColRowID))
}

func (PostgresDialect) KeyArgs(_ schema.TableSchema, rowID string) []any {
	return []any{rowID}
}

func (PostgresDialect) Args(values ...any) []any { return values }
