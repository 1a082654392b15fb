package warehouse

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/lakesync/internal/schema"
)

// MySQLDialect targets MySQL 8+. Placeholders are ?, upserts use
// ON DUPLICATE KEY UPDATE, json columns are JSON. MySQL resolves
// duplicate-key conflicts against any unique key, so the external id
// column is declared UNIQUE when configured.
type MySQLDialect struct{}

func (MySQLDialect) Name() string { return "mysql" }

func (MySQLDialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (MySQLDialect) Placeholder(int) string { return "?" }

func (MySQLDialect) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.TypeNumber:
		return "DOUBLE"
	case schema.TypeBoolean:
		return "TINYINT(1)"
	case schema.TypeJSON:
		return "JSON"
	default:
		return "VARCHAR(768)"
	}
}

func (d MySQLDialect) CreateDeltasTable() []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n"+
			"\tdelta_id VARCHAR(64) PRIMARY KEY,\n"+
			"\t%s VARCHAR(255) NOT NULL,\n"+
			"\trow_id VARCHAR(255) NOT NULL,\n"+
			"\tcolumns JSON NOT NULL,\n"+
			"\thlc BIGINT NOT NULL,\n"+
			"\tclient_id VARCHAR(255) NOT NULL,\n"+
			"\top VARCHAR(16) NOT NULL,\n"+
			"\tINDEX lakesync_deltas_hlc_idx (hlc),\n"+
			"\tINDEX lakesync_deltas_row_idx (%s, row_id)\n"+
			")", d.Quote(DeltasTable), d.Quote("table"), d.Quote("table")),
	}
}

func (d MySQLDialect) InsertDeltaSQL() string {
	return fmt.Sprintf(
		"INSERT IGNORE INTO %s (delta_id, %s, row_id, columns, hlc, client_id, op) VALUES (?, ?, ?, ?, ?, ?, ?)",
		d.Quote(DeltasTable), d.Quote("table"))
}

func (MySQLDialect) InsertDeltaArgs(deltaID, table, rowID, columnsJSON string, hlc int64, clientID, op string) []any {
	return []any{deltaID, table, rowID, columnsJSON, hlc, clientID, op}
}

func (d MySQLDialect) CreateDestinationTable(ts schema.TableSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.Quote(ts.Table))
	fmt.Fprintf(&b, "\t%s VARCHAR(255) PRIMARY KEY", d.Quote(ColRowID))
	for _, col := range ts.Columns {
		fmt.Fprintf(&b, ",\n\t%s %s", d.Quote(col.Name), d.ColumnType(col.Type))
		if col.Name == ts.ExternalIDColumn {
			b.WriteString(" UNIQUE")
		}
	}
	fmt.Fprintf(&b, ",\n\t%s JSON NOT NULL DEFAULT ('{}')", d.Quote(ColProps))
	fmt.Fprintf(&b, ",\n\t%s TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP", d.Quote(ColSyncedAt))
	if ts.SoftDeletes() {
		fmt.Fprintf(&b, ",\n\t%s TIMESTAMP NULL", d.Quote(ColDeletedAt))
	}
	b.WriteString("\n)")
	return b.String()
}

func (d MySQLDialect) UpsertSQL(ts schema.TableSchema, columns []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "INSERT INTO %s (%s", d.Quote(ts.Table), d.Quote(ColRowID))
	for _, col := range columns {
		fmt.Fprintf(&b, ", %s", d.Quote(col))
	}
	fmt.Fprintf(&b, ", %s, %s) VALUES (?", d.Quote(ColProps), d.Quote(ColSyncedAt))
	for range columns {
		b.WriteString(", ?")
	}
	b.WriteString(", '{}', NOW())")

	b.WriteString(" ON DUPLICATE KEY UPDATE ")
	for _, col := range columns {
		fmt.Fprintf(&b, "%s = VALUES(%s), ", d.Quote(col), d.Quote(col))
	}
	fmt.Fprintf(&b, "%s = NOW()", d.Quote(ColSyncedAt))
	if ts.SoftDeletes() {
		fmt.Fprintf(&b, ", %s = NULL", d.Quote(ColDeletedAt))
	}
	return b.String()
}

func (MySQLDialect) UpsertArgs(_ schema.TableSchema, columns []string, rowID string, values map[string]any) []any {
	args := make([]any, 0, len(columns)+1)
	args = append(args, rowID)
	for _, col := range columns {
		args = append(args, values[col])
	}
	return args
}

func (d MySQLDialect) DeleteSQL(ts schema.TableSchema) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", d.Quote(ts.Table), d.Quote(ColRowID))
}

func (d MySQLDialect) SoftDeleteSQL(ts schema.TableSchema) string {
	return fmt.Sprintf("UPDATE %s SET %s = NOW(), %s = NOW() WHERE %s = ?",
		d.Quote(ts.Table), d.Quote(ColDeletedAt), d.Quote(ColSyncedAt), d.Quote(ColRowID))
}

func (MySQLDialect) KeyArgs(_ schema.TableSchema, rowID string) []any {
	return []any{rowID}
}

func (MySQLDialect) Args(values ...any) []any { return values }
