package warehouse

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/hyperengineering/lakesync/internal/schema"
)

// BigQueryDialect targets BigQuery Standard SQL through any
// database/sql-compatible driver. Placeholders are named (@name),
// upserts use MERGE ... USING, json columns are JSON. BigQuery has no
// enforced primary keys, so idempotence rides entirely on the MERGE
// conditions.
type BigQueryDialect struct{}

func (BigQueryDialect) Name() string { return "bigquery" }

func (BigQueryDialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "\\`") + "`"
}

func (BigQueryDialect) Placeholder(n int) string {
	return fmt.Sprintf("@p%d", n)
}

func (BigQueryDialect) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.TypeNumber:
		return "FLOAT64"
	case schema.TypeBoolean:
		return "BOOL"
	case schema.TypeJSON:
		return "JSON"
	default:
		return "STRING"
	}
}

func (d BigQueryDialect) CreateDeltasTable() []string {
	// BigQuery indexes are managed by the service; clustering covers
	// the (table, row_id) access path.
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n"+
			"\tdelta_id STRING NOT NULL,\n"+
			"\t%s STRING NOT NULL,\n"+
			"\trow_id STRING NOT NULL,\n"+
			"\tcolumns STRING NOT NULL,\n"+
			"\thlc INT64 NOT NULL,\n"+
			"\tclient_id STRING NOT NULL,\n"+
			"\top STRING NOT NULL\n"+
			") CLUSTER BY %s, row_id", d.Quote(DeltasTable), d.Quote("table"), d.Quote("table")),
	}
}

func (d BigQueryDialect) InsertDeltaSQL() string {
	return fmt.Sprintf(
		"MERGE %s T USING (SELECT @delta_id AS delta_id, @tbl AS %s, @row_id AS row_id, "+
			"@columns AS columns, @hlc AS hlc, @client_id AS client_id, @op AS op) S "+
			"ON T.delta_id = S.delta_id "+
			"WHEN NOT MATCHED THEN INSERT (delta_id, %s, row_id, columns, hlc, client_id, op) "+
			"VALUES (S.delta_id, S.%s, S.row_id, S.columns, S.hlc, S.client_id, S.op)",
		d.Quote(DeltasTable), d.Quote("table"), d.Quote("table"), d.Quote("table"))
}

func (BigQueryDialect) InsertDeltaArgs(deltaID, table, rowID, columnsJSON string, hlc int64, clientID, op string) []any {
	return []any{
		sql.Named("delta_id", deltaID),
		sql.Named("tbl", table),
		sql.Named("row_id", rowID),
		sql.Named("columns", columnsJSON),
		sql.Named("hlc", hlc),
		sql.Named("client_id", clientID),
		sql.Named("op", op),
	}
}

func (d BigQueryDialect) CreateDestinationTable(ts schema.TableSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.Quote(ts.Table))
	fmt.Fprintf(&b, "\t%s STRING NOT NULL", d.Quote(ColRowID))
	for _, col := range ts.Columns {
		fmt.Fprintf(&b, ",\n\t%s %s", d.Quote(col.Name), d.ColumnType(col.Type))
	}
	fmt.Fprintf(&b, ",\n\t%s JSON DEFAULT JSON '{}'", d.Quote(ColProps))
	fmt.Fprintf(&b, ",\n\t%s TIMESTAMP", d.Quote(ColSyncedAt))
	if ts.SoftDeletes() {
		fmt.Fprintf(&b, ",\n\t%s TIMESTAMP", d.Quote(ColDeletedAt))
	}
	b.WriteString("\n)")
	return b.String()
}

func (d BigQueryDialect) UpsertSQL(ts schema.TableSchema, columns []string) string {
	var b strings.Builder
	key := conflictColumn(ts)

	fmt.Fprintf(&b, "MERGE %s T USING (SELECT @row_id AS %s", d.Quote(ts.Table), ColRowID)
	for _, col := range columns {
		fmt.Fprintf(&b, ", @%s AS %s", col, col)
	}
	fmt.Fprintf(&b, ") S ON T.%s = S.%s", d.Quote(key), keySourceColumn(key, columns))

	b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
	for _, col := range columns {
		fmt.Fprintf(&b, "%s = S.%s, ", d.Quote(col), col)
	}
	fmt.Fprintf(&b, "%s = CURRENT_TIMESTAMP()", d.Quote(ColSyncedAt))
	if ts.SoftDeletes() {
		fmt.Fprintf(&b, ", %s = NULL", d.Quote(ColDeletedAt))
	}

	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s", d.Quote(ColRowID))
	for _, col := range columns {
		fmt.Fprintf(&b, ", %s", d.Quote(col))
	}
	fmt.Fprintf(&b, ", %s, %s) VALUES (S.%s", d.Quote(ColProps), d.Quote(ColSyncedAt), ColRowID)
	for _, col := range columns {
		fmt.Fprintf(&b, ", S.%s", col)
	}
	b.WriteString(", JSON '{}', CURRENT_TIMESTAMP())")
	return b.String()
}

// keySourceColumn picks the source-side column the merge joins on: the
// external id when it is among the values, the row id otherwise.
func keySourceColumn(key string, columns []string) string {
	for _, col := range columns {
		if col == key {
			return col
		}
	}
	return ColRowID
}

func (BigQueryDialect) UpsertArgs(_ schema.TableSchema, columns []string, rowID string, values map[string]any) []any {
	args := make([]any, 0, len(columns)+1)
	args = append(args, sql.Named("row_id", rowID))
	for _, col := range columns {
		args = append(args, sql.Named(col, values[col]))
	}
	return args
}

func (d BigQueryDialect) DeleteSQL(ts schema.TableSchema) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = @row_id", d.Quote(ts.Table), d.Quote(ColRowID))
}

func (d BigQueryDialect) SoftDeleteSQL(ts schema.TableSchema) string {
	return fmt.Sprintf("UPDATE %s SET %s = CURRENT_TIMESTAMP(), %s = CURRENT_TIMESTAMP() WHERE %s = @row_id",
		d.Quote(ts.Table), d.Quote(ColDeletedAt), d.Quote(ColSyncedAt), d.Quote(ColRowID))
}

func (BigQueryDialect) KeyArgs(_ schema.TableSchema, rowID string) []any {
	return []any{sql.Named("row_id", rowID)}
}

func (BigQueryDialect) Args(values ...any) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = sql.Named(fmt.Sprintf("p%d", i+1), v)
	}
	return args
}
