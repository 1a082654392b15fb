package cdc

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// SQLServerDialect reads SQL Server change data capture tables via
// cdc.fn_cdc_get_all_changes_<schema>_<table>. The cursor is the hex
// form of the last consumed LSN (binary(10), so hex compares
// lexicographically in commit order).
type SQLServerDialect struct {
	dsn        string
	schemaName string
	db         *sql.DB
	tables     []string
}

// NewSQLServerDialect builds a dialect. schemaName is the schema the
// captured tables live in (usually dbo).
func NewSQLServerDialect(dsn, schemaName string) *SQLServerDialect {
	if schemaName == "" {
		schemaName = "dbo"
	}
	return &SQLServerDialect{dsn: dsn, schemaName: schemaName}
}

func (*SQLServerDialect) Name() string { return "sqlserver" }

// Connect opens the connection pool.
func (d *SQLServerDialect) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlserver", d.dsn)
	if err != nil {
		return fmt.Errorf("open sqlserver: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlserver: %w", err)
	}
	d.db = db
	return nil
}

// Close closes the pool.
func (d *SQLServerDialect) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// EnsureCapture enables database-level CDC and a capture instance per
// table. Both operations are no-ops when already enabled.
func (d *SQLServerDialect) EnsureCapture(ctx context.Context, tables []string) error {
	var enabled bool
	if err := d.db.QueryRowContext(ctx,
		`SELECT is_cdc_enabled FROM sys.databases WHERE name = DB_NAME()`).Scan(&enabled); err != nil {
		return fmt.Errorf("check cdc enabled: %w", err)
	}
	if !enabled {
		if _, err := d.db.ExecContext(ctx, `EXEC sys.sp_cdc_enable_db`); err != nil {
			return fmt.Errorf("enable database cdc: %w", err)
		}
	}

	if len(tables) == 0 {
		discovered, err := d.listTables(ctx)
		if err != nil {
			return err
		}
		tables = discovered
	}
	d.tables = tables

	for _, table := range tables {
		var captured int
		err := d.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cdc.change_tables ct
			 JOIN sys.tables t ON ct.source_object_id = t.object_id
			 WHERE t.name = @p1`, table).Scan(&captured)
		if err != nil {
			return fmt.Errorf("check capture instance for %s: %w", table, err)
		}
		if captured > 0 {
			continue
		}
		_, err = d.db.ExecContext(ctx,
			`EXEC sys.sp_cdc_enable_table @source_schema = @p1, @source_name = @p2, @role_name = NULL`,
			d.schemaName, table)
		if err != nil {
			return fmt.Errorf("enable capture for %s: %w", table, err)
		}
	}
	return nil
}

// mssqlCursor is the SQL Server resume token.
type mssqlCursor struct {
	LSN string `json:"lsn"`
}

// DefaultCursor starts before every LSN.
func (*SQLServerDialect) DefaultCursor() Cursor {
	return EncodeCursor(mssqlCursor{LSN: ""})
}

// FetchChanges reads each capture instance from the cursor LSN to the
// database max LSN. Update before-images (__$operation = 3) are
// skipped; 1 maps to delete, 2 to insert, 4 to update.
func (d *SQLServerDialect) FetchChanges(ctx context.Context, cursor Cursor) (FetchResult, error) {
	var cur mssqlCursor
	if err := DecodeCursor(cursor, &cur); err != nil {
		return FetchResult{}, err
	}

	var maxLSN []byte
	if err := d.db.QueryRowContext(ctx, `SELECT sys.fn_cdc_get_max_lsn()`).Scan(&maxLSN); err != nil {
		return FetchResult{}, fmt.Errorf("get max lsn: %w", err)
	}
	if len(maxLSN) == 0 {
		return FetchResult{Cursor: cursor}, nil
	}
	maxHex := hex.EncodeToString(maxLSN)
	if cur.LSN != "" && maxHex <= cur.LSN {
		return FetchResult{Cursor: cursor}, nil
	}

	var changes []RawChange
	for _, table := range d.tables {
		tableChanges, err := d.fetchTableChanges(ctx, table, cur.LSN, maxLSN)
		if err != nil {
			return FetchResult{}, err
		}
		changes = append(changes, tableChanges...)
	}

	return FetchResult{
		Changes: changes,
		Cursor:  EncodeCursor(mssqlCursor{LSN: maxHex}),
	}, nil
}

func (d *SQLServerDialect) fetchTableChanges(ctx context.Context, table, sinceHex string, maxLSN []byte) ([]RawChange, error) {
	pk, err := d.primaryKey(ctx, table)
	if err != nil {
		return nil, err
	}

	instance := d.schemaName + "_" + table
	var query string
	var args []any
	if sinceHex == "" {
		query = fmt.Sprintf(
			`SELECT * FROM cdc.fn_cdc_get_all_changes_%s(sys.fn_cdc_get_min_lsn('%s'), @p1, N'all')`,
			instance, instance)
		args = []any{maxLSN}
	} else {
		since, err := hex.DecodeString(sinceHex)
		if err != nil {
			return nil, fmt.Errorf("malformed cursor lsn %q: %w", sinceHex, err)
		}
		query = fmt.Sprintf(
			`SELECT * FROM cdc.fn_cdc_get_all_changes_%s(sys.fn_cdc_increment_lsn(@p1), @p2, N'all')`,
			instance)
		args = []any{since, maxLSN}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read changes for %s: %w", table, err)
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("change columns for %s: %w", table, err)
	}

	var out []RawChange
	for rows.Next() {
		values := make([]any, len(columnNames))
		scan := make([]any, len(columnNames))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scan change for %s: %w", table, err)
		}

		record := make(map[string]any, len(columnNames))
		for i, name := range columnNames {
			record[name] = normalizeMSSQLValue(values[i])
		}

		change, ok, err := MapCDCRecord(table, record, pk)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, change)
		}
	}
	return out, rows.Err()
}

// MapCDCRecord converts one cdc.fn_cdc_get_all_changes row into a raw
// change. Returns ok=false for skipped rows (update before-images).
func MapCDCRecord(table string, record map[string]any, pk []string) (RawChange, bool, error) {
	opValue, err := cdcOperation(record["__$operation"])
	if err != nil {
		return RawChange{}, false, fmt.Errorf("table %s: %w", table, err)
	}

	var kind Kind
	switch opValue {
	case 3:
		return RawChange{}, false, nil // update before-image
	case 1:
		kind = KindDelete
	case 2:
		kind = KindInsert
	case 4:
		kind = KindUpdate
	default:
		return RawChange{}, false, fmt.Errorf("table %s: unknown __$operation %d", table, opValue)
	}

	change := RawChange{Kind: kind, Table: table}

	var keyParts []string
	for _, col := range pk {
		keyParts = append(keyParts, scalarString(record[col]))
	}
	if len(keyParts) == 0 {
		return RawChange{}, false, fmt.Errorf("table %s has no primary key; cdc capture requires one", table)
	}
	change.RowID = strings.Join(keyParts, delta.RowIDSeparator)

	if kind != KindDelete {
		for name, value := range record {
			if strings.HasPrefix(name, "__$") {
				continue
			}
			change.Columns = append(change.Columns, delta.ColumnDelta{Column: name, Value: value})
		}
		sortColumns(change.Columns)
	}
	return change, true, nil
}

func cdcOperation(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case []byte:
		return 0, fmt.Errorf("unexpected binary __$operation")
	default:
		return 0, fmt.Errorf("unexpected __$operation type %T", v)
	}
}

// normalizeMSSQLValue converts driver values into decoded-JSON form.
func normalizeMSSQLValue(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case bool:
		return n
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case float64:
		return n
	case string:
		return n
	case []byte:
		return string(n)
	default:
		normalized, err := delta.NormalizeValue(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return normalized
	}
}

func sortColumns(columns []delta.ColumnDelta) {
	for i := 1; i < len(columns); i++ {
		for j := i; j > 0 && columns[j].Column < columns[j-1].Column; j-- {
			columns[j], columns[j-1] = columns[j-1], columns[j]
		}
	}
}

// DiscoverSchemas introspects INFORMATION_SCHEMA.
func (d *SQLServerDialect) DiscoverSchemas(ctx context.Context, tables []string) ([]schema.TableSchema, error) {
	if len(tables) == 0 {
		discovered, err := d.listTables(ctx)
		if err != nil {
			return nil, err
		}
		tables = discovered
	}

	var out []schema.TableSchema
	for _, table := range tables {
		rows, err := d.db.QueryContext(ctx,
			`SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
			 WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION`,
			d.schemaName, table)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", table, err)
		}
		ts := schema.TableSchema{Table: table}
		for rows.Next() {
			var name, dataType string
			if err := rows.Scan(&name, &dataType); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan column: %w", err)
			}
			ts.Columns = append(ts.Columns, schema.Column{Name: name, Type: mssqlColumnType(dataType)})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		ts.PrimaryKey, err = d.primaryKey(ctx, table)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

func (d *SQLServerDialect) listTables(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = @p1 AND TABLE_TYPE = 'BASE TABLE'`, d.schemaName)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (d *SQLServerDialect) primaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT kcu.COLUMN_NAME
		 FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		 JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		   ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
		 WHERE tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
		   AND tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		 ORDER BY kcu.ORDINAL_POSITION`,
		d.schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("primary key for %s: %w", table, err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan pk column: %w", err)
		}
		pk = append(pk, name)
	}
	return pk, rows.Err()
}

func mssqlColumnType(dataType string) schema.ColumnType {
	switch dataType {
	case "bit":
		return schema.TypeBoolean
	case "tinyint", "smallint", "int", "bigint", "decimal", "numeric", "float", "real", "money":
		return schema.TypeNumber
	default:
		return schema.TypeString
	}
}
