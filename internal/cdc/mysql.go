package cdc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// ChangelogTable is the trigger-fed changelog the MySQL dialect owns.
const ChangelogTable = "_lakesync_cdc_log"

// MySQLDialect captures changes through AFTER INSERT/UPDATE/DELETE
// triggers that append to a changelog table. The cursor is the last
// consumed autoincrement id.
type MySQLDialect struct {
	dsn      string
	database string
	db       *sql.DB
}

// NewMySQLDialect builds a dialect. database is the schema the
// captured tables live in.
func NewMySQLDialect(dsn, database string) *MySQLDialect {
	return &MySQLDialect{dsn: dsn, database: database}
}

func (*MySQLDialect) Name() string { return "mysql" }

// Connect opens the connection pool.
func (d *MySQLDialect) Connect(ctx context.Context) error {
	db, err := sql.Open("mysql", d.dsn)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping mysql: %w", err)
	}
	d.db = db
	return nil
}

// Close closes the pool.
func (d *MySQLDialect) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// EnsureCapture creates the changelog table and per-table triggers.
// Re-running drops and recreates the triggers, so capture definitions
// follow schema changes.
func (d *MySQLDialect) EnsureCapture(ctx context.Context, tables []string) error {
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	table_name VARCHAR(255) NOT NULL,
	row_id VARCHAR(255) NOT NULL,
	op VARCHAR(16) NOT NULL,
	columns JSON,
	captured_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	INDEX _lakesync_cdc_log_id_idx (id)
)`, quoteMySQL(ChangelogTable)))
	if err != nil {
		return fmt.Errorf("create changelog table: %w", err)
	}

	if len(tables) == 0 {
		discovered, err := d.listTables(ctx)
		if err != nil {
			return err
		}
		tables = discovered
	}

	for _, table := range tables {
		columns, pk, err := d.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		if len(pk) == 0 {
			return fmt.Errorf("table %s has no primary key; cdc capture requires one", table)
		}
		for _, stmt := range TriggerStatements(table, columns, pk) {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("install trigger on %s: %w", table, err)
			}
		}
	}
	return nil
}

// mysqlCursor is the MySQL resume token.
type mysqlCursor struct {
	LastID int64 `json:"lastId"`
}

// DefaultCursor starts before the first changelog row.
func (*MySQLDialect) DefaultCursor() Cursor {
	return EncodeCursor(mysqlCursor{LastID: 0})
}

// FetchChanges reads changelog rows past the cursor id.
func (d *MySQLDialect) FetchChanges(ctx context.Context, cursor Cursor) (FetchResult, error) {
	var cur mysqlCursor
	if err := DecodeCursor(cursor, &cur); err != nil {
		return FetchResult{}, err
	}

	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, table_name, row_id, op, columns FROM %s WHERE id > ? ORDER BY id ASC`,
		quoteMySQL(ChangelogTable)), cur.LastID)
	if err != nil {
		return FetchResult{}, fmt.Errorf("read changelog: %w", err)
	}
	defer rows.Close()

	lastID := cur.LastID
	var changes []RawChange
	for rows.Next() {
		var (
			id          int64
			tableName   string
			rowID       string
			op          string
			columnsJSON sql.NullString
		)
		if err := rows.Scan(&id, &tableName, &rowID, &op, &columnsJSON); err != nil {
			return FetchResult{}, fmt.Errorf("scan changelog row: %w", err)
		}
		change := RawChange{
			Kind:   Kind(op),
			Schema: d.database,
			Table:  tableName,
			RowID:  rowID,
		}
		if columnsJSON.Valid && columnsJSON.String != "" {
			columns, err := parseChangelogColumns(columnsJSON.String)
			if err != nil {
				return FetchResult{}, fmt.Errorf("changelog row %d: %w", id, err)
			}
			change.Columns = columns
		}
		changes = append(changes, change)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return FetchResult{}, fmt.Errorf("iterate changelog: %w", err)
	}

	return FetchResult{
		Changes: changes,
		Cursor:  EncodeCursor(mysqlCursor{LastID: lastID}),
	}, nil
}

// parseChangelogColumns decodes the JSON_ARRAY of {column, value}
// entries the triggers write.
func parseChangelogColumns(encoded string) ([]delta.ColumnDelta, error) {
	var columns []delta.ColumnDelta
	if err := json.Unmarshal([]byte(encoded), &columns); err != nil {
		return nil, fmt.Errorf("parse columns json: %w", err)
	}
	return columns, nil
}

// DiscoverSchemas introspects information_schema.
func (d *MySQLDialect) DiscoverSchemas(ctx context.Context, tables []string) ([]schema.TableSchema, error) {
	if len(tables) == 0 {
		discovered, err := d.listTables(ctx)
		if err != nil {
			return nil, err
		}
		tables = discovered
	}

	var out []schema.TableSchema
	for _, table := range tables {
		columns, pk, err := d.tableColumns(ctx, table)
		if err != nil {
			return nil, err
		}
		ts := schema.TableSchema{Table: table, PrimaryKey: pk}
		for _, col := range columns {
			ts.Columns = append(ts.Columns, schema.Column{
				Name: col.name,
				Type: mysqlColumnType(col.dataType),
			})
		}
		out = append(out, ts)
	}
	return out, nil
}

func (d *MySQLDialect) listTables(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = ? AND table_type = 'BASE TABLE' AND table_name NOT LIKE '\_lakesync\_%'`,
		d.database)
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

type mysqlColumn struct {
	name     string
	dataType string
}

func (d *MySQLDialect) tableColumns(ctx context.Context, table string) ([]mysqlColumn, []string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT column_name, data_type, column_key
		 FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ?
		 ORDER BY ordinal_position`,
		d.database, table)
	if err != nil {
		return nil, nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var columns []mysqlColumn
	var pk []string
	for rows.Next() {
		var name, dataType, key string
		if err := rows.Scan(&name, &dataType, &key); err != nil {
			return nil, nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, mysqlColumn{name: name, dataType: dataType})
		if key == "PRI" {
			pk = append(pk, name)
		}
	}
	return columns, pk, rows.Err()
}

func mysqlColumnType(dataType string) schema.ColumnType {
	switch dataType {
	case "tinyint":
		return schema.TypeBoolean
	case "smallint", "mediumint", "int", "bigint", "decimal", "float", "double":
		return schema.TypeNumber
	case "json":
		return schema.TypeJSON
	default:
		return schema.TypeString
	}
}

// TriggerStatements builds the DROP/CREATE statements for one table's
// capture triggers. INSERT and UPDATE record the NEW row image; the
// UPDATE row id comes from the OLD image so key changes stay traceable;
// DELETE records only the old key.
func TriggerStatements(table string, columns []mysqlColumn, pk []string) []string {
	insertCols := changelogColumnsExpr("NEW", columns)
	newKey := rowIDExpr("NEW", pk)
	oldKey := rowIDExpr("OLD", pk)
	log := quoteMySQL(ChangelogTable)
	qt := quoteMySQL(table)

	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteMySQL("_lakesync_ins_"+table)),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW
INSERT INTO %s (table_name, row_id, op, columns) VALUES ('%s', %s, 'insert', %s)`,
			quoteMySQL("_lakesync_ins_"+table), qt, log, table, newKey, insertCols),

		fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteMySQL("_lakesync_upd_"+table)),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s FOR EACH ROW
INSERT INTO %s (table_name, row_id, op, columns) VALUES ('%s', %s, 'update', %s)`,
			quoteMySQL("_lakesync_upd_"+table), qt, log, table, oldKey, insertCols),

		fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteMySQL("_lakesync_del_"+table)),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s FOR EACH ROW
INSERT INTO %s (table_name, row_id, op, columns) VALUES ('%s', %s, 'delete', NULL)`,
			quoteMySQL("_lakesync_del_"+table), qt, log, table, oldKey),
	}
}

// changelogColumnsExpr renders the JSON_ARRAY of {column, value}
// objects for a row image.
func changelogColumnsExpr(image string, columns []mysqlColumn) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = fmt.Sprintf("JSON_OBJECT('column', '%s', 'value', %s.%s)",
			col.name, image, quoteMySQL(col.name))
	}
	return "JSON_ARRAY(" + strings.Join(parts, ", ") + ")"
}

// rowIDExpr renders the colon-joined primary key expression for a row
// image.
func rowIDExpr(image string, pk []string) string {
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = fmt.Sprintf("CAST(%s.%s AS CHAR)", image, quoteMySQL(col))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "CONCAT_WS(':', " + strings.Join(parts, ", ") + ")"
}

func quoteMySQL(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}
