package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// SlotName is the logical replication slot the Postgres dialect owns.
const SlotName = "lakesync_cdc"

// PostgresDialect reads row changes from a wal2json logical replication
// slot via pg_logical_slot_get_changes. The cursor is the LSN of the
// last consumed row.
type PostgresDialect struct {
	dsn  string
	conn *pgx.Conn
}

// NewPostgresDialect builds a dialect for the given connection string.
func NewPostgresDialect(dsn string) *PostgresDialect {
	return &PostgresDialect{dsn: dsn}
}

func (*PostgresDialect) Name() string { return "postgres" }

// Connect opens the control connection.
func (d *PostgresDialect) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, d.dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	d.conn = conn
	return nil
}

// Close closes the control connection.
func (d *PostgresDialect) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close(context.Background())
}

// EnsureCapture creates the wal2json slot when it does not exist yet.
// The table filter is applied at read time; the slot sees every table.
func (d *PostgresDialect) EnsureCapture(ctx context.Context, _ []string) error {
	var exists bool
	err := d.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`,
		SlotName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check replication slot: %w", err)
	}
	if exists {
		return nil
	}
	_, err = d.conn.Exec(ctx,
		`SELECT pg_create_logical_replication_slot($1, 'wal2json')`, SlotName)
	if err != nil {
		return fmt.Errorf("create replication slot: %w", err)
	}
	return nil
}

// pgCursor is the Postgres resume token.
type pgCursor struct {
	LSN string `json:"lsn"`
}

// DefaultCursor starts before every LSN.
func (*PostgresDialect) DefaultCursor() Cursor {
	return EncodeCursor(pgCursor{LSN: "0/0"})
}

// FetchChanges drains the slot and returns rows past the cursor LSN.
// pg_logical_slot_get_changes consumes what it returns, so restarting
// from a stored cursor never replays already-consumed rows; the LSN
// filter additionally guards against rows the previous run saw but did
// not finish pushing.
func (d *PostgresDialect) FetchChanges(ctx context.Context, cursor Cursor) (FetchResult, error) {
	var cur pgCursor
	if err := DecodeCursor(cursor, &cur); err != nil {
		return FetchResult{}, err
	}
	sinceLSN, err := ParseLSN(cur.LSN)
	if err != nil {
		return FetchResult{}, err
	}

	rows, err := d.conn.Query(ctx,
		`SELECT lsn::text, data FROM pg_logical_slot_get_changes($1, NULL, NULL)`, SlotName)
	if err != nil {
		return FetchResult{}, fmt.Errorf("read slot changes: %w", err)
	}
	defer rows.Close()

	var changes []RawChange
	lastLSN := cur.LSN
	for rows.Next() {
		var lsnText, payload string
		if err := rows.Scan(&lsnText, &payload); err != nil {
			return FetchResult{}, fmt.Errorf("scan slot row: %w", err)
		}
		rowLSN, err := ParseLSN(lsnText)
		if err != nil {
			return FetchResult{}, err
		}
		if rowLSN <= sinceLSN {
			continue
		}
		parsed, err := ParseWal2JSON([]byte(payload))
		if err != nil {
			return FetchResult{}, err
		}
		changes = append(changes, parsed...)
		lastLSN = lsnText
	}
	if err := rows.Err(); err != nil {
		return FetchResult{}, fmt.Errorf("iterate slot rows: %w", err)
	}

	return FetchResult{
		Changes: changes,
		Cursor:  EncodeCursor(pgCursor{LSN: lastLSN}),
	}, nil
}

// DiscoverSchemas introspects information_schema for the given tables
// (all public tables when nil).
func (d *PostgresDialect) DiscoverSchemas(ctx context.Context, tables []string) ([]schema.TableSchema, error) {
	query := `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`
	rows, err := d.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("discover schemas: %w", err)
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(tables))
	for _, t := range tables {
		wanted[t] = true
	}

	byTable := make(map[string]*schema.TableSchema)
	var order []string
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if len(wanted) > 0 && !wanted[table] {
			continue
		}
		ts, ok := byTable[table]
		if !ok {
			ts = &schema.TableSchema{Table: table}
			byTable[table] = ts
			order = append(order, table)
		}
		ts.Columns = append(ts.Columns, schema.Column{
			Name: column,
			Type: pgColumnType(dataType),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	out := make([]schema.TableSchema, 0, len(order))
	for _, table := range order {
		out = append(out, *byTable[table])
	}
	return out, nil
}

func pgColumnType(dataType string) schema.ColumnType {
	switch dataType {
	case "smallint", "integer", "bigint", "numeric", "real", "double precision":
		return schema.TypeNumber
	case "boolean":
		return schema.TypeBoolean
	case "json", "jsonb":
		return schema.TypeJSON
	default:
		return schema.TypeString
	}
}

// ParseLSN decodes the textual X/Y form into a comparable uint64.
func ParseLSN(text string) (uint64, error) {
	parts := strings.SplitN(text, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed lsn %q", text)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed lsn %q: %w", text, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed lsn %q: %w", text, err)
	}
	return hi<<32 | lo, nil
}

// wal2json v1 payload: one object per transaction with a change array.
type wal2jsonPayload struct {
	Change []wal2jsonChange `json:"change"`
}

type wal2jsonChange struct {
	Kind         string          `json:"kind"`
	Schema       string          `json:"schema"`
	Table        string          `json:"table"`
	ColumnNames  []string        `json:"columnnames"`
	ColumnValues []json.RawMessage `json:"columnvalues"`
	OldKeys      *wal2jsonKeys   `json:"oldkeys"`
}

type wal2jsonKeys struct {
	KeyNames  []string          `json:"keynames"`
	KeyValues []json.RawMessage `json:"keyvalues"`
}

// ParseWal2JSON converts one wal2json transaction payload into raw
// changes. The row id is the primary key from oldkeys (values joined
// with ":" for composite keys); inserts, which carry no oldkeys, fall
// back to the first column value.
func ParseWal2JSON(payload []byte) ([]RawChange, error) {
	var tx wal2jsonPayload
	if err := json.Unmarshal(payload, &tx); err != nil {
		return nil, fmt.Errorf("parse wal2json payload: %w", err)
	}

	var out []RawChange
	for _, c := range tx.Change {
		kind := Kind(c.Kind)
		if _, ok := kind.op(); !ok {
			continue // wal2json also emits truncate/message kinds
		}

		change := RawChange{
			Kind:   kind,
			Schema: c.Schema,
			Table:  c.Table,
		}

		for i, name := range c.ColumnNames {
			if i >= len(c.ColumnValues) {
				break
			}
			value, err := decodeJSONValue(c.ColumnValues[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			change.Columns = append(change.Columns, delta.ColumnDelta{Column: name, Value: value})
		}

		rowID, err := wal2jsonRowID(c)
		if err != nil {
			return nil, err
		}
		change.RowID = rowID
		out = append(out, change)
	}
	return out, nil
}

func wal2jsonRowID(c wal2jsonChange) (string, error) {
	if c.OldKeys != nil && len(c.OldKeys.KeyValues) > 0 {
		parts := make([]string, len(c.OldKeys.KeyValues))
		for i, raw := range c.OldKeys.KeyValues {
			value, err := decodeJSONValue(raw)
			if err != nil {
				return "", fmt.Errorf("key %d: %w", i, err)
			}
			parts[i] = scalarString(value)
		}
		return strings.Join(parts, delta.RowIDSeparator), nil
	}
	if len(c.ColumnValues) > 0 {
		value, err := decodeJSONValue(c.ColumnValues[0])
		if err != nil {
			return "", err
		}
		return scalarString(value), nil
	}
	return "", fmt.Errorf("change on %s.%s has no identifying columns", c.Schema, c.Table)
}

func decodeJSONValue(raw json.RawMessage) (any, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// scalarString renders a decoded JSON scalar the way it appears in a
// row id.
func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		encoded, _ := json.Marshal(v)
		return string(encoded)
	}
}
