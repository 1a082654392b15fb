package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// SQLAdapter stores deltas in the lakesync_deltas staging table of one
// warehouse and materialises them into destination tables, speaking the
// engine's SQL through its Dialect. It implements both DatabaseAdapter
// and Materialisable.
type SQLAdapter struct {
	db      *sql.DB
	dialect Dialect

	ensureOnce sync.Once
	ensureErr  error
}

// NewSQLAdapter wraps an open connection pool. The staging table is
// created lazily on first write.
func NewSQLAdapter(db *sql.DB, dialect Dialect) *SQLAdapter {
	return &SQLAdapter{db: db, dialect: dialect}
}

// ensureDeltasTable creates the staging table and its indexes once.
func (a *SQLAdapter) ensureDeltasTable(ctx context.Context) error {
	a.ensureOnce.Do(func() {
		for _, stmt := range a.dialect.CreateDeltasTable() {
			if _, err := a.db.ExecContext(ctx, stmt); err != nil {
				a.ensureErr = fmt.Errorf("create deltas table: %w", err)
				return
			}
		}
	})
	return a.ensureErr
}

// InsertDeltas stages the batch inside one transaction. Replayed delta
// ids are skipped by the dialect's idempotent insert.
func (a *SQLAdapter) InsertDeltas(ctx context.Context, deltas []delta.RowDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	if err := a.ensureDeltasTable(ctx); err != nil {
		return adapter.E(adapter.CodeAdapterError, "insert deltas", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return adapter.E(adapter.CodeAdapterError, "begin transaction", err)
	}
	defer tx.Rollback()

	stmt := a.dialect.InsertDeltaSQL()
	for _, d := range deltas {
		columnsJSON, err := delta.CanonicalJSON(columnsAsAny(d.Columns))
		if err != nil {
			return adapter.E(adapter.CodeAdapterError, "encode columns", err)
		}
		args := a.dialect.InsertDeltaArgs(d.DeltaID, d.Table, d.RowID,
			string(columnsJSON), int64(d.HLC), d.ClientID, string(d.Op))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return adapter.E(adapter.CodeAdapterError, fmt.Sprintf("insert delta %s", d.DeltaID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return adapter.E(adapter.CodeAdapterError, "commit transaction", err)
	}
	return nil
}

// QueryDeltasSince returns staged deltas with hlc > since ascending,
// optionally filtered to tables.
func (a *SQLAdapter) QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables ...string) ([]delta.RowDelta, error) {
	if err := a.ensureDeltasTable(ctx); err != nil {
		return nil, adapter.E(adapter.CodeAdapterError, "query deltas", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT delta_id, %s, row_id, columns, hlc, client_id, op FROM %s WHERE hlc > %s",
		a.dialect.Quote("table"), a.dialect.Quote(DeltasTable), a.dialect.Placeholder(1))
	values := []any{int64(since)}
	if len(tables) > 0 {
		fmt.Fprintf(&b, " AND %s IN (", a.dialect.Quote("table"))
		for i, table := range tables {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.dialect.Placeholder(len(values) + 1))
			values = append(values, table)
		}
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY hlc ASC")

	rows, err := a.db.QueryContext(ctx, b.String(), a.dialect.Args(values...)...)
	if err != nil {
		return nil, adapter.E(adapter.CodeAdapterError, "query deltas", err)
	}
	defer rows.Close()

	return scanDeltas(rows)
}

// queryRowHistory returns every staged delta for the given rows of one
// table, hlc ascending.
func (a *SQLAdapter) queryRowHistory(ctx context.Context, table string, rowIDs []string) ([]delta.RowDelta, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT delta_id, %s, row_id, columns, hlc, client_id, op FROM %s WHERE %s = %s AND row_id IN (",
		a.dialect.Quote("table"), a.dialect.Quote(DeltasTable), a.dialect.Quote("table"), a.dialect.Placeholder(1))
	values := []any{table}
	for i, rowID := range rowIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.dialect.Placeholder(len(values) + 1))
		values = append(values, rowID)
	}
	b.WriteString(") ORDER BY hlc ASC")

	rows, err := a.db.QueryContext(ctx, b.String(), a.dialect.Args(values...)...)
	if err != nil {
		return nil, fmt.Errorf("query row history: %w", err)
	}
	defer rows.Close()

	return scanDeltas(rows)
}

func scanDeltas(rows *sql.Rows) ([]delta.RowDelta, error) {
	var out []delta.RowDelta
	for rows.Next() {
		var (
			d           delta.RowDelta
			columnsJSON string
			hlcValue    int64
			op          string
		)
		if err := rows.Scan(&d.DeltaID, &d.Table, &d.RowID, &columnsJSON, &hlcValue, &d.ClientID, &op); err != nil {
			return nil, adapter.E(adapter.CodeAdapterError, "scan delta", err)
		}
		d.HLC = hlc.Timestamp(hlcValue)
		d.Op = delta.Op(op)
		if columnsJSON != "" && columnsJSON != "[]" {
			if err := json.Unmarshal([]byte(columnsJSON), &d.Columns); err != nil {
				return nil, adapter.E(adapter.CodeAdapterError, "decode columns", err)
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, adapter.E(adapter.CodeAdapterError, "iterate deltas", err)
	}
	return out, nil
}

// GetLatestState merges the row's staged history into current column
// values. Returns nil for unknown or deleted rows.
func (a *SQLAdapter) GetLatestState(ctx context.Context, table, rowID string) (map[string]any, error) {
	history, err := a.queryRowHistory(ctx, table, []string{rowID})
	if err != nil {
		return nil, adapter.E(adapter.CodeAdapterError, "get latest state", err)
	}
	merged := MergeHistory(history)
	row, ok := merged[rowID]
	if !ok || row.Deleted {
		return nil, nil
	}
	return row.Values, nil
}

// Materialise projects the batch into destination tables: the batch is
// staged first (idempotently) so the projection always runs over the
// complete history, then per-table current state is upserted and
// tombstones are deleted or soft-deleted.
func (a *SQLAdapter) Materialise(ctx context.Context, deltas []delta.RowDelta, schemas []schema.TableSchema) error {
	if len(deltas) == 0 {
		return nil
	}
	if err := a.InsertDeltas(ctx, deltas); err != nil {
		return err
	}

	bySource := schema.BySource(schemas)
	groups := make(map[string][]delta.RowDelta)
	for _, d := range deltas {
		groups[d.Table] = append(groups[d.Table], d)
	}

	for sourceTable, group := range groups {
		ts, ok := bySource[sourceTable]
		if !ok {
			slog.Warn("no schema for table, skipping materialisation",
				"component", "warehouse",
				"action", "materialise_skip",
				"table", sourceTable,
			)
			continue
		}
		if err := a.materialiseTable(ctx, sourceTable, ts, group); err != nil {
			var typed *adapter.Error
			if errors.As(err, &typed) {
				return err
			}
			return adapter.E(adapter.CodeAdapterError, fmt.Sprintf("materialise %s", ts.Table), err)
		}
	}
	return nil
}

func (a *SQLAdapter) materialiseTable(ctx context.Context, sourceTable string, ts schema.TableSchema, group []delta.RowDelta) error {
	if _, err := a.db.ExecContext(ctx, a.dialect.CreateDestinationTable(ts)); err != nil {
		return fmt.Errorf("create destination table: %w", err)
	}

	affected := make(map[string]bool)
	var rowIDs []string
	for _, d := range group {
		if !affected[d.RowID] {
			affected[d.RowID] = true
			rowIDs = append(rowIDs, d.RowID)
		}
	}

	history, err := a.queryRowHistory(ctx, sourceTable, rowIDs)
	if err != nil {
		return err
	}
	upserts, tombstones := PartitionMerged(MergeHistory(history))

	if len(upserts) > 0 {
		columns := materialisedColumns(ts, upserts)
		if len(columns) == 0 {
			return adapter.E(adapter.CodeSchemaMismatch, ts.Table,
				fmt.Errorf("deltas carry columns %v, none declared in the schema", ColumnsOf(upserts)))
		}
		stmt := a.dialect.UpsertSQL(ts, columns)
		for _, row := range upserts {
			values, err := sqlValues(ts, row.Values)
			if err != nil {
				return fmt.Errorf("row %s: %w", row.RowID, err)
			}
			args := a.dialect.UpsertArgs(ts, columns, row.RowID, values)
			if _, err := a.db.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("upsert row %s: %w", row.RowID, err)
			}
		}
	}

	if len(tombstones) > 0 {
		stmt := a.dialect.DeleteSQL(ts)
		if ts.SoftDeletes() {
			stmt = a.dialect.SoftDeleteSQL(ts)
		}
		for _, rowID := range tombstones {
			if _, err := a.db.ExecContext(ctx, stmt, a.dialect.KeyArgs(ts, rowID)...); err != nil {
				return fmt.Errorf("delete row %s: %w", rowID, err)
			}
		}
	}

	slog.Info("table materialised",
		"component", "warehouse",
		"action", "materialise",
		"dialect", a.dialect.Name(),
		"table", ts.Table,
		"upserts", len(upserts),
		"tombstones", len(tombstones),
	)
	return nil
}

// materialisedColumns is the upsert column list: schema columns that
// appear in at least one merged row. Columns outside the schema are
// dropped (the destination has no home for them).
func materialisedColumns(ts schema.TableSchema, rows []*MergedRow) []string {
	present := ColumnsOf(rows)
	var out []string
	for _, col := range present {
		if _, ok := ts.Column(col); ok {
			out = append(out, col)
		}
	}
	return out
}

// sqlValues converts merged values into driver-friendly types: json
// values become canonical JSON text, everything else passes through.
func sqlValues(ts schema.TableSchema, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, value := range values {
		col, ok := ts.Column(name)
		if !ok {
			continue
		}
		if value == nil {
			out[name] = nil
			continue
		}
		switch col.Type {
		case schema.TypeJSON:
			encoded, err := delta.CanonicalJSON(value)
			if err != nil {
				return nil, fmt.Errorf("encode json column %s: %w", name, err)
			}
			out[name] = string(encoded)
		default:
			switch value.(type) {
			case map[string]any, []any:
				encoded, err := delta.CanonicalJSON(value)
				if err != nil {
					return nil, fmt.Errorf("encode column %s: %w", name, err)
				}
				out[name] = string(encoded)
			default:
				out[name] = value
			}
		}
	}
	return out, nil
}

func columnsAsAny(columns []delta.ColumnDelta) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = map[string]any{"column": c.Column, "value": c.Value}
	}
	return out
}

// Close closes the connection pool.
func (a *SQLAdapter) Close() error {
	return a.db.Close()
}
