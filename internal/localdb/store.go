// Package localdb is the client-side embedded store: tracked row state
// with per-column HLC metadata, an outbound queue of pending deltas,
// and the apply path that folds remote deltas in under column-level
// last-writer-wins.
package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/migrations"
)

// Store wraps the embedded sqlite database.
type Store struct {
	db       *sql.DB
	clientID string
	clock    *hlc.Clock
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path, clientID string, clock *hlc.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	if clock == nil {
		clock = hlc.NewClock()
	}
	return &Store{db: db, clientID: clientID, clock: clock}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clock exposes the store's HLC clock (shared with the sync client so
// pulls can merge the server timestamp).
func (s *Store) Clock() *hlc.Clock {
	return s.clock
}

// GetRow returns the row's current field values, or nil when absent.
func (s *Store) GetRow(ctx context.Context, table, rowID string) (map[string]any, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM local_rows WHERE table_name = ? AND row_id = ?`,
		table, rowID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get row: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return fields, nil
}

// InsertRow tracks a new local row, producing a pending INSERT delta.
func (s *Store) InsertRow(ctx context.Context, table, rowID string, fields map[string]any) (delta.RowDelta, error) {
	return s.trackChange(ctx, table, rowID, nil, fields)
}

// UpdateRow applies changes to an existing local row, producing a
// pending UPDATE delta with only the changed columns. Updating a row
// that does not exist fails with ROW_NOT_FOUND.
func (s *Store) UpdateRow(ctx context.Context, table, rowID string, changes map[string]any) (delta.RowDelta, error) {
	before, err := s.GetRow(ctx, table, rowID)
	if err != nil {
		return delta.RowDelta{}, err
	}
	if before == nil {
		return delta.RowDelta{}, adapter.E(adapter.CodeRowNotFound,
			fmt.Sprintf("update %s/%s", table, rowID), nil)
	}
	after := make(map[string]any, len(before)+len(changes))
	for k, v := range before {
		after[k] = v
	}
	for k, v := range changes {
		after[k] = v
	}
	return s.trackChange(ctx, table, rowID, before, after)
}

// DeleteRow removes a local row, producing a pending DELETE delta.
func (s *Store) DeleteRow(ctx context.Context, table, rowID string) (delta.RowDelta, error) {
	before, err := s.GetRow(ctx, table, rowID)
	if err != nil {
		return delta.RowDelta{}, err
	}
	if before == nil {
		return delta.RowDelta{}, adapter.E(adapter.CodeRowNotFound,
			fmt.Sprintf("delete %s/%s", table, rowID), nil)
	}
	return s.trackChange(ctx, table, rowID, before, nil)
}

// trackChange extracts the delta for a local mutation, applies it to
// the tracked state and enqueues it for push, atomically.
func (s *Store) trackChange(ctx context.Context, table, rowID string, before, after map[string]any) (delta.RowDelta, error) {
	d, ok := delta.Extract(before, after, delta.ExtractContext{
		Table:    table,
		RowID:    rowID,
		ClientID: s.clientID,
		HLC:      s.clock.Now(),
	})
	if !ok {
		return delta.RowDelta{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return delta.RowDelta{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := applyDeltaTx(ctx, tx, d); err != nil {
		return delta.RowDelta{}, err
	}
	if err := enqueueTx(ctx, tx, d); err != nil {
		return delta.RowDelta{}, err
	}
	if err := tx.Commit(); err != nil {
		return delta.RowDelta{}, fmt.Errorf("commit transaction: %w", err)
	}
	return d, nil
}

// applyDeltaTx writes a delta's effects into local_rows/local_columns.
func applyDeltaTx(ctx context.Context, tx *sql.Tx, d delta.RowDelta) error {
	if d.Op == delta.OpDelete {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM local_rows WHERE table_name = ? AND row_id = ?`, d.Table, d.RowID); err != nil {
			return fmt.Errorf("delete row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM local_columns WHERE table_name = ? AND row_id = ?`, d.Table, d.RowID); err != nil {
			return fmt.Errorf("delete column state: %w", err)
		}
		return nil
	}

	fields := make(map[string]any)
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM local_rows WHERE table_name = ? AND row_id = ?`,
		d.Table, d.RowID).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("read row: %w", err)
	default:
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
	}

	for _, col := range d.Columns {
		fields[col.Column] = col.Value
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO local_columns (table_name, row_id, column_name, hlc, client_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(table_name, row_id, column_name) DO UPDATE SET
				hlc = excluded.hlc, client_id = excluded.client_id`,
			d.Table, d.RowID, col.Column, int64(d.HLC), d.ClientID); err != nil {
			return fmt.Errorf("write column state: %w", err)
		}
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO local_rows (table_name, row_id, data) VALUES (?, ?, ?)
		ON CONFLICT(table_name, row_id) DO UPDATE SET data = excluded.data`,
		d.Table, d.RowID, string(encoded)); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	return nil
}

func enqueueTx(ctx context.Context, tx *sql.Tx, d delta.RowDelta) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_deltas (delta_id, table_name, row_id, hlc, payload, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.DeltaID, d.Table, d.RowID, int64(d.HLC), string(payload),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue delta: %w", err)
	}
	return nil
}

// PendingDeltas returns queued deltas in hlc order, ready to push.
func (s *Store) PendingDeltas(ctx context.Context) ([]delta.RowDelta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM pending_deltas ORDER BY hlc ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []delta.RowDelta
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		var d delta.RowDelta
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, fmt.Errorf("decode pending: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AckDeltas removes acknowledged deltas from the queue.
func (s *Store) AckDeltas(ctx context.Context, deltaIDs []string) error {
	if len(deltaIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, id := range deltaIDs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_deltas WHERE delta_id = ?`, id); err != nil {
			return fmt.Errorf("ack %s: %w", id, err)
		}
	}
	return tx.Commit()
}
