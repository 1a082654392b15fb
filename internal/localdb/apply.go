package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// ApplyRemoteDeltas folds pulled deltas into the tracked local state.
// Each remote column write competes with the stored column HLC under
// last-writer-wins: losing columns are dropped, winning columns are
// applied. Pending local deltas whose every column has been superseded
// by a newer remote write are acknowledged (removed from the queue).
// The whole batch applies in one transaction; any write failure rolls
// everything back and surfaces APPLY_ERROR.
//
// Returns the number of deltas that changed local state.
func (s *Store) ApplyRemoteDeltas(ctx context.Context, remote []delta.RowDelta) (int, error) {
	if len(remote) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, adapter.E(adapter.CodeApplyError, "begin transaction", err)
	}
	defer tx.Rollback()

	applied := 0
	for _, d := range remote {
		// Merge the remote timestamp so subsequent local writes order
		// after everything we have seen.
		if _, err := s.clock.Update(d.HLC); err != nil {
			slog.Warn("remote delta beyond drift bound, skipping",
				"component", "localdb",
				"action", "apply_drop",
				"delta_id", d.DeltaID,
				"error", err,
			)
			continue
		}

		changed, err := s.applyRemoteTx(ctx, tx, d)
		if err != nil {
			return 0, adapter.E(adapter.CodeApplyError, fmt.Sprintf("apply %s", d.DeltaID), err)
		}
		if changed {
			applied++
		}
		if err := s.ackSupersededTx(ctx, tx, d); err != nil {
			return 0, adapter.E(adapter.CodeApplyError, fmt.Sprintf("ack superseded for %s", d.DeltaID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, adapter.E(adapter.CodeApplyError, "commit transaction", err)
	}
	return applied, nil
}

// applyRemoteTx applies one remote delta under LWW. Reports whether any
// local state changed.
func (s *Store) applyRemoteTx(ctx context.Context, tx *sql.Tx, d delta.RowDelta) (bool, error) {
	columnStates, err := columnStatesTx(ctx, tx, d.Table, d.RowID)
	if err != nil {
		return false, err
	}

	if d.Op == delta.OpDelete {
		// A delete wins only against rows whose every column is older.
		for _, state := range columnStates {
			if !delta.Wins(d.HLC, d.ClientID, state.HLC, state.ClientID) {
				return false, nil
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM local_rows WHERE table_name = ? AND row_id = ?`, d.Table, d.RowID); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM local_columns WHERE table_name = ? AND row_id = ?`, d.Table, d.RowID); err != nil {
			return false, err
		}
		return len(columnStates) > 0, nil
	}

	fields := make(map[string]any)
	var data string
	rowExists := true
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM local_rows WHERE table_name = ? AND row_id = ?`,
		d.Table, d.RowID).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		rowExists = false
	case err != nil:
		return false, err
	default:
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return false, err
		}
	}

	changed := false
	for _, col := range d.Columns {
		current, exists := columnStates[col.Column]
		if exists && !delta.Wins(d.HLC, d.ClientID, current.HLC, current.ClientID) {
			continue // local column is newer; remote loses here
		}
		fields[col.Column] = col.Value
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO local_columns (table_name, row_id, column_name, hlc, client_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(table_name, row_id, column_name) DO UPDATE SET
				hlc = excluded.hlc, client_id = excluded.client_id`,
			d.Table, d.RowID, col.Column, int64(d.HLC), d.ClientID); err != nil {
			return false, err
		}
		changed = true
	}

	if !changed && rowExists {
		return false, nil
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO local_rows (table_name, row_id, data) VALUES (?, ?, ?)
		ON CONFLICT(table_name, row_id) DO UPDATE SET data = excluded.data`,
		d.Table, d.RowID, string(encoded)); err != nil {
		return false, err
	}
	return true, nil
}

type columnState struct {
	HLC      hlc.Timestamp
	ClientID string
}

func columnStatesTx(ctx context.Context, tx *sql.Tx, table, rowID string) (map[string]columnState, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT column_name, hlc, client_id FROM local_columns WHERE table_name = ? AND row_id = ?`,
		table, rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]columnState)
	for rows.Next() {
		var (
			name     string
			hlcValue int64
			clientID string
		)
		if err := rows.Scan(&name, &hlcValue, &clientID); err != nil {
			return nil, err
		}
		states[name] = columnState{HLC: hlc.Timestamp(hlcValue), ClientID: clientID}
	}
	return states, rows.Err()
}

// ackSupersededTx drops pending local deltas for the same row that a
// newer remote delta has fully overtaken: every column of the pending
// delta must lose to the remote write (deletes overtake everything
// older).
func (s *Store) ackSupersededTx(ctx context.Context, tx *sql.Tx, remote delta.RowDelta) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT delta_id, payload FROM pending_deltas WHERE table_name = ? AND row_id = ? AND hlc < ?`,
		remote.Table, remote.RowID, int64(remote.HLC))
	if err != nil {
		return err
	}
	defer rows.Close()

	var superseded []string
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		var pending delta.RowDelta
		if err := json.Unmarshal([]byte(payload), &pending); err != nil {
			return err
		}
		if pendingSuperseded(pending, remote) {
			superseded = append(superseded, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range superseded {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_deltas WHERE delta_id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

func pendingSuperseded(pending, remote delta.RowDelta) bool {
	if !delta.Wins(remote.HLC, remote.ClientID, pending.HLC, pending.ClientID) {
		return false
	}
	if remote.Op == delta.OpDelete {
		return true
	}
	remoteCols := make(map[string]bool, len(remote.Columns))
	for _, col := range remote.Columns {
		remoteCols[col.Column] = true
	}
	for _, col := range pending.Columns {
		if !remoteCols[col.Column] {
			return false
		}
	}
	return len(pending.Columns) > 0
}
