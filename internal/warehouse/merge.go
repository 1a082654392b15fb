package warehouse

import (
	"sort"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// MergedRow is the current state of one row after replaying its delta
// history: the overlaid column values and the HLC of the last delta.
// Deleted marks rows whose history ends in a DELETE.
type MergedRow struct {
	RowID   string
	HLC     hlc.Timestamp
	Values  map[string]any
	Deleted bool
}

// MergeHistory replays one table's deltas in ascending hlc order into
// per-row current state. A DELETE clears everything accumulated so far;
// later writes resurrect the row with only their own columns. The
// result is keyed by row id.
func MergeHistory(history []delta.RowDelta) map[string]*MergedRow {
	sorted := make([]delta.RowDelta, len(history))
	copy(sorted, history)
	delta.SortByHLC(sorted)

	rows := make(map[string]*MergedRow)
	for _, d := range sorted {
		row, ok := rows[d.RowID]
		if !ok {
			row = &MergedRow{RowID: d.RowID}
			rows[d.RowID] = row
		}
		row.HLC = d.HLC

		if d.Op == delta.OpDelete {
			row.Values = nil
			row.Deleted = true
			continue
		}
		if row.Values == nil {
			row.Values = make(map[string]any)
		}
		row.Deleted = false
		for _, col := range d.Columns {
			row.Values[col.Column] = col.Value
		}
	}
	return rows
}

// PartitionMerged splits merged rows into live upserts and tombstoned
// row ids, each in deterministic row-id order.
func PartitionMerged(rows map[string]*MergedRow) (upserts []*MergedRow, tombstones []string) {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		row := rows[id]
		if row.Deleted {
			tombstones = append(tombstones, id)
			continue
		}
		upserts = append(upserts, row)
	}
	return upserts, tombstones
}

// ColumnsOf returns the sorted union of column names across the merged
// rows; the upsert statement is built once per table from this list.
func ColumnsOf(rows []*MergedRow) []string {
	seen := make(map[string]bool)
	for _, row := range rows {
		for col := range row.Values {
			seen[col] = true
		}
	}
	out := make([]string, 0, len(seen))
	for col := range seen {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}
