package delta

import (
	"sort"

	"github.com/hyperengineering/lakesync/internal/hlc"
)

// ExtractContext identifies the row and producer a before/after pair
// belongs to.
type ExtractContext struct {
	Table    string
	RowID    string
	ClientID string
	HLC      hlc.Timestamp
}

// Extract diffs a before/after record pair into a column-level delta.
//
//   - both nil: no change, returns ok=false.
//   - before nil: INSERT carrying every field of after, nulls included.
//   - after nil: DELETE with no columns.
//   - both set: UPDATE carrying only columns whose value changed by deep
//     structural equality; identical records return ok=false.
//
// Columns are emitted in lexicographic name order so the same pair
// always produces the same delta id.
func Extract(before, after map[string]any, ctx ExtractContext) (RowDelta, bool) {
	switch {
	case before == nil && after == nil:
		return RowDelta{}, false

	case before == nil:
		columns := make([]ColumnDelta, 0, len(after))
		for _, name := range sortedKeys(after) {
			columns = append(columns, ColumnDelta{Column: name, Value: after[name]})
		}
		return New(OpInsert, ctx.Table, ctx.RowID, ctx.ClientID, ctx.HLC, columns), true

	case after == nil:
		return New(OpDelete, ctx.Table, ctx.RowID, ctx.ClientID, ctx.HLC, nil), true
	}

	var columns []ColumnDelta
	for _, name := range sortedKeys(after) {
		prev, existed := before[name]
		next := after[name]
		if existed && valuesEqual(prev, next) {
			continue
		}
		columns = append(columns, ColumnDelta{Column: name, Value: next})
	}
	if len(columns) == 0 {
		return RowDelta{}, false
	}
	return New(OpUpdate, ctx.Table, ctx.RowID, ctx.ClientID, ctx.HLC, columns), true
}

func sortedKeys(record map[string]any) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
