package warehouse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/parquet"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// DefaultStatePrefix is where materialised table state lives in the
// lake.
const DefaultStatePrefix = "materialised"

// ParquetMaterialiser projects deltas into per-table current-state
// Parquet files on a lake adapter: one file per table at
// <prefix>/<table>/current.parquet, rewritten on every materialisation
// by merging the incoming batch over the previously written state.
type ParquetMaterialiser struct {
	lake   adapter.LakeAdapter
	prefix string
}

// NewParquetMaterialiser builds a lake materialiser. An empty prefix
// uses DefaultStatePrefix.
func NewParquetMaterialiser(lake adapter.LakeAdapter, prefix string) *ParquetMaterialiser {
	if prefix == "" {
		prefix = DefaultStatePrefix
	}
	return &ParquetMaterialiser{lake: lake, prefix: prefix}
}

func (m *ParquetMaterialiser) stateKey(table string) string {
	return fmt.Sprintf("%s/%s/current.parquet", m.prefix, table)
}

// Materialise merges the batch into each table's current.parquet.
// Tables with no surviving rows skip the write.
func (m *ParquetMaterialiser) Materialise(ctx context.Context, deltas []delta.RowDelta, schemas []schema.TableSchema) error {
	if len(deltas) == 0 {
		return nil
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
		if err := m.materialiseTable(ctx, ts, group); err != nil {
			return adapter.E(adapter.CodeAdapterError, fmt.Sprintf("materialise %s", ts.Table), err)
		}
	}
	return nil
}

func (m *ParquetMaterialiser) materialiseTable(ctx context.Context, ts schema.TableSchema, group []delta.RowDelta) error {
	key := m.stateKey(ts.Table)

	// Start from the previously materialised state, if any.
	current := make(map[string]parquet.StateRow)
	if existing, err := m.lake.GetObject(ctx, key); err == nil && len(existing) > 0 {
		prior, err := parquet.ReadState(existing, ts)
		if err != nil {
			return fmt.Errorf("read prior state: %w", err)
		}
		for _, row := range prior {
			current[row.RowID] = row
		}
	}

	// Overlay the batch. A merged row replaces prior state only when
	// its history reaches at least as far; replays are therefore
	// no-ops.
	for rowID, merged := range MergeHistory(group) {
		prior, exists := current[rowID]
		if exists && merged.HLC < prior.HLC {
			continue
		}
		if merged.Deleted {
			delete(current, rowID)
			continue
		}
		values := merged.Values
		if exists && !merged.Deleted {
			// Columns untouched by this batch survive from the prior
			// state.
			combined := make(map[string]any, len(prior.Values)+len(values))
			for k, v := range prior.Values {
				combined[k] = v
			}
			for k, v := range values {
				combined[k] = v
			}
			values = combined
		}
		current[rowID] = parquet.StateRow{RowID: rowID, HLC: merged.HLC, Values: values}
	}

	if len(current) == 0 {
		slog.Info("no surviving rows, skipping state write",
			"component", "warehouse",
			"action", "materialise_skip",
			"table", ts.Table,
		)
		return nil
	}

	rows := make([]parquet.StateRow, 0, len(current))
	for _, row := range current {
		rows = append(rows, row)
	}
	data, err := parquet.WriteState(ts, rows)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := m.lake.PutObject(ctx, key, data, "application/octet-stream"); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	slog.Info("table state written",
		"component", "warehouse",
		"action", "materialise",
		"table", ts.Table,
		"rows", len(rows),
		"key", key,
	)
	return nil
}
