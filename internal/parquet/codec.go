// Package parquet serialises delta batches and materialised row state
// to Snappy-compressed Parquet and back.
package parquet

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/segmentio/parquet-go"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// MetaBoolColumns is the file metadata key recording which columns are
// boolean-typed. Parquet state files store booleans as int8, so readers
// need the original types to decode 1/0/null back to true/false/null.
const MetaBoolColumns = "lakesync:bool_columns"

// deltaRow is the fixed Parquet schema for delta batches: one row per
// RowDelta, column changes carried as canonical JSON text.
type deltaRow struct {
	DeltaID  string `parquet:"deltaId,snappy"`
	Op       string `parquet:"op,snappy"`
	Table    string `parquet:"table,snappy"`
	RowID    string `parquet:"rowId,snappy"`
	ClientID string `parquet:"clientId,snappy"`
	HLC      int64  `parquet:"hlc,snappy"`
	Columns  string `parquet:"columns,snappy"`
}

// WriteDeltas encodes a batch into a single Parquet file. The schemas
// are consulted only for the bool-column metadata entry; deltas for
// unknown tables are still written.
func WriteDeltas(deltas []delta.RowDelta, schemas []schema.TableSchema) ([]byte, error) {
	rows := make([]deltaRow, len(deltas))
	for i, d := range deltas {
		cols, err := delta.CanonicalJSON(columnsAsAny(d.Columns))
		if err != nil {
			return nil, fmt.Errorf("encode columns for %s: %w", d.DeltaID, err)
		}
		rows[i] = deltaRow{
			DeltaID:  d.DeltaID,
			Op:       string(d.Op),
			Table:    d.Table,
			RowID:    d.RowID,
			ClientID: d.ClientID,
			HLC:      int64(d.HLC),
			Columns:  string(cols),
		}
	}

	meta, err := boolColumnsMeta(schemas)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[deltaRow](&buf,
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(MetaBoolColumns, meta),
	)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadDeltas decodes a file produced by WriteDeltas.
func ReadDeltas(data []byte) ([]delta.RowDelta, error) {
	rows, err := parquet.Read[deltaRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}

	out := make([]delta.RowDelta, len(rows))
	for i, r := range rows {
		columns, err := decodeColumns(r.Columns)
		if err != nil {
			return nil, fmt.Errorf("decode columns for %s: %w", r.DeltaID, err)
		}
		out[i] = delta.RowDelta{
			DeltaID:  r.DeltaID,
			Op:       delta.Op(r.Op),
			Table:    r.Table,
			RowID:    r.RowID,
			ClientID: r.ClientID,
			HLC:      hlc.Timestamp(r.HLC),
			Columns:  columns,
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

func decodeColumns(encoded string) ([]delta.ColumnDelta, error) {
	if encoded == "" || encoded == "[]" {
		return nil, nil
	}
	var columns []delta.ColumnDelta
	if err := json.Unmarshal([]byte(encoded), &columns); err != nil {
		return nil, err
	}
	return columns, nil
}

// boolColumnsMeta encodes a table → bool-column-names map for the
// metadata entry.
func boolColumnsMeta(schemas []schema.TableSchema) (string, error) {
	byTable := make(map[string][]string)
	for _, s := range schemas {
		if cols := s.BoolColumns(); len(cols) > 0 {
			byTable[s.Source()] = cols
		}
	}
	encoded, err := json.Marshal(byTable)
	if err != nil {
		return "", fmt.Errorf("encode bool column metadata: %w", err)
	}
	return string(encoded), nil
}

// BoolColumnsFromMeta reads the MetaBoolColumns entry from a Parquet
// file, returning an empty map when the entry is absent.
func BoolColumnsFromMeta(data []byte) (map[string][]string, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	raw, ok := f.Lookup(MetaBoolColumns)
	if !ok || raw == "" {
		return map[string][]string{}, nil
	}
	var byTable map[string][]string
	if err := json.Unmarshal([]byte(raw), &byTable); err != nil {
		return nil, fmt.Errorf("decode bool column metadata: %w", err)
	}
	return byTable, nil
}
