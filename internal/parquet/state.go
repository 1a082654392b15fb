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

// StateRow is one materialised row: the merged current values of a row
// together with the HLC of the last delta that touched it.
type StateRow struct {
	RowID  string
	HLC    hlc.Timestamp
	Values map[string]any
}

// WriteState encodes the current state of one table into a Parquet
// file. Booleans are stored as optional int8 (1/0/null) with the
// original column types recorded under MetaBoolColumns; json values are
// stored as canonical UTF-8 strings; the HLC is an int64 column.
func WriteState(ts schema.TableSchema, rows []StateRow) ([]byte, error) {
	group := parquet.Group{
		"row_id": parquet.String(),
		"hlc":    parquet.Int(64),
	}
	for _, col := range ts.Columns {
		group[col.Name] = stateNode(col.Type)
	}
	fileSchema := parquet.NewSchema(ts.Table, group)

	meta, err := boolColumnsMeta([]schema.TableSchema{ts})
	if err != nil {
		return nil, err
	}

	encoded := make([]map[string]any, len(rows))
	for i, row := range rows {
		record := map[string]any{
			"row_id": row.RowID,
			"hlc":    int64(row.HLC),
		}
		for _, col := range ts.Columns {
			value, ok := row.Values[col.Name]
			if !ok || value == nil {
				continue // optional column: absent means null
			}
			cell, err := stateCell(col, value)
			if err != nil {
				return nil, fmt.Errorf("row %s column %s: %w", row.RowID, col.Name, err)
			}
			record[col.Name] = cell
		}
		encoded[i] = record
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[map[string]any](&buf, fileSchema,
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(MetaBoolColumns, meta),
	)
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("write state rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close state writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadState decodes a file produced by WriteState, reversing the
// boolean and json encodings using the table schema.
func ReadState(data []byte, ts schema.TableSchema) ([]StateRow, error) {
	records, err := parquet.Read[map[string]any](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read state rows: %w", err)
	}

	rows := make([]StateRow, 0, len(records))
	for _, record := range records {
		row := StateRow{Values: make(map[string]any)}
		for key, raw := range record {
			switch key {
			case "row_id":
				row.RowID, _ = raw.(string)
			case "hlc":
				n, err := toInt64(raw)
				if err != nil {
					return nil, fmt.Errorf("decode hlc: %w", err)
				}
				row.HLC = hlc.Timestamp(n)
			default:
				col, ok := ts.Column(key)
				if !ok {
					continue
				}
				value, err := decodeStateCell(col, raw)
				if err != nil {
					return nil, fmt.Errorf("decode column %s: %w", key, err)
				}
				if value != nil {
					row.Values[key] = value
				}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func stateNode(t schema.ColumnType) parquet.Node {
	switch t {
	case schema.TypeBoolean:
		return parquet.Optional(parquet.Int(8))
	case schema.TypeNumber:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	default:
		// string, json and null-typed columns are all UTF-8 text.
		return parquet.Optional(parquet.String())
	}
}

func stateCell(col schema.Column, value any) (any, error) {
	switch col.Type {
	case schema.TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		if b {
			return int32(1), nil
		}
		return int32(0), nil
	case schema.TypeNumber:
		n, ok := value.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", value)
		}
		return n, nil
	case schema.TypeJSON:
		encoded, err := delta.CanonicalJSON(value)
		if err != nil {
			return nil, err
		}
		return string(encoded), nil
	default:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	}
}

func decodeStateCell(col schema.Column, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch col.Type {
	case schema.TypeBoolean:
		n, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		return n != 0, nil
	case schema.TypeNumber:
		f, ok := raw.(float64)
		if !ok {
			n, err := toInt64(raw)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %T", raw)
			}
			return float64(n), nil
		}
		return f, nil
	case schema.TypeJSON:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected json text, got %T", raw)
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	default:
		return raw, nil
	}
}

func toInt64(raw any) (int64, error) {
	switch n := raw.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}
