package parquet

import (
	"reflect"
	"testing"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/schema"
)

func testSchema() schema.TableSchema {
	return schema.TableSchema{
		Table: "todos",
		Columns: []schema.Column{
			{Name: "title", Type: schema.TypeString},
			{Name: "done", Type: schema.TypeBoolean},
			{Name: "count", Type: schema.TypeNumber},
			{Name: "tags", Type: schema.TypeJSON},
		},
	}
}

func TestWriteReadDeltas_RoundTrip(t *testing.T) {
	deltas := []delta.RowDelta{
		delta.New(delta.OpInsert, "todos", "1", "client-a", hlc.Encode(1000, 0), []delta.ColumnDelta{
			{Column: "a", Value: true},
			{Column: "b", Value: nil},
			{Column: "title", Value: "x"},
			{Column: "count", Value: 3.5},
			{Column: "tags", Value: map[string]any{"k": "v"}},
		}),
		delta.New(delta.OpDelete, "todos", "2", "client-b", hlc.Encode(1001, 2), nil),
	}

	data, err := WriteDeltas(deltas, []schema.TableSchema{testSchema()})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	back, err := ReadDeltas(data)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(back) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(back))
	}

	first := back[0]
	if first.DeltaID != deltas[0].DeltaID {
		t.Errorf("deltaId mismatch: %s vs %s", first.DeltaID, deltas[0].DeltaID)
	}
	if first.HLC != hlc.Encode(1000, 0) {
		t.Errorf("hlc mismatch: %d", first.HLC)
	}
	if len(first.Columns) != 5 {
		t.Fatalf("expected 5 columns, got %d", len(first.Columns))
	}
	// Booleans and explicit nulls survive the trip exactly.
	if first.Columns[0].Value != true {
		t.Errorf("bool column lost: %v", first.Columns[0].Value)
	}
	if first.Columns[1].Value != nil {
		t.Errorf("null column lost: %v", first.Columns[1].Value)
	}
	if !reflect.DeepEqual(first.Columns[4].Value, map[string]any{"k": "v"}) {
		t.Errorf("json column lost: %v", first.Columns[4].Value)
	}

	second := back[1]
	if second.Op != delta.OpDelete || len(second.Columns) != 0 {
		t.Errorf("delete not preserved: %+v", second)
	}
}

func TestWriteDeltas_EmptyBatch(t *testing.T) {
	data, err := WriteDeltas(nil, nil)
	if err != nil {
		t.Fatalf("write empty: %v", err)
	}
	back, err := ReadDeltas(data)
	if err != nil {
		t.Fatalf("read empty: %v", err)
	}
	if len(back) != 0 {
		t.Errorf("expected 0 deltas, got %d", len(back))
	}
}

func TestBoolColumnsMetadata(t *testing.T) {
	deltas := []delta.RowDelta{
		delta.New(delta.OpInsert, "todos", "1", "c", hlc.Encode(1, 0),
			[]delta.ColumnDelta{{Column: "done", Value: true}}),
	}
	data, err := WriteDeltas(deltas, []schema.TableSchema{testSchema()})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	meta, err := BoolColumnsFromMeta(data)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if !reflect.DeepEqual(meta["todos"], []string{"done"}) {
		t.Errorf("expected done listed for todos, got %v", meta)
	}
}

func TestWriteReadState_RoundTrip(t *testing.T) {
	ts := testSchema()
	rows := []StateRow{
		{RowID: "1", HLC: hlc.Encode(500, 1), Values: map[string]any{
			"title": "first",
			"done":  true,
			"count": 2.5,
			"tags":  map[string]any{"a": 1.0},
		}},
		{RowID: "100:200", HLC: hlc.Encode(600, 0), Values: map[string]any{
			"title": "composite-key",
			"done":  false,
		}},
	}

	data, err := WriteState(ts, rows)
	if err != nil {
		t.Fatalf("write state: %v", err)
	}

	back, err := ReadState(data, ts)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if len(back) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(back))
	}

	byID := map[string]StateRow{}
	for _, r := range back {
		byID[r.RowID] = r
	}

	first := byID["1"]
	if first.HLC != hlc.Encode(500, 1) {
		t.Errorf("hlc mismatch: %d", first.HLC)
	}
	if first.Values["done"] != true {
		t.Errorf("bool not decoded: %v", first.Values["done"])
	}
	if first.Values["count"] != 2.5 {
		t.Errorf("number not decoded: %v", first.Values["count"])
	}
	if !reflect.DeepEqual(first.Values["tags"], map[string]any{"a": 1.0}) {
		t.Errorf("json not decoded: %v", first.Values["tags"])
	}

	second := byID["100:200"]
	if second.Values["done"] != false {
		t.Errorf("false bool not decoded: %v", second.Values["done"])
	}
	if _, present := second.Values["count"]; present {
		t.Error("absent column must stay absent")
	}
}

func TestWriteState_NullColumn(t *testing.T) {
	ts := testSchema()
	rows := []StateRow{{RowID: "1", HLC: hlc.Encode(1, 0), Values: map[string]any{
		"title": "only-title",
	}}}

	data, err := WriteState(ts, rows)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := ReadState(data, ts)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, present := back[0].Values["done"]; present {
		t.Error("null bool must decode as absent")
	}
	if back[0].Values["title"] != "only-title" {
		t.Errorf("string lost: %v", back[0].Values["title"])
	}
}
