package delta

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperengineering/lakesync/internal/hlc"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"b": 1.0, "a": 2.0, "c": nil})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"a":2,"b":1,"c":null}`
	if string(got) != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCanonicalJSON_NestedStable(t *testing.T) {
	v := map[string]any{
		"outer": map[string]any{"z": "last", "a": "first"},
		"list":  []any{map[string]any{"y": 1.0, "x": 2.0}},
	}
	first, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	second, _ := CanonicalJSON(v)
	if string(first) != string(second) {
		t.Error("canonical encoding not deterministic")
	}
	if !strings.Contains(string(first), `{"a":"first","z":"last"}`) {
		t.Errorf("nested keys not sorted: %s", first)
	}
}

func TestCanonicalJSON_RawMessage(t *testing.T) {
	got, err := CanonicalJSON(json.RawMessage(`{"b":1,"a":2}`))
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(got) != `{"a":2,"b":1}` {
		t.Errorf("raw message not canonicalised: %s", got)
	}
}

func TestComputeDeltaID_ContentFunction(t *testing.T) {
	ts := hlc.Encode(1000, 0)
	cols := []ColumnDelta{{Column: "title", Value: "x"}}

	a := ComputeDeltaID("client-a", ts, "todos", "1", cols)
	b := ComputeDeltaID("client-a", ts, "todos", "1", cols)
	if a != b {
		t.Error("equal inputs produced different ids")
	}
	if len(a) != 64 {
		t.Errorf("expected 64-hex id, got %d chars", len(a))
	}
	if a != strings.ToLower(a) {
		t.Error("id not lowercase hex")
	}

	c := ComputeDeltaID("client-b", ts, "todos", "1", cols)
	if a == c {
		t.Error("different clientId produced identical id")
	}
	d := ComputeDeltaID("client-a", hlc.Encode(1000, 1), "todos", "1", cols)
	if a == d {
		t.Error("different hlc produced identical id")
	}
}

func TestNew_StampsID(t *testing.T) {
	ts := hlc.Encode(2000, 5)
	d := New(OpUpdate, "todos", "7", "client-a", ts, []ColumnDelta{{Column: "done", Value: true}})
	if d.DeltaID != ComputeDeltaID("client-a", ts, "todos", "7", d.Columns) {
		t.Error("DeltaID does not match recomputed content hash")
	}
	if err := d.Validate(); err != nil {
		t.Errorf("valid delta rejected: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	ts := hlc.Encode(1, 0)
	cases := []struct {
		name string
		d    RowDelta
	}{
		{"missing id", RowDelta{Op: OpInsert, Table: "t", RowID: "1", ClientID: "c", HLC: ts}},
		{"bad op", RowDelta{DeltaID: "x", Op: "UPSERT", Table: "t", RowID: "1", ClientID: "c", HLC: ts}},
		{"missing table", RowDelta{DeltaID: "x", Op: OpInsert, RowID: "1", ClientID: "c", HLC: ts}},
		{"missing row", RowDelta{DeltaID: "x", Op: OpInsert, Table: "t", ClientID: "c", HLC: ts}},
		{"missing client", RowDelta{DeltaID: "x", Op: OpInsert, Table: "t", RowID: "1", HLC: ts}},
		{"delete with columns", RowDelta{DeltaID: "x", Op: OpDelete, Table: "t", RowID: "1", ClientID: "c", HLC: ts,
			Columns: []ColumnDelta{{Column: "a", Value: 1.0}}}},
	}
	for _, tc := range cases {
		if err := tc.d.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestExtract_BothNil(t *testing.T) {
	if _, ok := Extract(nil, nil, ExtractContext{Table: "t", RowID: "1", ClientID: "c"}); ok {
		t.Error("expected no delta for nil/nil")
	}
}

func TestExtract_Insert(t *testing.T) {
	after := map[string]any{"title": "x", "done": false, "note": nil}
	d, ok := Extract(nil, after, ExtractContext{Table: "todos", RowID: "1", ClientID: "c", HLC: hlc.Encode(10, 0)})
	if !ok {
		t.Fatal("expected delta")
	}
	if d.Op != OpInsert {
		t.Errorf("expected INSERT, got %s", d.Op)
	}
	if len(d.Columns) != 3 {
		t.Fatalf("expected 3 columns including the null, got %d", len(d.Columns))
	}
	// Lexicographic order: done, note, title.
	if d.Columns[0].Column != "done" || d.Columns[1].Column != "note" || d.Columns[2].Column != "title" {
		t.Errorf("columns not sorted: %+v", d.Columns)
	}
	if d.Columns[1].Value != nil {
		t.Error("null value not preserved")
	}
}

func TestExtract_Delete(t *testing.T) {
	before := map[string]any{"title": "x"}
	d, ok := Extract(before, nil, ExtractContext{Table: "todos", RowID: "1", ClientID: "c", HLC: hlc.Encode(10, 0)})
	if !ok {
		t.Fatal("expected delta")
	}
	if d.Op != OpDelete {
		t.Errorf("expected DELETE, got %s", d.Op)
	}
	if len(d.Columns) != 0 {
		t.Errorf("DELETE must carry no columns, got %d", len(d.Columns))
	}
}

func TestExtract_UpdateChangedOnly(t *testing.T) {
	before := map[string]any{"title": "x", "done": false, "count": 1.0}
	after := map[string]any{"title": "y", "done": false, "count": 1.0}
	d, ok := Extract(before, after, ExtractContext{Table: "todos", RowID: "1", ClientID: "c", HLC: hlc.Encode(10, 0)})
	if !ok {
		t.Fatal("expected delta")
	}
	if d.Op != OpUpdate {
		t.Errorf("expected UPDATE, got %s", d.Op)
	}
	if len(d.Columns) != 1 || d.Columns[0].Column != "title" {
		t.Errorf("expected only title to change, got %+v", d.Columns)
	}
}

func TestExtract_UpdateDeepEquality(t *testing.T) {
	before := map[string]any{"tags": map[string]any{"a": 1.0, "b": 2.0}}
	after := map[string]any{"tags": map[string]any{"b": 2.0, "a": 1.0}}
	if _, ok := Extract(before, after, ExtractContext{Table: "t", RowID: "1", ClientID: "c"}); ok {
		t.Error("structurally equal nested values should produce no delta")
	}
}

func TestExtract_NoDifferences(t *testing.T) {
	rec := map[string]any{"title": "x"}
	if _, ok := Extract(rec, map[string]any{"title": "x"}, ExtractContext{Table: "t", RowID: "1", ClientID: "c"}); ok {
		t.Error("identical records should produce no delta")
	}
}

func TestExtract_NullBecomesValue(t *testing.T) {
	before := map[string]any{"note": "text"}
	after := map[string]any{"note": nil}
	d, ok := Extract(before, after, ExtractContext{Table: "t", RowID: "1", ClientID: "c", HLC: hlc.Encode(5, 0)})
	if !ok {
		t.Fatal("expected delta when value becomes null")
	}
	if len(d.Columns) != 1 || d.Columns[0].Value != nil {
		t.Errorf("expected null-valued column, got %+v", d.Columns)
	}
}

func TestResolve_HigherHLCWins(t *testing.T) {
	current := &ColumnState{Value: "old", HLC: hlc.Encode(100, 0), ClientID: "a"}
	incoming := ColumnState{Value: "new", HLC: hlc.Encode(101, 0), ClientID: "b"}
	winner := Resolve(current, incoming)
	if winner.Value != "new" {
		t.Errorf("expected incoming to win, got %v", winner.Value)
	}
}

func TestResolve_LowerHLCLoses(t *testing.T) {
	current := &ColumnState{Value: "kept", HLC: hlc.Encode(200, 0), ClientID: "a"}
	incoming := ColumnState{Value: "stale", HLC: hlc.Encode(150, 0), ClientID: "z"}
	winner := Resolve(current, incoming)
	if winner.Value != "kept" {
		t.Errorf("expected current to win, got %v", winner.Value)
	}
}

func TestResolve_EqualHLCClientTieBreak(t *testing.T) {
	ts := hlc.Encode(100, 0)
	current := &ColumnState{Value: "from-a", HLC: ts, ClientID: "client-a"}
	incoming := ColumnState{Value: "from-b", HLC: ts, ClientID: "client-b"}
	winner := Resolve(current, incoming)
	if winner.Value != "from-b" {
		t.Errorf("expected lexicographically greater client to win, got %v", winner.Value)
	}

	// The same pair in the opposite arrival order resolves identically.
	reversed := Resolve(&incoming, *current)
	if reversed.Value != "from-b" {
		t.Errorf("resolution not commutative: got %v", reversed.Value)
	}
}

func TestResolve_NilCurrent(t *testing.T) {
	incoming := ColumnState{Value: 1.0, HLC: hlc.Encode(1, 0), ClientID: "c"}
	if got := Resolve(nil, incoming); got.Value != 1.0 {
		t.Errorf("expected incoming on empty state, got %v", got.Value)
	}
}

func TestSortByHLC_Deterministic(t *testing.T) {
	ts := hlc.Encode(100, 0)
	deltas := []RowDelta{
		{DeltaID: "d2", ClientID: "b", HLC: ts},
		{DeltaID: "d3", ClientID: "a", HLC: hlc.Encode(101, 0)},
		{DeltaID: "d1", ClientID: "a", HLC: ts},
	}
	SortByHLC(deltas)
	order := []string{deltas[0].DeltaID, deltas[1].DeltaID, deltas[2].DeltaID}
	if order[0] != "d1" || order[1] != "d2" || order[2] != "d3" {
		t.Errorf("unexpected order: %v", order)
	}
}

func TestEstimateSize_Monotone(t *testing.T) {
	ts := hlc.Encode(1000, 0)
	small := New(OpUpdate, "t", "1", "c", ts, []ColumnDelta{{Column: "a", Value: "x"}})
	large := New(OpUpdate, "t", "1", "c", ts, []ColumnDelta{
		{Column: "a", Value: strings.Repeat("x", 256)},
		{Column: "b", Value: strings.Repeat("y", 256)},
	})
	if EstimateSize(small) <= 0 {
		t.Error("estimate must be positive")
	}
	if EstimateSize(large) <= EstimateSize(small) {
		t.Error("estimate not monotone in content size")
	}
}

func TestRowDelta_JSONWireFormat(t *testing.T) {
	d := New(OpInsert, "todos", "100:200", "c1", hlc.Encode(1700000000000, 3),
		[]ColumnDelta{{Column: "title", Value: "x"}})
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"hlc":"`) {
		t.Errorf("hlc must be a decimal string on the wire: %s", data)
	}
	var back RowDelta
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.DeltaID != d.DeltaID || back.HLC != d.HLC || back.RowID != "100:200" {
		t.Errorf("round trip mismatch: %+v", back)
	}
}
