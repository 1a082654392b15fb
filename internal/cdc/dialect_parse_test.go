package cdc

import (
	"strings"
	"testing"

	"github.com/hyperengineering/lakesync/internal/delta"
)

func TestParseLSN_Compare(t *testing.T) {
	low, err := ParseLSN("0/16B3748")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	high, err := ParseLSN("0/16B3750")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if low >= high {
		t.Errorf("lsn ordering broken: %d vs %d", low, high)
	}

	wrapped, err := ParseLSN("1/0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if wrapped <= high {
		t.Error("high word must dominate")
	}
}

func TestParseLSN_Malformed(t *testing.T) {
	for _, bad := range []string{"", "123", "x/y", "0/"} {
		if _, err := ParseLSN(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseWal2JSON_Insert(t *testing.T) {
	payload := `{"change":[{
		"kind":"insert","schema":"public","table":"todos",
		"columnnames":["id","title","done"],
		"columntypes":["integer","text","boolean"],
		"columnvalues":[7,"hello",true]
	}]}`
	changes, err := ParseWal2JSON([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	c := changes[0]
	if c.Kind != KindInsert || c.Table != "todos" {
		t.Errorf("wrong identity: %+v", c)
	}
	// No oldkeys on insert: first column is the row id.
	if c.RowID != "7" {
		t.Errorf("expected first-column row id, got %q", c.RowID)
	}
	if len(c.Columns) != 3 || c.Columns[1].Value != "hello" || c.Columns[2].Value != true {
		t.Errorf("columns wrong: %+v", c.Columns)
	}
}

func TestParseWal2JSON_UpdateUsesOldKeys(t *testing.T) {
	payload := `{"change":[{
		"kind":"update","schema":"public","table":"todos",
		"columnnames":["id","title"],
		"columnvalues":[7,"renamed"],
		"oldkeys":{"keynames":["id"],"keyvalues":[7]}
	}]}`
	changes, err := ParseWal2JSON([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if changes[0].RowID != "7" {
		t.Errorf("row id must come from oldkeys: %q", changes[0].RowID)
	}
}

func TestParseWal2JSON_CompositeKeyDelete(t *testing.T) {
	payload := `{"change":[{
		"kind":"delete","schema":"public","table":"order_items",
		"oldkeys":{"keynames":["order_id","item_id"],"keyvalues":[100,200]}
	}]}`
	changes, err := ParseWal2JSON([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if changes[0].RowID != "100:200" {
		t.Errorf("composite key must be colon-joined: %q", changes[0].RowID)
	}
	if len(changes[0].Columns) != 0 {
		t.Error("delete must carry no columns")
	}
}

func TestParseWal2JSON_SkipsUnknownKinds(t *testing.T) {
	payload := `{"change":[{"kind":"truncate","schema":"public","table":"todos"}]}`
	changes, err := ParseWal2JSON([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("truncate must be skipped, got %+v", changes)
	}
}

func TestParseWal2JSON_NullValue(t *testing.T) {
	payload := `{"change":[{
		"kind":"insert","schema":"public","table":"todos",
		"columnnames":["id","note"],
		"columnvalues":[1,null]
	}]}`
	changes, err := ParseWal2JSON([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if changes[0].Columns[1].Value != nil {
		t.Errorf("null must survive: %v", changes[0].Columns[1].Value)
	}
}

func TestTriggerStatements_Shape(t *testing.T) {
	columns := []mysqlColumn{{name: "id", dataType: "int"}, {name: "title", dataType: "varchar"}}
	stmts := TriggerStatements("todos", columns, []string{"id"})

	if len(stmts) != 6 { // drop+create per operation
		t.Fatalf("expected 6 statements, got %d", len(stmts))
	}
	all := strings.Join(stmts, "\n")
	for _, want := range []string{
		"AFTER INSERT ON `todos`",
		"AFTER UPDATE ON `todos`",
		"AFTER DELETE ON `todos`",
		"JSON_OBJECT('column', 'title', 'value', NEW.`title`)",
		"'delete', NULL",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("missing %q in trigger DDL", want)
		}
	}
	// UPDATE identifies the row by the OLD image.
	updateStmt := stmts[3]
	if !strings.Contains(updateStmt, "OLD.`id`") {
		t.Errorf("update trigger must key on OLD image: %s", updateStmt)
	}
}

func TestTriggerStatements_CompositeKey(t *testing.T) {
	stmts := TriggerStatements("order_items", []mysqlColumn{{name: "order_id"}, {name: "item_id"}},
		[]string{"order_id", "item_id"})
	all := strings.Join(stmts, "\n")
	if !strings.Contains(all, "CONCAT_WS(':', CAST(NEW.`order_id` AS CHAR), CAST(NEW.`item_id` AS CHAR))") {
		t.Errorf("composite key expression missing:\n%s", all)
	}
}

func TestMapCDCRecord_Operations(t *testing.T) {
	pk := []string{"id"}

	insert, ok, err := MapCDCRecord("todos", map[string]any{
		"__$operation": int64(2), "id": 1.0, "title": "x",
	}, pk)
	if err != nil || !ok {
		t.Fatalf("insert mapping failed: %v ok=%v", err, ok)
	}
	if insert.Kind != KindInsert || insert.RowID != "1" {
		t.Errorf("insert wrong: %+v", insert)
	}
	if len(insert.Columns) != 2 {
		t.Errorf("meta columns must be stripped: %+v", insert.Columns)
	}

	del, ok, err := MapCDCRecord("todos", map[string]any{
		"__$operation": int64(1), "id": 1.0, "title": "x",
	}, pk)
	if err != nil || !ok {
		t.Fatalf("delete mapping failed: %v", err)
	}
	if del.Kind != KindDelete || len(del.Columns) != 0 {
		t.Errorf("delete wrong: %+v", del)
	}

	// Update before-image is skipped entirely.
	_, ok, err = MapCDCRecord("todos", map[string]any{"__$operation": int64(3), "id": 1.0}, pk)
	if err != nil || ok {
		t.Errorf("before-image must be skipped: ok=%v err=%v", ok, err)
	}

	upd, ok, _ := MapCDCRecord("todos", map[string]any{"__$operation": int64(4), "id": 1.0, "title": "y"}, pk)
	if !ok || upd.Kind != KindUpdate {
		t.Errorf("update wrong: %+v", upd)
	}
}

func TestMapCDCRecord_CompositeKey(t *testing.T) {
	c, ok, err := MapCDCRecord("order_items", map[string]any{
		"__$operation": int64(2), "order_id": 100.0, "item_id": 200.0,
	}, []string{"order_id", "item_id"})
	if err != nil || !ok {
		t.Fatalf("mapping failed: %v", err)
	}
	if c.RowID != "100:200" {
		t.Errorf("composite row id wrong: %q", c.RowID)
	}
}

func TestCursor_JSONRoundTrip(t *testing.T) {
	c := EncodeCursor(pgCursor{LSN: "0/16B3748"})
	var back pgCursor
	if err := DecodeCursor(c, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.LSN != "0/16B3748" {
		t.Errorf("cursor mangled: %+v", back)
	}
}

func TestKindOpMapping(t *testing.T) {
	cases := map[Kind]delta.Op{
		KindInsert: delta.OpInsert,
		KindUpdate: delta.OpUpdate,
		KindDelete: delta.OpDelete,
	}
	for kind, want := range cases {
		got, ok := kind.op()
		if !ok || got != want {
			t.Errorf("%s mapped to %s", kind, got)
		}
	}
	if _, ok := Kind("truncate").op(); ok {
		t.Error("unknown kinds must not map")
	}
}
