// Package e2e exercises the full sync path: local stores on two
// clients, the gateway's HTTP surface, flush to a lake adapter and
// materialised Parquet state.
package e2e

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/api"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/lake"
	"github.com/hyperengineering/lakesync/internal/localdb"
	"github.com/hyperengineering/lakesync/internal/parquet"
	"github.com/hyperengineering/lakesync/internal/schema"
	"github.com/hyperengineering/lakesync/internal/warehouse"
	"github.com/hyperengineering/lakesync/pkg/client"
)

var secret = []byte("e2e-secret")

type harness struct {
	srv  *httptest.Server
	gw   *gateway.Gateway
	lake adapter.LakeAdapter
}

type materialisingLake struct {
	adapter.LakeAdapter
	*warehouse.ParquetMaterialiser
}

func todoSchema() schema.TableSchema {
	return schema.TableSchema{
		Table: "todos",
		Columns: []schema.Column{
			{Name: "title", Type: schema.TypeString},
			{Name: "done", Type: schema.TypeNumber},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fs, err := lake.NewFSAdapter(t.TempDir())
	if err != nil {
		t.Fatalf("lake: %v", err)
	}
	sink := &materialisingLake{
		LakeAdapter:         fs,
		ParquetMaterialiser: warehouse.NewParquetMaterialiser(fs, ""),
	}

	gw, err := gateway.New(gateway.Config{
		GatewayID:      "gw-e2e",
		MaxBufferBytes: 1 << 20,
		MaxBufferAge:   time.Minute,
		FlushFormat:    gateway.FlushParquet,
		TableSchemas:   []schema.TableSchema{todoSchema()},
	}, secret, sink, gateway.WithParquetEncoder(parquet.WriteDeltas))
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(gw, "e2e")))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, gw: gw, lake: fs}
}

// newClient opens a local store plus a syncer for one simulated device.
func (h *harness) newClient(t *testing.T, clientID string, wallStart int64) (*localdb.Store, *client.Syncer) {
	t.Helper()
	wall := wallStart
	clock := hlc.NewClock(hlc.WithWallClock(func() int64 { wall++; return wall }))
	store, err := localdb.Open(filepath.Join(t.TempDir(), clientID+".db"), clientID, clock)
	if err != nil {
		t.Fatalf("open store for %s: %v", clientID, err)
	}
	t.Cleanup(func() { store.Close() })

	token, err := gateway.NewTokenIssuer(secret).Mint(clientID, "gw-e2e")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return store, client.NewSyncer(h.srv.URL, token, clientID, store)
}

func TestE2E_TwoClientColumnMerge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	storeA, syncA := h.newClient(t, "client-a", 1_000)
	storeB, syncB := h.newClient(t, "client-b", 1_000)
	storeC, syncC := h.newClient(t, "client-c", 1_000)

	// Both clients start from the same row.
	if _, err := storeA.InsertRow(ctx, "todos", "1", map[string]any{"title": "X", "done": 0.0}); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := syncA.Push(ctx); err != nil {
		t.Fatalf("push a: %v", err)
	}
	if _, err := syncB.Sync(ctx); err != nil {
		t.Fatalf("sync b: %v", err)
	}

	// A renames; B completes. (B's clock advanced past A's via sync.)
	if _, err := storeA.UpdateRow(ctx, "todos", "1", map[string]any{"title": "A"}); err != nil {
		t.Fatalf("update a: %v", err)
	}
	if _, err := storeB.UpdateRow(ctx, "todos", "1", map[string]any{"done": 1.0}); err != nil {
		t.Fatalf("update b: %v", err)
	}
	if _, err := syncA.Push(ctx); err != nil {
		t.Fatalf("push a: %v", err)
	}
	if _, err := syncB.Push(ctx); err != nil {
		t.Fatalf("push b: %v", err)
	}

	// A third client pulling from zero converges to the merged row.
	if _, err := syncC.Pull(ctx, 0); err != nil {
		t.Fatalf("pull c: %v", err)
	}
	row, err := storeC.GetRow(ctx, "todos", "1")
	if err != nil {
		t.Fatalf("get c: %v", err)
	}
	if row["title"] != "A" || row["done"] != 1.0 {
		t.Errorf("expected merged {title:A, done:1}, got %v", row)
	}
}

func TestE2E_SameColumnConflictDeterministic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	storeA, syncA := h.newClient(t, "client-a", 1_000)
	storeB, syncB := h.newClient(t, "client-b", 5_000) // B's clock runs ahead
	storeC, syncC := h.newClient(t, "client-c", 1_000)

	if _, err := storeA.InsertRow(ctx, "todos", "1", map[string]any{"title": "A"}); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := storeB.InsertRow(ctx, "todos", "1", map[string]any{"title": "B"}); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if _, err := syncA.Push(ctx); err != nil {
		t.Fatalf("push a: %v", err)
	}
	if _, err := syncB.Push(ctx); err != nil {
		t.Fatalf("push b: %v", err)
	}

	if _, err := syncC.Pull(ctx, 0); err != nil {
		t.Fatalf("pull c: %v", err)
	}
	row, _ := storeC.GetRow(ctx, "todos", "1")
	if row["title"] != "B" {
		t.Errorf("later writer must win: %v", row)
	}
}

func TestE2E_FlushMaterialisesParquetState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	storeA, syncA := h.newClient(t, "client-a", 1_000)
	if _, err := storeA.InsertRow(ctx, "todos", "1", map[string]any{"title": "ship it", "done": 0.0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := syncA.Push(ctx); err != nil {
		t.Fatalf("push: %v", err)
	}

	res, err := h.gw.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.DeltasFlushed != 1 {
		t.Fatalf("expected 1 flushed delta, got %d", res.DeltasFlushed)
	}

	// The delta object landed under the gateway prefix...
	keys, err := h.lake.ListObjects(ctx, "deltas/gw-e2e/")
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected one delta object: keys=%v err=%v", keys, err)
	}
	data, err := h.lake.GetObject(ctx, keys[0])
	if err != nil {
		t.Fatalf("read delta object: %v", err)
	}
	deltas, err := parquet.ReadDeltas(data)
	if err != nil || len(deltas) != 1 {
		t.Fatalf("delta object unreadable: %v (%d)", err, len(deltas))
	}

	// ...and materialised state followed.
	stateData, err := h.lake.GetObject(ctx, "materialised/todos/current.parquet")
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	rows, err := parquet.ReadState(stateData, todoSchema())
	if err != nil || len(rows) != 1 {
		t.Fatalf("state unreadable: %v (%d)", err, len(rows))
	}
	if rows[0].Values["title"] != "ship it" {
		t.Errorf("state wrong: %v", rows[0].Values)
	}

	// Buffer drained after flush.
	if stats := h.gw.BufferStats(); stats.LogSize != 0 {
		t.Errorf("buffer not empty after flush: %+v", stats)
	}
}

func TestE2E_PushAcksDrainPendingQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	storeA, syncA := h.newClient(t, "client-a", 1_000)
	if _, err := storeA.InsertRow(ctx, "todos", "1", map[string]any{"title": "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := storeA.UpdateRow(ctx, "todos", "1", map[string]any{"title": "y"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	stats, err := syncA.Push(ctx)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if stats.Pushed != 2 {
		t.Errorf("expected 2 pushed, got %d", stats.Pushed)
	}
	pending, _ := storeA.PendingDeltas(ctx)
	if len(pending) != 0 {
		t.Errorf("queue not drained: %d", len(pending))
	}

	// Re-pushing after a no-op sync is a no-op.
	stats, err = syncA.Push(ctx)
	if err != nil {
		t.Fatalf("re-push: %v", err)
	}
	if stats.Pushed != 0 {
		t.Errorf("empty queue must push nothing, got %d", stats.Pushed)
	}
}

func TestE2E_DeleteResurrect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	storeA, syncA := h.newClient(t, "client-a", 1_000)
	storeB, syncB := h.newClient(t, "client-b", 1_000)

	if _, err := storeA.InsertRow(ctx, "todos", "1", map[string]any{"title": "original", "done": 0.0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := storeA.DeleteRow(ctx, "todos", "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := storeA.InsertRow(ctx, "todos", "1", map[string]any{"title": "reborn"}); err != nil {
		t.Fatalf("resurrect: %v", err)
	}
	if _, err := syncA.Push(ctx); err != nil {
		t.Fatalf("push: %v", err)
	}

	if _, err := syncB.Pull(ctx, 0); err != nil {
		t.Fatalf("pull: %v", err)
	}
	row, _ := storeB.GetRow(ctx, "todos", "1")
	if row == nil {
		t.Fatal("resurrected row missing")
	}
	if row["title"] != "reborn" {
		t.Errorf("wrong resurrected value: %v", row)
	}
	if _, survived := row["done"]; survived {
		t.Errorf("pre-delete column must not survive resurrection: %v", row)
	}
}
