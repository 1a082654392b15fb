package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	results []FetchResult
	err     error
	calls   int
	lastCur string
}

func (f *scriptedFetcher) FetchSince(_ context.Context, updatedSince string) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCur = updatedSince
	if f.err != nil {
		return FetchResult{}, f.err
	}
	if len(f.results) == 0 {
		return FetchResult{UpdatedSince: updatedSince}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

type recordingPusher struct {
	mu      sync.Mutex
	batches [][]delta.RowDelta
	err     error
}

func (p *recordingPusher) PushDeltas(_ context.Context, deltas []delta.RowDelta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	copied := make([]delta.RowDelta, len(deltas))
	copy(copied, deltas)
	p.batches = append(p.batches, copied)
	return nil
}

func (p *recordingPusher) all() []delta.RowDelta {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []delta.RowDelta
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

func pollerClock() *hlc.Clock {
	wall := int64(1_000_000)
	return hlc.NewClock(hlc.WithWallClock(func() int64 { wall++; return wall }))
}

func newTestPoller(f Fetcher, p Pusher) *Poller {
	return New(Config{ClientID: "poller-test", Interval: 5 * time.Millisecond}, f, p, pollerClock())
}

func rec(table, id string, fields map[string]any) Record {
	return Record{Table: table, ID: id, Fields: fields}
}

func TestPoller_FirstFetchEmitsInserts(t *testing.T) {
	fetcher := &scriptedFetcher{results: []FetchResult{{
		Records: []Record{
			rec("issues", "J-1", map[string]any{"title": "first"}),
			rec("issues", "J-2", map[string]any{"title": "second"}),
		},
		UpdatedSince: "2026-01-01T00:00:00Z",
	}}}
	pusher := &recordingPusher{}
	p := newTestPoller(fetcher, pusher)

	p.poll(context.Background())

	got := pusher.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 inserts, got %d", len(got))
	}
	for _, d := range got {
		if d.Op != delta.OpInsert {
			t.Errorf("expected INSERT, got %s", d.Op)
		}
	}
	if p.Cursor().UpdatedSince != "2026-01-01T00:00:00Z" {
		t.Errorf("cursor not advanced: %+v", p.Cursor())
	}
}

func TestPoller_DiffEmitsOnlyChanges(t *testing.T) {
	fetcher := &scriptedFetcher{results: []FetchResult{
		{
			Records:      []Record{rec("issues", "J-1", map[string]any{"title": "a", "state": "open"})},
			UpdatedSince: "t1",
		},
		{
			Records:      []Record{rec("issues", "J-1", map[string]any{"title": "a", "state": "closed"})},
			UpdatedSince: "t2",
		},
	}}
	pusher := &recordingPusher{}
	p := newTestPoller(fetcher, pusher)

	p.poll(context.Background())
	p.poll(context.Background())

	got := pusher.all()
	if len(got) != 2 {
		t.Fatalf("expected insert then update, got %d deltas", len(got))
	}
	update := got[1]
	if update.Op != delta.OpUpdate {
		t.Fatalf("expected UPDATE, got %s", update.Op)
	}
	if len(update.Columns) != 1 || update.Columns[0].Column != "state" {
		t.Errorf("diff must include only the changed column: %+v", update.Columns)
	}
}

func TestPoller_UnchangedRecordNoDelta(t *testing.T) {
	same := map[string]any{"title": "a"}
	fetcher := &scriptedFetcher{results: []FetchResult{
		{Records: []Record{rec("issues", "J-1", same)}, UpdatedSince: "t1"},
		{Records: []Record{rec("issues", "J-1", same)}, UpdatedSince: "t2"},
	}}
	pusher := &recordingPusher{}
	p := newTestPoller(fetcher, pusher)

	p.poll(context.Background())
	p.poll(context.Background())

	if len(pusher.all()) != 1 {
		t.Errorf("unchanged record must emit nothing on the second cycle: %d", len(pusher.all()))
	}
	if p.Cursor().UpdatedSince != "t2" {
		t.Errorf("cursor must still advance on quiet cycles: %+v", p.Cursor())
	}
}

func TestPoller_SnapshotDetectsDeletes(t *testing.T) {
	fetcher := &scriptedFetcher{results: []FetchResult{
		{
			Records: []Record{
				rec("issues", "J-1", map[string]any{"title": "a"}),
				rec("issues", "J-2", map[string]any{"title": "b"}),
			},
			Snapshot:     true,
			UpdatedSince: "t1",
		},
		{
			Records:      []Record{rec("issues", "J-1", map[string]any{"title": "a"})},
			Snapshot:     true,
			UpdatedSince: "t2",
		},
	}}
	pusher := &recordingPusher{}
	p := newTestPoller(fetcher, pusher)

	p.poll(context.Background())
	p.poll(context.Background())

	var deletes []delta.RowDelta
	for _, d := range pusher.all() {
		if d.Op == delta.OpDelete {
			deletes = append(deletes, d)
		}
	}
	if len(deletes) != 1 || deletes[0].RowID != "J-2" {
		t.Errorf("expected delete for J-2, got %+v", deletes)
	}
	if _, exists := p.Cursor().Snapshots["issues"]["J-2"]; exists {
		t.Error("deleted record must leave the snapshot")
	}
}

func TestPoller_IncrementalAbsenceIsNotDelete(t *testing.T) {
	fetcher := &scriptedFetcher{results: []FetchResult{
		{Records: []Record{rec("issues", "J-1", map[string]any{"title": "a"})}, UpdatedSince: "t1"},
		{Records: nil, UpdatedSince: "t2"}, // incremental page: absence means no change
	}}
	pusher := &recordingPusher{}
	p := newTestPoller(fetcher, pusher)

	p.poll(context.Background())
	p.poll(context.Background())

	for _, d := range pusher.all() {
		if d.Op == delta.OpDelete {
			t.Errorf("incremental fetches must not infer deletes: %+v", d)
		}
	}
}

func TestPoller_PushFailureHoldsCursor(t *testing.T) {
	fetcher := &scriptedFetcher{results: []FetchResult{
		{Records: []Record{rec("issues", "J-1", map[string]any{"title": "a"})}, UpdatedSince: "t1"},
	}}
	pusher := &recordingPusher{err: errors.New("gateway down")}
	p := newTestPoller(fetcher, pusher)

	p.poll(context.Background())

	if p.Cursor().UpdatedSince != "" {
		t.Errorf("cursor advanced past an unpushed batch: %+v", p.Cursor())
	}
	if len(p.Cursor().Snapshots["issues"]) != 0 {
		t.Error("snapshot committed before push landed")
	}
}

func TestPoller_ChunkedPush(t *testing.T) {
	var records []Record
	for i := 0; i < 5; i++ {
		records = append(records, rec("issues", string(rune('a'+i)), map[string]any{"n": float64(i)}))
	}
	fetcher := &scriptedFetcher{results: []FetchResult{{Records: records, UpdatedSince: "t1"}}}
	pusher := &recordingPusher{}
	p := New(Config{ClientID: "c", Interval: time.Minute, ChunkSize: 2}, fetcher, pusher, pollerClock())

	p.poll(context.Background())

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if len(pusher.batches) != 3 { // 2+2+1
		t.Errorf("expected 3 chunks, got %d", len(pusher.batches))
	}
}

func TestPoller_RunLoopStops(t *testing.T) {
	fetcher := &scriptedFetcher{}
	p := newTestPoller(fetcher, &recordingPusher{})

	p.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fetcher.mu.Lock()
		calls := fetcher.calls
		fetcher.mu.Unlock()
		if calls >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	p.Stop()

	fetcher.mu.Lock()
	calls := fetcher.calls
	fetcher.mu.Unlock()
	if calls < 2 {
		t.Errorf("loop never polled: %d calls", calls)
	}
}

func TestRESTClient_HonoursRetryAfter(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewRESTClient(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	body, err := client.Do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("unexpected body %q", body)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRESTClient_SurfacesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewRESTClient(WithMaxRetries(1), WithBaseDelay(time.Millisecond))
	_, err := client.Do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if !adapter.IsCode(err, adapter.CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	var typed *adapter.Error
	if errors.As(err, &typed) && typed.RetryAfter != time.Second {
		t.Errorf("expected 1s retry-after, got %v", typed.RetryAfter)
	}
}

func TestRESTClient_ClientErrorNotRetried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewRESTClient(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	if _, err := client.Do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	}); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("4xx must not retry: %d attempts", attempts)
	}
}
