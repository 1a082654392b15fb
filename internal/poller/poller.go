// Package poller implements the API-based polling source: it fetches
// records from a remote API on an interval, diffs them against the
// previous snapshot and pushes the resulting deltas through the
// gateway's push contract. Connector-specific REST clients plug in as
// Fetchers; this package owns cursors, diffing and scheduling.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Record is one remote row in decoded-JSON form.
type Record struct {
	Table  string
	ID     string
	Fields map[string]any
}

// FetchResult is one page of remote records. Snapshot marks a complete
// listing: records missing from it (but present in the previous
// snapshot) are treated as deletions. UpdatedSince is the cursor to
// resume from.
type FetchResult struct {
	Records      []Record
	Snapshot     bool
	UpdatedSince string
}

// Fetcher is the connector-specific API client.
type Fetcher interface {
	FetchSince(ctx context.Context, updatedSince string) (FetchResult, error)
}

// Pusher is where extracted deltas go.
type Pusher interface {
	PushDeltas(ctx context.Context, deltas []delta.RowDelta) error
}

// Cursor is the poller's JSON-serialisable resume state: the remote
// updated-since watermark plus the per-table record snapshots the diff
// runs against.
type Cursor struct {
	UpdatedSince string                               `json:"updatedSince"`
	Snapshots    map[string]map[string]map[string]any `json:"snapshots"`
}

// Config configures one polling source.
type Config struct {
	ClientID     string
	Interval     time.Duration
	ChunkSize    int // max deltas per push; 0 means unchunked
	Cursor       *Cursor
}

// DefaultInterval is used when Config.Interval is unset.
const DefaultInterval = 30 * time.Second

// Poller drives a Fetcher on an interval.
type Poller struct {
	cfg     Config
	fetcher Fetcher
	pusher  Pusher
	clock   *hlc.Clock

	mu      sync.Mutex
	cursor  Cursor
	polling atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a fetcher to a pusher.
func New(cfg Config, fetcher Fetcher, pusher Pusher, clock *hlc.Clock) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if clock == nil {
		clock = hlc.NewClock()
	}
	cursor := Cursor{Snapshots: make(map[string]map[string]map[string]any)}
	if cfg.Cursor != nil {
		cursor = *cfg.Cursor
		if cursor.Snapshots == nil {
			cursor.Snapshots = make(map[string]map[string]map[string]any)
		}
	}
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		pusher:  pusher,
		clock:   clock,
		cursor:  cursor,
		done:    make(chan struct{}),
	}
}

// Cursor returns a copy of the resume state.
func (p *Poller) Cursor() Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Start launches the polling goroutine.
func (p *Poller) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx)
}

// Stop cancels the loop; an in-flight cycle completes first.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	slog.Info("worker started",
		"component", "poller",
		"worker", "api-poller",
		"action", "worker_started",
		"client_id", p.cfg.ClientID,
	)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "poller",
				"worker", "api-poller",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll runs one fetch-diff-push cycle. Errors are swallowed and the
// cursor stays put, so a failing remote never kills the loop.
func (p *Poller) poll(ctx context.Context) {
	if !p.polling.CompareAndSwap(false, true) {
		return
	}
	defer p.polling.Store(false)

	result, err := p.fetcher.FetchSince(ctx, p.Cursor().UpdatedSince)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("poll fetch failed",
			"component", "poller",
			"action", "poll_failed",
			"client_id", p.cfg.ClientID,
			"error", err,
		)
		return
	}

	deltas, nextSnapshots := p.diff(result)
	if len(deltas) > 0 {
		if err := p.pushChunked(ctx, deltas); err != nil {
			if ctx.Err() == nil {
				slog.Warn("poll push failed, cursor held",
					"component", "poller",
					"action", "poll_failed",
					"client_id", p.cfg.ClientID,
					"deltas", len(deltas),
					"error", err,
				)
			}
			return
		}
	}

	p.mu.Lock()
	p.cursor.UpdatedSince = result.UpdatedSince
	p.cursor.Snapshots = nextSnapshots
	p.mu.Unlock()

	if len(deltas) > 0 {
		slog.Info("poll cycle pushed",
			"component", "poller",
			"action", "poll",
			"client_id", p.cfg.ClientID,
			"deltas", len(deltas),
		)
	}
}

// diff extracts deltas from the fetched records against the stored
// snapshots and returns the snapshot state to commit once the push
// lands. One clock reading stamps the whole cycle.
func (p *Poller) diff(result FetchResult) ([]delta.RowDelta, map[string]map[string]map[string]any) {
	p.mu.Lock()
	prior := p.cursor.Snapshots
	p.mu.Unlock()

	ts := p.clock.Now()
	next := make(map[string]map[string]map[string]any, len(prior))
	for table, rows := range prior {
		copied := make(map[string]map[string]any, len(rows))
		for id, fields := range rows {
			copied[id] = fields
		}
		next[table] = copied
	}

	var deltas []delta.RowDelta
	seen := make(map[string]map[string]bool)
	for _, rec := range result.Records {
		if seen[rec.Table] == nil {
			seen[rec.Table] = make(map[string]bool)
		}
		seen[rec.Table][rec.ID] = true

		before := prior[rec.Table][rec.ID]
		d, ok := delta.Extract(before, rec.Fields, delta.ExtractContext{
			Table:    rec.Table,
			RowID:    rec.ID,
			ClientID: p.cfg.ClientID,
			HLC:      ts,
		})
		if ok {
			deltas = append(deltas, d)
		}
		if next[rec.Table] == nil {
			next[rec.Table] = make(map[string]map[string]any)
		}
		next[rec.Table][rec.ID] = rec.Fields
	}

	// A complete snapshot makes absence meaningful: rows that vanished
	// become deletes.
	if result.Snapshot {
		for table, rows := range prior {
			for id, before := range rows {
				if seen[table][id] {
					continue
				}
				d, ok := delta.Extract(before, nil, delta.ExtractContext{
					Table:    table,
					RowID:    id,
					ClientID: p.cfg.ClientID,
					HLC:      ts,
				})
				if ok {
					deltas = append(deltas, d)
				}
				delete(next[table], id)
			}
		}
	}
	return deltas, next
}

func (p *Poller) pushChunked(ctx context.Context, deltas []delta.RowDelta) error {
	chunk := p.cfg.ChunkSize
	if chunk <= 0 || chunk >= len(deltas) {
		return p.pusher.PushDeltas(ctx, deltas)
	}
	for start := 0; start < len(deltas); start += chunk {
		end := start + chunk
		if end > len(deltas) {
			end = len(deltas)
		}
		if err := p.pusher.PushDeltas(ctx, deltas[start:end]); err != nil {
			return err
		}
	}
	return nil
}
