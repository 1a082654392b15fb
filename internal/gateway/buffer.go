package gateway

import (
	"sync"
	"time"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Stats is the live view of the buffer surfaced by the gateway.
type Stats struct {
	LogSize   int   `json:"logSize"`
	IndexSize int   `json:"indexSize"`
	SizeBytes int   `json:"sizeBytes"`
	AgeMs     int64 `json:"ageMs"`
}

type rowKey struct {
	table string
	rowID string
}

// rowState is the LWW projection of one row inside the buffer index.
type rowState struct {
	perColumn    map[string]delta.ColumnState
	tombstoned   bool
	tombstoneHLC hlc.Timestamp
	lastHLC      hlc.Timestamp
}

type logEntry struct {
	delta          delta.RowDelta
	insertedWallMs int64
}

// generation holds one buffer epoch: the append-only log and its
// aligned LWW index. Flushing swaps in a fresh generation so concurrent
// pushes never block on the object write.
type generation struct {
	log          []logEntry
	index        map[rowKey]*rowState
	byID         map[string]bool
	sizeBytes    int
	oldestWallMs int64
}

func newGeneration() *generation {
	return &generation{
		index: make(map[rowKey]*rowState),
		byID:  make(map[string]bool),
	}
}

// append applies one accepted delta to the log and the index.
func (g *generation) append(d delta.RowDelta, nowMs int64) {
	g.log = append(g.log, logEntry{delta: d, insertedWallMs: nowMs})
	g.byID[d.DeltaID] = true
	g.sizeBytes += delta.EstimateSize(d)
	if g.oldestWallMs == 0 {
		g.oldestWallMs = nowMs
	}
	g.applyToIndex(d)
}

// applyToIndex folds a delta into the per-row LWW projection following
// the tombstone rules: a DELETE newer than everything seen clears the
// row; a later write resurrects it with only its own columns.
func (g *generation) applyToIndex(d delta.RowDelta) {
	key := rowKey{table: d.Table, rowID: d.RowID}
	state, ok := g.index[key]
	if !ok {
		state = &rowState{perColumn: make(map[string]delta.ColumnState)}
		g.index[key] = state
	}

	if d.Op == delta.OpDelete {
		if d.HLC > state.lastHLC {
			state.tombstoned = true
			state.tombstoneHLC = d.HLC
			state.perColumn = make(map[string]delta.ColumnState)
			state.lastHLC = d.HLC
		}
		return
	}

	if state.tombstoned && d.HLC > state.tombstoneHLC {
		state.tombstoned = false
	}
	for _, col := range d.Columns {
		current, exists := state.perColumn[col.Column]
		incoming := delta.ColumnState{Value: col.Value, HLC: d.HLC, ClientID: d.ClientID}
		if exists {
			state.perColumn[col.Column] = delta.Resolve(&current, incoming)
		} else {
			state.perColumn[col.Column] = delta.Resolve(nil, incoming)
		}
	}
	if d.HLC > state.lastHLC {
		state.lastHLC = d.HLC
	}
}

// Buffer is the gateway's in-memory holding area between accept and
// flush. The log, index and byte accumulator form one critical region
// guarded by mu; a flush moves the current generation aside and
// replaces it, so pushes during a flush land in the next epoch.
type Buffer struct {
	mu       sync.Mutex
	current  *generation
	flushing *generation
	maxBytes int
	now      func() time.Time
}

// NewBuffer creates an empty buffer. maxBytes is the soft flush
// threshold; appends hard-fail at twice that.
func NewBuffer(maxBytes int, now func() time.Time) *Buffer {
	if now == nil {
		now = time.Now
	}
	return &Buffer{current: newGeneration(), maxBytes: maxBytes, now: now}
}

// Append accepts one delta. Re-appending a delta id already buffered
// (in either the live or the flushing generation) is a no-op so pushes
// replay safely. Appending beyond twice the soft limit is refused with
// BUFFER_FULL.
func (b *Buffer) Append(d delta.RowDelta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current.byID[d.DeltaID] || (b.flushing != nil && b.flushing.byID[d.DeltaID]) {
		return nil
	}
	if b.maxBytes > 0 && b.current.sizeBytes+delta.EstimateSize(d) > 2*b.maxBytes {
		return adapter.E(adapter.CodeBufferFull, "buffer append", nil)
	}
	b.current.append(d, b.now().UnixMilli())
	return nil
}

// Contains reports whether the delta id is buffered.
func (b *Buffer) Contains(deltaID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.byID[deltaID] || (b.flushing != nil && b.flushing.byID[deltaID])
}

// PullSince returns buffered deltas with hlc > since in ascending hlc
// order, capped at max (0 means no cap). The view merges the flushing
// snapshot with the live generation so pulls during a flush miss
// nothing.
func (b *Buffer) PullSince(since hlc.Timestamp, max int) []delta.RowDelta {
	b.mu.Lock()
	var out []delta.RowDelta
	collect := func(g *generation) {
		if g == nil {
			return
		}
		for _, entry := range g.log {
			if entry.delta.HLC > since {
				out = append(out, entry.delta)
			}
		}
	}
	collect(b.flushing)
	collect(b.current)
	b.mu.Unlock()

	delta.SortByHLC(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Stats reports the buffer counters. Log size, byte size and age cover
// the live generation and any snapshot being flushed; the index size
// covers the live generation only.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		LogSize:   len(b.current.log),
		IndexSize: len(b.current.index),
		SizeBytes: b.current.sizeBytes,
	}
	if b.flushing != nil {
		s.LogSize += len(b.flushing.log)
		s.SizeBytes += b.flushing.sizeBytes
	}
	if oldest := b.oldestLocked(); oldest > 0 {
		s.AgeMs = b.now().UnixMilli() - oldest
	}
	return s
}

func (b *Buffer) oldestLocked() int64 {
	oldest := b.current.oldestWallMs
	if b.flushing != nil && b.flushing.oldestWallMs > 0 &&
		(oldest == 0 || b.flushing.oldestWallMs < oldest) {
		oldest = b.flushing.oldestWallMs
	}
	return oldest
}

// ShouldFlush reports whether either flush trigger has fired.
func (b *Buffer) ShouldFlush(maxAge time.Duration) bool {
	s := b.Stats()
	if s.LogSize == 0 {
		return false
	}
	if b.maxBytes > 0 && s.SizeBytes >= b.maxBytes {
		return true
	}
	return maxAge > 0 && s.AgeMs >= maxAge.Milliseconds()
}

// TakeSnapshot moves the live generation aside for flushing and starts
// a new one. Returns the snapshot deltas in log order, or nil when the
// buffer is empty or another snapshot is still outstanding.
func (b *Buffer) TakeSnapshot() []delta.RowDelta {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushing != nil || len(b.current.log) == 0 {
		return nil
	}
	b.flushing = b.current
	b.current = newGeneration()

	out := make([]delta.RowDelta, len(b.flushing.log))
	for i, entry := range b.flushing.log {
		out[i] = entry.delta
	}
	return out
}

// CompleteFlush discards the flushed snapshot.
func (b *Buffer) CompleteFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushing = nil
}

// AbortFlush reinserts the snapshot at the head of the log and rebuilds
// the index, preserving at-least-once delivery after a failed object
// write.
func (b *Buffer) AbortFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushing == nil {
		return
	}
	restored := newGeneration()
	for _, entry := range b.flushing.log {
		restored.append(entry.delta, entry.insertedWallMs)
	}
	// Preserve original insertion order and times for the post-snapshot
	// appends.
	for _, entry := range b.current.log {
		if restored.byID[entry.delta.DeltaID] {
			continue
		}
		restored.append(entry.delta, entry.insertedWallMs)
	}
	if b.flushing.oldestWallMs > 0 {
		restored.oldestWallMs = b.flushing.oldestWallMs
	}
	b.current = restored
	b.flushing = nil
}
