package cdc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Pusher is where converted deltas go — in practice the sync gateway's
// push contract.
type Pusher interface {
	PushDeltas(ctx context.Context, deltas []delta.RowDelta) error
}

// DefaultPollInterval is used when the config does not set one.
const DefaultPollInterval = time.Second

// SourceConfig configures one CDC source.
type SourceConfig struct {
	// ClientID identifies this source as a delta producer.
	ClientID string

	// Tables filters captured tables; empty means every table the
	// dialect captures.
	Tables []string

	// PollInterval is the tick period.
	PollInterval time.Duration

	// Cursor is the resume token; nil starts from the dialect default.
	Cursor Cursor
}

// Source drives a Dialect on a polling loop and pushes converted
// deltas. One goroutine per source; ticks that land while a poll cycle
// is still in flight are skipped.
type Source struct {
	cfg     SourceConfig
	dialect Dialect
	pusher  Pusher
	clock   *hlc.Clock

	mu      sync.Mutex
	cursor  Cursor
	polling atomic.Bool

	// pending holds a converted batch whose push failed, together with
	// the cursor to advance to once it lands. Retrying the same batch
	// keeps delta ids stable, so the sink sees no duplicates.
	pending       []delta.RowDelta
	pendingCursor Cursor

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSource wires a dialect to a pusher. The clock stamps each fetched
// batch with a single timestamp.
func NewSource(cfg SourceConfig, dialect Dialect, pusher Pusher, clock *hlc.Clock) *Source {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if clock == nil {
		clock = hlc.NewClock()
	}
	return &Source{
		cfg:     cfg,
		dialect: dialect,
		pusher:  pusher,
		clock:   clock,
		cursor:  cfg.Cursor,
		done:    make(chan struct{}),
	}
}

// Cursor returns the current resume token.
func (s *Source) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Start connects the dialect, ensures capture and launches the polling
// goroutine.
func (s *Source) Start(ctx context.Context) error {
	if err := s.dialect.Connect(ctx); err != nil {
		return err
	}
	if err := s.dialect.EnsureCapture(ctx, s.cfg.Tables); err != nil {
		s.dialect.Close()
		return err
	}
	if len(s.Cursor()) == 0 {
		s.mu.Lock()
		s.cursor = s.dialect.DefaultCursor()
		s.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

// Stop cancels the polling loop and closes the dialect. An in-flight
// poll cycle runs to completion first.
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if err := s.dialect.Close(); err != nil {
		slog.Warn("cdc dialect close failed",
			"component", "cdc",
			"action", "source_stop",
			"dialect", s.dialect.Name(),
			"error", err,
		)
	}
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)

	slog.Info("worker started",
		"component", "cdc",
		"worker", "poller",
		"action", "worker_started",
		"dialect", s.dialect.Name(),
		"client_id", s.cfg.ClientID,
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// Poll immediately so a fresh source catches up without waiting a
	// full interval.
	s.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "cdc",
				"worker", "poller",
				"action", "worker_stopped",
				"dialect", s.dialect.Name(),
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll runs one fetch-convert-push cycle. Errors never escape: the
// cursor stays put and the next tick retries. Overlapping ticks are
// skipped.
func (s *Source) poll(ctx context.Context) {
	if !s.polling.CompareAndSwap(false, true) {
		return
	}
	defer s.polling.Store(false)

	// A batch whose push failed is retried as-is before anything new is
	// fetched.
	if len(s.pending) > 0 {
		if !s.pushPending(ctx) {
			return
		}
	}

	result, err := s.dialect.FetchChanges(ctx, s.Cursor())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("cdc fetch failed",
			"component", "cdc",
			"action", "poll_failed",
			"dialect", s.dialect.Name(),
			"error", err,
		)
		return
	}

	changes := s.filterTables(result.Changes)
	if len(changes) == 0 {
		s.advanceCursor(result.Cursor)
		return
	}

	s.pending = s.convert(changes)
	s.pendingCursor = result.Cursor
	s.pushPending(ctx)
}

// pushPending attempts to deliver the held batch; on success the cursor
// advances and the batch clears.
func (s *Source) pushPending(ctx context.Context) bool {
	if err := s.pusher.PushDeltas(ctx, s.pending); err != nil {
		if ctx.Err() == nil {
			slog.Warn("cdc push failed, batch held for retry",
				"component", "cdc",
				"action", "poll_failed",
				"dialect", s.dialect.Name(),
				"deltas", len(s.pending),
				"error", err,
			)
		}
		return false
	}
	count := len(s.pending)
	s.advanceCursor(s.pendingCursor)
	s.pending = nil
	s.pendingCursor = nil

	slog.Info("cdc batch pushed",
		"component", "cdc",
		"action", "poll",
		"dialect", s.dialect.Name(),
		"client_id", s.cfg.ClientID,
		"changes", count,
	)
	return true
}

func (s *Source) advanceCursor(c Cursor) {
	if len(c) == 0 {
		return
	}
	s.mu.Lock()
	s.cursor = c
	s.mu.Unlock()
}

func (s *Source) filterTables(changes []RawChange) []RawChange {
	if len(s.cfg.Tables) == 0 {
		return changes
	}
	wanted := make(map[string]bool, len(s.cfg.Tables))
	for _, t := range s.cfg.Tables {
		wanted[t] = true
	}
	var out []RawChange
	for _, c := range changes {
		if wanted[c.Table] {
			out = append(out, c)
		}
	}
	return out
}

// convert stamps the whole batch with one clock reading. Delta ids hash
// that stamp together with the change content: a held batch keeps its
// ids across push retries, but converting the same changes again at a
// different clock reading yields different ids.
func (s *Source) convert(changes []RawChange) []delta.RowDelta {
	ts := s.clock.Now()
	out := make([]delta.RowDelta, 0, len(changes))
	for _, c := range changes {
		op, ok := c.Kind.op()
		if !ok {
			slog.Warn("dropping change with unknown kind",
				"component", "cdc",
				"action", "convert_drop",
				"dialect", s.dialect.Name(),
				"kind", string(c.Kind),
				"table", c.Table,
			)
			continue
		}
		columns := c.Columns
		if op == delta.OpDelete {
			columns = nil
		}
		out = append(out, delta.New(op, c.Table, c.RowID, s.cfg.ClientID, ts, columns))
	}
	return out
}
