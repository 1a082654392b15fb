// Package gateway implements the sync gateway: it accepts delta pushes
// from many clients concurrently, resolves conflicts column-by-column
// with last-writer-wins over hybrid logical clocks, buffers bounded by
// bytes and age, and flushes accepted deltas to a configured lake
// adapter.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/schema"
)

// FlushFormat selects the serialisation of flushed batches.
type FlushFormat string

const (
	FlushJSON    FlushFormat = "json"
	FlushParquet FlushFormat = "parquet"
)

// Config enumerates the gateway's knobs.
type Config struct {
	// GatewayID is the authorisation audience tokens must be scoped to.
	GatewayID string

	// MaxBufferBytes is the soft size threshold that triggers a flush.
	MaxBufferBytes int

	// MaxBufferAge is the age threshold measured from the oldest
	// buffered delta.
	MaxBufferAge time.Duration

	// FlushFormat is json or parquet.
	FlushFormat FlushFormat

	// TableSchemas is required when FlushFormat is parquet and is passed
	// through to materialisation.
	TableSchemas []schema.TableSchema
}

// DeltaEncoder serialises a flush snapshot. The gateway injects the
// Parquet codec to avoid an import cycle with its tests.
type DeltaEncoder func(deltas []delta.RowDelta, schemas []schema.TableSchema) ([]byte, error)

// PushRequest is one client push.
type PushRequest struct {
	ClientID    string           `json:"clientId"`
	Deltas      []delta.RowDelta `json:"deltas"`
	LastSeenHLC hlc.Timestamp    `json:"lastSeenHlc"`
}

// PushResponse acknowledges accepted delta ids.
type PushResponse struct {
	AckedIDs  []string      `json:"ackedIds"`
	ServerHLC hlc.Timestamp `json:"serverHlc"`
}

// PullRequest asks for deltas after a cursor.
type PullRequest struct {
	ClientID  string        `json:"clientId"`
	SinceHLC  hlc.Timestamp `json:"sinceHlc"`
	MaxDeltas int           `json:"maxDeltas"`
}

// PullResponse returns ordered deltas plus the server cursor.
type PullResponse struct {
	Deltas    []delta.RowDelta `json:"deltas"`
	ServerHLC hlc.Timestamp    `json:"serverHlc"`
}

// FlushResult reports one flush.
type FlushResult struct {
	WrittenBytes  int `json:"writtenBytes"`
	DeltasFlushed int `json:"deltasFlushed"`
}

// Gateway is safe for concurrent use by many pushers and pullers.
type Gateway struct {
	cfg      Config
	clock    *hlc.Clock
	buffer   *Buffer
	verifier *TokenVerifier
	lake     adapter.LakeAdapter
	encode   DeltaEncoder

	flushMu  sync.Mutex // serialises flushes
	flushReq chan struct{}

	mu       sync.Mutex
	lastSync time.Time

	entropy *ulid.MonotonicEntropy
	entMu   sync.Mutex
	now     func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock injects the gateway HLC clock (tests use manual wall
// clocks).
func WithClock(c *hlc.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithTimeSource injects the wall time used for object keys and age
// accounting.
func WithTimeSource(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithParquetEncoder installs the Parquet codec used when FlushFormat
// is parquet.
func WithParquetEncoder(enc DeltaEncoder) Option {
	return func(g *Gateway) { g.encode = enc }
}

// New creates a gateway flushing to lake (nil is legal: flushes fail
// with NO_ADAPTER until a sink is configured).
func New(cfg Config, secret []byte, lake adapter.LakeAdapter, opts ...Option) (*Gateway, error) {
	if cfg.GatewayID == "" {
		return nil, fmt.Errorf("gateway: missing GatewayID")
	}
	if cfg.FlushFormat == "" {
		cfg.FlushFormat = FlushJSON
	}
	if cfg.FlushFormat == FlushParquet && len(cfg.TableSchemas) == 0 {
		return nil, fmt.Errorf("gateway: parquet flush format requires table schemas")
	}

	g := &Gateway{
		cfg:      cfg,
		verifier: NewTokenVerifier(secret, cfg.GatewayID),
		lake:     lake,
		flushReq: make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.clock == nil {
		g.clock = hlc.NewClock()
	}
	if g.cfg.FlushFormat == FlushParquet && g.encode == nil {
		return nil, fmt.Errorf("gateway: parquet flush format requires an encoder")
	}
	g.buffer = NewBuffer(cfg.MaxBufferBytes, g.now)
	g.entropy = ulid.Monotonic(rand.New(rand.NewSource(g.now().UnixNano())), 0)
	return g, nil
}

// HandlePush validates the token, folds the batch into the buffer in
// the order supplied, and acknowledges every accepted (or already
// known) delta id. Malformed deltas are dropped with a warning rather
// than failing the batch; a full buffer fails the push with
// BUFFER_FULL.
func (g *Gateway) HandlePush(ctx context.Context, token string, req PushRequest) (PushResponse, error) {
	start := g.now()

	clientID, err := g.verifier.Verify(token)
	if err != nil {
		return PushResponse{}, err
	}
	if req.ClientID != "" && req.ClientID != clientID {
		return PushResponse{}, adapter.E(adapter.CodeAuthFailed, "push",
			fmt.Errorf("token subject %q does not match client %q", clientID, req.ClientID))
	}

	if req.LastSeenHLC != 0 {
		// The client's watermark feeds the gateway clock so the next
		// serverHlc dominates everything the client has observed. A
		// watermark too far ahead of the gateway's wall clock is
		// rejected without mutating any state.
		if _, err := g.clock.Update(req.LastSeenHLC); err != nil {
			return PushResponse{}, adapter.E(adapter.CodeClockDrift, "push watermark", err)
		}
	}

	acked := make([]string, 0, len(req.Deltas))
	for _, d := range req.Deltas {
		if err := d.Validate(); err != nil {
			slog.Warn("dropping malformed delta",
				"component", "gateway",
				"action", "push_drop",
				"gateway_id", g.cfg.GatewayID,
				"client_id", clientID,
				"error", err,
			)
			continue
		}
		if _, err := g.clock.Update(d.HLC); err != nil {
			slog.Warn("dropping delta with excessive clock drift",
				"component", "gateway",
				"action", "push_drop",
				"gateway_id", g.cfg.GatewayID,
				"client_id", clientID,
				"delta_id", d.DeltaID,
				"error", err,
			)
			continue
		}
		if err := g.buffer.Append(d); err != nil {
			if adapter.IsCode(err, adapter.CodeBufferFull) {
				g.requestFlush()
			}
			return PushResponse{}, err
		}
		acked = append(acked, d.DeltaID)
	}

	if g.buffer.ShouldFlush(g.cfg.MaxBufferAge) {
		g.requestFlush()
	}

	slog.Info("push accepted",
		"component", "gateway",
		"action", "push",
		"gateway_id", g.cfg.GatewayID,
		"client_id", clientID,
		"deltas", len(req.Deltas),
		"acked", len(acked),
		"duration_ms", g.now().Sub(start).Milliseconds(),
	)
	return PushResponse{AckedIDs: acked, ServerHLC: g.clock.Now()}, nil
}

// HandlePull returns buffered deltas with hlc beyond the caller's
// cursor, ascending, capped at MaxDeltas.
func (g *Gateway) HandlePull(ctx context.Context, token string, req PullRequest) (PullResponse, error) {
	clientID, err := g.verifier.Verify(token)
	if err != nil {
		return PullResponse{}, err
	}

	deltas := g.buffer.PullSince(req.SinceHLC, req.MaxDeltas)
	if deltas == nil {
		deltas = []delta.RowDelta{}
	}

	slog.Info("pull served",
		"component", "gateway",
		"action", "pull",
		"gateway_id", g.cfg.GatewayID,
		"client_id", clientID,
		"since", req.SinceHLC.String(),
		"returned", len(deltas),
	)
	return PullResponse{Deltas: deltas, ServerHLC: g.clock.Now()}, nil
}

// jsonEnvelope is the flush payload when FlushFormat is json.
type jsonEnvelope struct {
	GatewayID string           `json:"gatewayId"`
	FlushedAt string           `json:"flushedAt"`
	Deltas    []delta.RowDelta `json:"deltas"`
}

// Flush snapshots the buffer, writes it to the lake as one object, and
// clears the flushed generation. A failed write reinserts the snapshot
// so nothing is lost; the next flush retries the same deltas.
func (g *Gateway) Flush(ctx context.Context) (FlushResult, error) {
	if g.lake == nil {
		return FlushResult{}, adapter.E(adapter.CodeNoAdapter, "flush", nil)
	}

	g.flushMu.Lock()
	defer g.flushMu.Unlock()

	snapshot := g.buffer.TakeSnapshot()
	if len(snapshot) == 0 {
		return FlushResult{}, nil
	}

	payload, ext, err := g.encodeSnapshot(snapshot)
	if err != nil {
		g.buffer.AbortFlush()
		return FlushResult{}, adapter.E(adapter.CodeFlushFailed, "encode snapshot", err)
	}

	key := g.objectKey(ext)
	contentType := "application/json"
	if ext == "parquet" {
		contentType = "application/octet-stream"
	}
	if err := g.lake.PutObject(ctx, key, payload, contentType); err != nil {
		g.buffer.AbortFlush()
		slog.Warn("flush failed, buffer restored",
			"component", "gateway",
			"action", "flush_failed",
			"gateway_id", g.cfg.GatewayID,
			"key", key,
			"deltas", len(snapshot),
			"error", err,
		)
		return FlushResult{}, adapter.E(adapter.CodeFlushFailed, "put "+key, err)
	}
	g.buffer.CompleteFlush()

	g.mu.Lock()
	g.lastSync = g.now()
	g.mu.Unlock()

	slog.Info("flush completed",
		"component", "gateway",
		"action", "flush",
		"gateway_id", g.cfg.GatewayID,
		"key", key,
		"deltas", len(snapshot),
		"bytes", len(payload),
	)

	// Materialisation piggybacks on the flush when the lake supports
	// it; failures are logged, never rolled back into the object write.
	if m, ok := g.lake.(adapter.Materialisable); ok {
		if err := m.Materialise(ctx, snapshot, g.cfg.TableSchemas); err != nil {
			slog.Warn("materialisation after flush failed",
				"component", "gateway",
				"action", "materialise_failed",
				"gateway_id", g.cfg.GatewayID,
				"error", err,
			)
		}
	}

	return FlushResult{WrittenBytes: len(payload), DeltasFlushed: len(snapshot)}, nil
}

func (g *Gateway) encodeSnapshot(snapshot []delta.RowDelta) ([]byte, string, error) {
	if g.cfg.FlushFormat == FlushParquet {
		payload, err := g.encode(snapshot, g.cfg.TableSchemas)
		return payload, "parquet", err
	}
	payload, err := json.Marshal(jsonEnvelope{
		GatewayID: g.cfg.GatewayID,
		FlushedAt: g.now().UTC().Format(time.RFC3339Nano),
		Deltas:    snapshot,
	})
	return payload, "json", err
}

func (g *Gateway) objectKey(ext string) string {
	g.entMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
	g.entMu.Unlock()
	return fmt.Sprintf("deltas/%s/%d-%s.%s", g.cfg.GatewayID, g.now().UnixMilli(), id, ext)
}

// BufferStats exposes the live buffer counters.
func (g *Gateway) BufferStats() Stats {
	return g.buffer.Stats()
}

// LastSyncTime returns the wall time of the last successful flush
// (zero before the first).
func (g *Gateway) LastSyncTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSync
}

// requestFlush schedules an asynchronous flush without blocking the
// pusher. Coalesces with any pending request.
func (g *Gateway) requestFlush() {
	select {
	case g.flushReq <- struct{}{}:
	default:
	}
}

// Run drives the background flusher: it reacts to size-triggered
// requests from pushes and checks the age trigger on a ticker. Returns
// when ctx is cancelled, after a best-effort final flush.
func (g *Gateway) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "gateway",
		"worker", "flusher",
		"action", "worker_started",
	)

	interval := g.cfg.MaxBufferAge / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain what is buffered before stopping; errors keep the
			// deltas in the buffer but shutdown proceeds regardless.
			if _, err := g.Flush(context.Background()); err != nil && !adapter.IsCode(err, adapter.CodeNoAdapter) {
				slog.Warn("final flush on shutdown failed",
					"component", "gateway",
					"action", "flush_failed",
					"error", err,
				)
			}
			slog.Info("worker stopped",
				"component", "gateway",
				"worker", "flusher",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-g.flushReq:
		case <-ticker.C:
			if !g.buffer.ShouldFlush(g.cfg.MaxBufferAge) {
				continue
			}
		}
		if _, err := g.Flush(ctx); err != nil && !adapter.IsCode(err, adapter.CodeNoAdapter) {
			slog.Warn("background flush failed",
				"component", "gateway",
				"action", "flush_failed",
				"error", err,
			)
		}
	}
}
