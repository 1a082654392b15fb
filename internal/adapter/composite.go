package adapter

import (
	"context"
	"fmt"

	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Route binds a set of source tables to one destination adapter.
type Route struct {
	Tables  []string
	Adapter DatabaseAdapter
}

// Composite routes deltas to different database adapters by table. An
// optional fallback adapter receives deltas for unrouted tables;
// without one, unrouted deltas are rejected.
type Composite struct {
	byTable  map[string]DatabaseAdapter
	fallback DatabaseAdapter
}

// NewComposite builds a table router. Overlapping table routes are a
// configuration error and are rejected outright.
func NewComposite(routes []Route, fallback DatabaseAdapter) (*Composite, error) {
	byTable := make(map[string]DatabaseAdapter)
	for _, r := range routes {
		if r.Adapter == nil {
			return nil, fmt.Errorf("composite: route %v has nil adapter", r.Tables)
		}
		for _, table := range r.Tables {
			if _, exists := byTable[table]; exists {
				return nil, fmt.Errorf("composite: table %q routed twice", table)
			}
			byTable[table] = r.Adapter
		}
	}
	return &Composite{byTable: byTable, fallback: fallback}, nil
}

func (c *Composite) adapterFor(table string) (DatabaseAdapter, error) {
	if a, ok := c.byTable[table]; ok {
		return a, nil
	}
	if c.fallback != nil {
		return c.fallback, nil
	}
	return nil, E(CodeNoAdapter, fmt.Sprintf("no route for table %q", table), nil)
}

// InsertDeltas groups the batch by destination adapter and dispatches
// each group. The first error encountered is returned; earlier groups
// stay written (idempotent replays make partial writes safe).
func (c *Composite) InsertDeltas(ctx context.Context, deltas []delta.RowDelta) error {
	groups := make(map[DatabaseAdapter][]delta.RowDelta)
	for _, d := range deltas {
		target, err := c.adapterFor(d.Table)
		if err != nil {
			return err
		}
		groups[target] = append(groups[target], d)
	}
	for target, group := range groups {
		if err := target.InsertDeltas(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

// QueryDeltasSince fans out to every adapter serving the selected
// tables and merges the results in ascending hlc order.
func (c *Composite) QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables ...string) ([]delta.RowDelta, error) {
	targets := c.selectAdapters(tables)

	var merged []delta.RowDelta
	for _, target := range targets {
		part, err := target.QueryDeltasSince(ctx, since, tables...)
		if err != nil {
			return nil, err
		}
		merged = append(merged, part...)
	}
	delta.SortByHLC(merged)
	return merged, nil
}

// selectAdapters returns the distinct adapters serving the given tables
// (all adapters when tables is empty).
func (c *Composite) selectAdapters(tables []string) []DatabaseAdapter {
	seen := make(map[DatabaseAdapter]bool)
	var out []DatabaseAdapter
	add := func(a DatabaseAdapter) {
		if a != nil && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	if len(tables) == 0 {
		for _, a := range c.byTable {
			add(a)
		}
		add(c.fallback)
		return out
	}
	for _, table := range tables {
		if a, ok := c.byTable[table]; ok {
			add(a)
		} else {
			add(c.fallback)
		}
	}
	return out
}

// GetLatestState routes the lookup to the adapter serving the table.
func (c *Composite) GetLatestState(ctx context.Context, table, rowID string) (map[string]any, error) {
	target, err := c.adapterFor(table)
	if err != nil {
		return nil, err
	}
	return target.GetLatestState(ctx, table, rowID)
}

// Close closes each distinct adapter instance exactly once.
func (c *Composite) Close() error {
	seen := make(map[DatabaseAdapter]bool)
	var firstErr error
	closeOnce := func(a DatabaseAdapter) {
		if a == nil || seen[a] {
			return
		}
		seen[a] = true
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, a := range c.byTable {
		closeOnce(a)
	}
	closeOnce(c.fallback)
	return firstErr
}
