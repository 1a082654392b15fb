// Package delta defines the row delta model: content-addressed,
// immutable descriptions of single-row changes ordered by hybrid
// logical clock, plus the extractor and the column-level
// last-writer-wins resolver built on them.
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/hyperengineering/lakesync/internal/hlc"
)

// Op is the kind of change a delta describes.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Valid reports whether op is one of the three known operations.
func (op Op) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ColumnDelta carries the post-image value for one column. A nil Value
// is a legal column value, distinct from the column being absent from
// the delta.
type ColumnDelta struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// RowDelta is one row-level change. DeltaID is a SHA-256 over the
// canonical JSON of the identifying content, so equal content always
// yields an equal id and replays are idempotent at every sink.
type RowDelta struct {
	DeltaID  string        `json:"deltaId"`
	Op       Op            `json:"op"`
	Table    string        `json:"table"`
	RowID    string        `json:"rowId"`
	ClientID string        `json:"clientId"`
	HLC      hlc.Timestamp `json:"hlc"`
	Columns  []ColumnDelta `json:"columns"`
}

// RowIDSeparator joins composite primary key values into a row id.
const RowIDSeparator = ":"

// New builds a RowDelta and stamps its content hash.
func New(op Op, table, rowID, clientID string, ts hlc.Timestamp, columns []ColumnDelta) RowDelta {
	return RowDelta{
		DeltaID:  ComputeDeltaID(clientID, ts, table, rowID, columns),
		Op:       op,
		Table:    table,
		RowID:    rowID,
		ClientID: clientID,
		HLC:      ts,
		Columns:  columns,
	}
}

// ComputeDeltaID hashes the identifying delta content: canonical JSON of
// {clientId, hlc (decimal string), table, rowId, columns}, SHA-256,
// lowercase hex.
func ComputeDeltaID(clientID string, ts hlc.Timestamp, table, rowID string, columns []ColumnDelta) string {
	cols := make([]any, len(columns))
	for i, c := range columns {
		cols[i] = map[string]any{
			"column": c.Column,
			"value":  c.Value,
		}
	}
	payload := map[string]any{
		"clientId": clientID,
		"hlc":      ts.String(),
		"table":    table,
		"rowId":    rowID,
		"columns":  cols,
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		// The payload is built exclusively from decoded-JSON values, so
		// canonicalisation cannot fail on well-formed input.
		panic(fmt.Sprintf("delta: canonicalise id payload: %v", err))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Validate checks the structural invariants a delta must satisfy before
// it is accepted into a buffer or a store.
func (d RowDelta) Validate() error {
	if d.DeltaID == "" {
		return fmt.Errorf("delta: missing deltaId")
	}
	if !d.Op.Valid() {
		return fmt.Errorf("delta %s: invalid op %q", d.DeltaID, d.Op)
	}
	if d.Table == "" {
		return fmt.Errorf("delta %s: missing table", d.DeltaID)
	}
	if d.RowID == "" {
		return fmt.Errorf("delta %s: missing rowId", d.DeltaID)
	}
	if d.ClientID == "" {
		return fmt.Errorf("delta %s: missing clientId", d.DeltaID)
	}
	if d.Op == OpDelete && len(d.Columns) != 0 {
		return fmt.Errorf("delta %s: DELETE carries columns", d.DeltaID)
	}
	return nil
}

// sizeOverhead is subtracted from the canonical length when estimating
// buffered bytes; it accounts for envelope fields that amortise across
// a batch. The estimate only needs to be monotone, not exact.
const sizeOverhead = 16

// EstimateSize approximates the delta's buffered footprint in bytes.
func EstimateSize(d RowDelta) int {
	canonical, err := CanonicalJSON(map[string]any{
		"deltaId":  d.DeltaID,
		"op":       string(d.Op),
		"table":    d.Table,
		"rowId":    d.RowID,
		"clientId": d.ClientID,
		"hlc":      d.HLC.String(),
		"columns":  columnsAsAny(d.Columns),
	})
	if err != nil {
		return sizeOverhead
	}
	n := len(canonical) - sizeOverhead
	if n < 1 {
		n = 1
	}
	return n
}

func columnsAsAny(columns []ColumnDelta) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = map[string]any{"column": c.Column, "value": c.Value}
	}
	return out
}

// SortByHLC orders deltas ascending by HLC with client id then delta id
// as deterministic tie-breaks. Used when merging streams from multiple
// adapters.
func SortByHLC(deltas []RowDelta) {
	sort.Slice(deltas, func(i, j int) bool {
		a, b := deltas[i], deltas[j]
		if a.HLC != b.HLC {
			return a.HLC < b.HLC
		}
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		return a.DeltaID < b.DeltaID
	})
}
