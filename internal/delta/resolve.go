package delta

import "github.com/hyperengineering/lakesync/internal/hlc"

// ColumnState is the winning value for one column of one row, together
// with the HLC and client that wrote it.
type ColumnState struct {
	Value    any           `json:"value"`
	HLC      hlc.Timestamp `json:"hlc"`
	ClientID string        `json:"clientId"`
}

// Wins reports whether an incoming write at (incomingHLC, incomingClient)
// beats the current state at (currentHLC, currentClient). Higher HLC
// wins; equal HLCs break on the lexicographically greater client id, so
// every replica resolves the same way regardless of arrival order.
func Wins(incomingHLC hlc.Timestamp, incomingClient string, currentHLC hlc.Timestamp, currentClient string) bool {
	if incomingHLC != currentHLC {
		return incomingHLC > currentHLC
	}
	return incomingClient > currentClient
}

// Resolve applies last-writer-wins between the current column state (nil
// when the column has never been written) and an incoming write, and
// returns the winner. Resolve is commutative and associative over
// (hlc, clientId), which is what makes the buffer index deterministic
// under concurrent pushes.
func Resolve(current *ColumnState, incoming ColumnState) ColumnState {
	if current == nil {
		return incoming
	}
	if Wins(incoming.HLC, incoming.ClientID, current.HLC, current.ClientID) {
		return incoming
	}
	return *current
}
