// Package hlc implements the 64-bit hybrid logical clock used to order
// deltas across clients with unsynchronised wall clocks.
//
// A Timestamp packs a 48-bit wall-clock millisecond value and a 16-bit
// logical counter: wallMs<<16 | counter. Numeric comparison of the
// packed value is the total order.
package hlc

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	counterBits = 16
	counterMask = (1 << counterBits) - 1

	// MaxDrift is the default bound on how far ahead of the local wall
	// clock a peer timestamp may be before Update refuses to merge it.
	MaxDrift = time.Minute
)

// Timestamp is a packed hybrid logical clock value.
type Timestamp uint64

// Encode builds a Timestamp from its wall-millisecond and counter parts.
func Encode(wallMs int64, counter uint16) Timestamp {
	return Timestamp(uint64(wallMs)<<counterBits | uint64(counter))
}

// WallMs returns the wall-clock millisecond component.
func (t Timestamp) WallMs() int64 {
	return int64(t >> counterBits)
}

// Counter returns the logical counter component.
func (t Timestamp) Counter() uint16 {
	return uint16(t & counterMask)
}

// WallTime returns the wall component as a time.Time in UTC.
func (t Timestamp) WallTime() time.Time {
	return time.UnixMilli(t.WallMs()).UTC()
}

// String renders the timestamp as the decimal form used on the wire.
// JSON cannot carry a full uint64 as a number, so timestamps travel as
// decimal strings.
func (t Timestamp) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Parse decodes the decimal wire form produced by String.
func Parse(s string) (Timestamp, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hlc %q: %w", s, err)
	}
	return Timestamp(v), nil
}

// MarshalJSON encodes the timestamp as a decimal string.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON accepts both the decimal string wire form and a bare
// number (tolerated for hand-written fixtures).
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ErrClockDrift is returned by Update when the peer's wall component is
// further ahead of the local wall clock than the configured bound. The
// clock state is not mutated in that case.
type ErrClockDrift struct {
	Peer  Timestamp
	Local int64 // local wall ms at the time of the call
}

func (e *ErrClockDrift) Error() string {
	return fmt.Sprintf("hlc: peer wall %dms exceeds local wall %dms beyond drift bound",
		e.Peer.WallMs(), e.Local)
}

// Clock produces strictly monotonic Timestamps for one process.
// The wall-clock source is injectable so tests can drive it.
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	wallNow  func() int64
	maxDrift time.Duration
}

// Option configures a Clock.
type Option func(*Clock)

// WithWallClock replaces the wall-millisecond source.
func WithWallClock(now func() int64) Option {
	return func(c *Clock) { c.wallNow = now }
}

// WithMaxDrift replaces the peer drift bound used by Update.
func WithMaxDrift(d time.Duration) Option {
	return func(c *Clock) { c.maxDrift = d }
}

// NewClock creates a Clock reading the system wall clock.
func NewClock(opts ...Option) *Clock {
	c := &Clock{
		wallNow:  func() int64 { return time.Now().UnixMilli() },
		maxDrift: MaxDrift,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the next timestamp. The wall component is the max of the
// physical clock and the last issued wall; the counter resets to zero
// when the wall advances and increments otherwise. A saturated counter
// rolls the wall forward one millisecond.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick(c.wallNow())
}

// Update merges a peer timestamp into the clock and returns a timestamp
// strictly greater than both the peer and every previously issued value.
// Peers too far ahead of the local wall clock are rejected with
// ErrClockDrift and leave the clock untouched.
func (c *Clock) Update(peer Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	localWall := c.wallNow()
	if c.maxDrift > 0 && peer.WallMs() > localWall+c.maxDrift.Milliseconds() {
		return 0, &ErrClockDrift{Peer: peer, Local: localWall}
	}
	if peer > c.last {
		c.last = peer
	}
	return c.tick(localWall), nil
}

// Last returns the most recently issued timestamp without advancing.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// tick advances c.last past max(physWall, last). Callers hold c.mu.
func (c *Clock) tick(physWall int64) Timestamp {
	lastWall := c.last.WallMs()

	wall := physWall
	if lastWall > wall {
		wall = lastWall
	}

	var counter uint16
	if wall == lastWall && c.last != 0 {
		prev := c.last.Counter()
		if prev == counterMask {
			// Counter saturated: borrow a millisecond.
			wall++
			counter = 0
		} else {
			counter = prev + 1
		}
	}

	c.last = Encode(wall, counter)
	return c.last
}
