package hlc

import (
	"errors"
	"testing"
	"time"
)

// manualWall returns a wall-clock source the test can set directly.
func manualWall(ms *int64) func() int64 {
	return func() int64 { return *ms }
}

func TestEncode_RoundTrip(t *testing.T) {
	ts := Encode(1700000000000, 42)
	if ts.WallMs() != 1700000000000 {
		t.Errorf("expected wall 1700000000000, got %d", ts.WallMs())
	}
	if ts.Counter() != 42 {
		t.Errorf("expected counter 42, got %d", ts.Counter())
	}
}

func TestTimestamp_Ordering(t *testing.T) {
	a := Encode(100, 5)
	b := Encode(100, 6)
	c := Encode(101, 0)
	if !(a < b && b < c) {
		t.Errorf("expected %d < %d < %d", a, b, c)
	}
}

func TestTimestamp_StringParse(t *testing.T) {
	ts := Encode(1700000000000, 7)
	parsed, err := Parse(ts.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != ts {
		t.Errorf("expected %d, got %d", ts, parsed)
	}
}

func TestTimestamp_ParseInvalid(t *testing.T) {
	if _, err := Parse("not-a-number"); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestTimestamp_JSONRoundTrip(t *testing.T) {
	ts := Encode(1234, 9)
	data, err := ts.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"`+ts.String()+`"` {
		t.Errorf("expected quoted decimal, got %s", data)
	}
	var back Timestamp
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != ts {
		t.Errorf("expected %d, got %d", ts, back)
	}
}

func TestClock_NowStrictlyMonotonic(t *testing.T) {
	wall := int64(1000)
	c := NewClock(WithWallClock(manualWall(&wall)))

	prev := c.Now()
	for i := 0; i < 100; i++ {
		next := c.Now()
		if next <= prev {
			t.Fatalf("iteration %d: %d not greater than %d", i, next, prev)
		}
		prev = next
	}
}

func TestClock_CounterResetsWhenWallAdvances(t *testing.T) {
	wall := int64(1000)
	c := NewClock(WithWallClock(manualWall(&wall)))

	c.Now()
	second := c.Now()
	if second.Counter() != 1 {
		t.Errorf("expected counter 1 on same wall, got %d", second.Counter())
	}

	wall = 2000
	third := c.Now()
	if third.WallMs() != 2000 {
		t.Errorf("expected wall 2000, got %d", third.WallMs())
	}
	if third.Counter() != 0 {
		t.Errorf("expected counter reset to 0, got %d", third.Counter())
	}
}

func TestClock_WallRegression(t *testing.T) {
	wall := int64(5000)
	c := NewClock(WithWallClock(manualWall(&wall)))

	first := c.Now()
	wall = 3000 // physical clock steps backwards
	second := c.Now()
	if second <= first {
		t.Fatalf("expected monotonic progress despite regression, got %d then %d", first, second)
	}
	if second.WallMs() != 5000 {
		t.Errorf("expected wall held at 5000, got %d", second.WallMs())
	}
}

func TestClock_CounterSaturationAdvancesWall(t *testing.T) {
	wall := int64(1000)
	c := NewClock(WithWallClock(manualWall(&wall)))

	// Force the counter to the top, then one more tick.
	c.mu.Lock()
	c.last = Encode(1000, 0xFFFF)
	c.mu.Unlock()

	next := c.Now()
	if next.WallMs() != 1001 {
		t.Errorf("expected wall borrowed to 1001, got %d", next.WallMs())
	}
	if next.Counter() != 0 {
		t.Errorf("expected counter 0 after borrow, got %d", next.Counter())
	}
}

func TestClock_UpdateDominatesPeer(t *testing.T) {
	wall := int64(1000)
	c := NewClock(WithWallClock(manualWall(&wall)))

	peer := Encode(1500, 3)
	got, err := c.Update(peer)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got <= peer {
		t.Errorf("expected result > peer, got %d vs %d", got, peer)
	}
	// Subsequent local reads stay ahead of the merged peer state.
	if next := c.Now(); next <= got {
		t.Errorf("expected %d > %d", next, got)
	}
}

func TestClock_UpdateRejectsDrift(t *testing.T) {
	wall := int64(1000)
	c := NewClock(WithWallClock(manualWall(&wall)), WithMaxDrift(time.Minute))

	before := c.Last()
	peer := Encode(1000+61_000, 0)
	_, err := c.Update(peer)

	var drift *ErrClockDrift
	if !errors.As(err, &drift) {
		t.Fatalf("expected ErrClockDrift, got %v", err)
	}
	if c.Last() != before {
		t.Error("clock state mutated by rejected update")
	}
}

func TestClock_UpdateWithinDrift(t *testing.T) {
	wall := int64(1000)
	c := NewClock(WithWallClock(manualWall(&wall)), WithMaxDrift(time.Minute))

	peer := Encode(1000+59_000, 0)
	if _, err := c.Update(peer); err != nil {
		t.Fatalf("expected merge within drift bound, got %v", err)
	}
}
