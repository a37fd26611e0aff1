package txn

import "testing"

func TestHybridClockUpdateAndAdvanceIsMonotonic(t *testing.T) {
	c := NewHybridClock()
	start := c.Now()

	if err := c.UpdateAndAdvance(start); err != nil {
		t.Fatalf("UpdateAndAdvance: %v", err)
	}
	if c.Now() <= start {
		t.Fatalf("Now() = %d, want strictly greater than %d", c.Now(), start)
	}

	if err := c.UpdateAndAdvance(1000); err != nil {
		t.Fatalf("UpdateAndAdvance: %v", err)
	}
	if c.Now() <= 1000 {
		t.Fatalf("Now() = %d, want strictly greater than 1000", c.Now())
	}
}

func TestMemoryTabletTracksInFlightOps(t *testing.T) {
	tab := NewMemoryTablet()

	op, err := tab.StartOp(5)
	if err != nil {
		t.Fatalf("StartOp: %v", err)
	}
	if got := tab.InFlightCount(5); got != 1 {
		t.Fatalf("InFlightCount(5) = %d, want 1", got)
	}

	op.FinishApplying()
	if got := tab.InFlightCount(5); got != 0 {
		t.Fatalf("InFlightCount(5) after finish = %d, want 0", got)
	}
}

func TestMemoryTabletAbortClearsInFlight(t *testing.T) {
	tab := NewMemoryTablet()

	op, err := tab.StartOp(9)
	if err != nil {
		t.Fatalf("StartOp: %v", err)
	}
	op.Abort()
	if got := tab.InFlightCount(9); got != 0 {
		t.Fatalf("InFlightCount(9) after abort = %d, want 0", got)
	}
}
