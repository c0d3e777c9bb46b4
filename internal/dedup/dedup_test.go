package dedup

import (
	"fmt"
	"testing"

	"optflow/models"
)

func TestWindowSuppressesDuplicates(t *testing.T) {
	w := NewWindow(models.DayMs)
	base := int64(1_700_000_000_000)

	if w.Seen("T1", base) {
		t.Fatalf("first delivery must be new")
	}
	if !w.Seen("T1", base+1000) {
		t.Fatalf("second delivery 1s later must be suppressed")
	}
}

func TestWindowEvictsFromFront(t *testing.T) {
	w := NewWindow(models.DayMs)
	base := int64(1_700_000_000_000)

	w.Seen("old", base)
	w.Seen("mid", base+models.HourMs)

	// One day later the oldest id has rolled out of the window and may
	// be recorded again.
	later := base + models.DayMs + 1
	if w.Seen("old", later) {
		t.Fatalf("id outside the 24h window must read as new")
	}
	if w.Contains("mid", later) {
		t.Fatalf("mid entry should have been evicted too")
	}
}

func TestWindowBoundedMemory(t *testing.T) {
	w := NewWindow(1000)
	for i := 0; i < 5000; i++ {
		w.Seen(fmt.Sprintf("id-%d", i), int64(i))
	}
	if w.Len() > 1001 {
		t.Fatalf("live set grew past the window: %d", w.Len())
	}
}

func TestBoundedWindowEvictsByCount(t *testing.T) {
	w := NewBounded(models.DayMs, 100)
	base := int64(1_700_000_000_000)
	for i := 0; i < 500; i++ {
		w.Seen(fmt.Sprintf("id-%d", i), base+int64(i))
	}
	if w.Len() != 100 {
		t.Fatalf("live set = %d, want 100", w.Len())
	}
	// The newest ids must still dedup; the oldest rolled out by count
	// long before their timestamps expired.
	if !w.Seen("id-499", base+500) {
		t.Fatalf("newest id must still be present")
	}
	if w.Contains("id-0", base+500) {
		t.Fatalf("oldest id should have been evicted by count")
	}
}
