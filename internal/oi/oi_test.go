package oi

import "testing"

func TestSetGet(t *testing.T) {
	s := NewStore()
	s.Set(1774598400000, 90000, true, 1200)
	if got := s.Get(1774598400000, 90000, true); got != 1200 {
		t.Fatalf("Get = %v, want 1200", got)
	}
	if got := s.Get(1774598400000, 90000, false); got != 0 {
		t.Fatalf("unknown side should read zero, got %v", got)
	}
	s.Set(1774598400000, 90000, true, 1500)
	if got := s.Get(1774598400000, 90000, true); got != 1500 {
		t.Fatalf("overwrite failed, got %v", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestMaxRatio(t *testing.T) {
	s := NewStore()
	s.Set(100, 90000, true, 1000)
	s.Set(100, 91000, true, 200)

	qty := map[float64]float64{
		90000: 300,  // ratio 0.3
		91000: -120, // ratio 0.6, sign ignored
		92000: 500,  // unknown OI, skipped
	}
	if got := s.MaxRatio(100, qty, true); got != 0.6 {
		t.Fatalf("MaxRatio = %v, want 0.6", got)
	}
	if got := s.MaxRatio(100, qty, false); got != 0 {
		t.Fatalf("ratio for empty side = %v, want 0", got)
	}
}
