package threshold

import (
	"testing"
	"time"

	"optflow/internal/clock"
)

func TestManualOverrideWins(t *testing.T) {
	clk := clock.NewFake(1_700_000_000_000)
	e := NewEstimator(clk, 37)
	for i := 0; i < 1000; i++ {
		e.Push(clk.NowMs(), 500)
	}
	if got := e.BigUnit(); got != 37 {
		t.Fatalf("override must be returned verbatim, got %d", got)
	}
}

func TestFloorWithFewSamples(t *testing.T) {
	clk := clock.NewFake(1_700_000_000_000)
	e := NewEstimator(clk, 0)
	for i := 0; i < MinSamples-1; i++ {
		e.Push(clk.NowMs(), 900)
	}
	if got := e.BigUnit(); got != Floor {
		t.Fatalf("thin window must return the floor, got %d", got)
	}
}

func TestPercentileRoundedUp(t *testing.T) {
	clk := clock.NewFake(1_700_000_000_000)
	e := NewEstimator(clk, 0)
	// 1000 samples 1..1000: the 98th percentile index is 979 so the
	// selected value is 980, already a multiple of 10.
	for i := 1; i <= 1000; i++ {
		e.Push(clk.NowMs(), float64(i))
	}
	if got := e.BigUnit(); got != 980 {
		t.Fatalf("expected 980, got %d", got)
	}
}

func TestAlwaysMultipleOfTenAndNeverBelowFloor(t *testing.T) {
	clk := clock.NewFake(1_700_000_000_000)
	e := NewEstimator(clk, 0)
	for i := 0; i < 500; i++ {
		e.Push(clk.NowMs(), 63.7)
	}
	got := e.BigUnit()
	if got%10 != 0 {
		t.Fatalf("cutoff %d is not a multiple of 10", got)
	}
	if got < Floor {
		t.Fatalf("cutoff %d below floor", got)
	}
	if got != 70 {
		t.Fatalf("64 rounds up to 70, got %d", got)
	}
}

func TestWindowPruning(t *testing.T) {
	clk := clock.NewFake(1_700_000_000_000)
	e := NewEstimator(clk, 0)
	for i := 0; i < 300; i++ {
		e.Push(clk.NowMs(), 2000)
	}
	// A day later every old sample has aged out: back to the floor.
	clk.Advance(25 * time.Hour)
	if got := e.BigUnit(); got != Floor {
		t.Fatalf("aged-out window must return floor, got %d (samples=%d)", got, e.SampleCount())
	}
}

func TestMonotoneInSampleValue(t *testing.T) {
	clk := clock.NewFake(1_700_000_000_000)
	low := NewEstimator(clk, 0)
	high := NewEstimator(clk, 0)
	for i := 0; i < 400; i++ {
		low.Push(clk.NowMs(), 100)
		high.Push(clk.NowMs(), 300)
	}
	if low.BigUnit() > high.BigUnit() {
		t.Fatalf("estimator must be monotone: %d > %d", low.BigUnit(), high.BigUnit())
	}
}
