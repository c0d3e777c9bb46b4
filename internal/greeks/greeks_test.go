package greeks

import (
	"math"
	"testing"

	"optflow/models"
)

func TestImpliedVolRoundTrip(t *testing.T) {
	s := NewSolver()
	spot, strike, tYears := 90000.0, 95000.0, 0.25
	for _, vol := range []float64{0.3, 0.6, 1.2} {
		premium := price(spot, strike, tYears, vol, true) / spot
		got := s.ImpliedVol(premium, spot, strike, tYears, true)
		if math.Abs(got-vol) > 1e-4 {
			t.Fatalf("vol %v solved as %v", vol, got)
		}
	}
}

func TestImpliedVolPut(t *testing.T) {
	s := NewSolver()
	spot, strike, tYears := 90000.0, 80000.0, 0.5
	premium := price(spot, strike, tYears, 0.7, false) / spot
	got := s.ImpliedVol(premium, spot, strike, tYears, false)
	if math.Abs(got-0.7) > 1e-4 {
		t.Fatalf("put vol solved as %v", got)
	}
}

func TestImpliedVolUnsolvable(t *testing.T) {
	s := NewSolver()
	// Premium below intrinsic value cannot be matched by any vol.
	if got := s.ImpliedVol(0.00001, 90000, 40000, 0.25, true); got > 0 {
		t.Fatalf("impossible premium solved as %v", got)
	}
	if got := s.ImpliedVol(0.05, 90000, 95000, 0, true); got > 0 {
		t.Fatalf("expired option solved as %v", got)
	}
	if got := s.ImpliedVol(-1, 90000, 95000, 0.25, true); got > 0 {
		t.Fatalf("negative premium solved as %v", got)
	}
}

func TestPinMapFoldsCallsAndPuts(t *testing.T) {
	exp := int64(1790150400000)
	positions := map[models.ClusterKey]*models.ResidualPosition{
		{ExpiryMs: exp, IsCall: true, StrikeBucket: 90000}:  {Qty: 300},
		{ExpiryMs: exp, IsCall: false, StrikeBucket: 90000}: {Qty: -150},
		{ExpiryMs: exp, IsCall: true, StrikeBucket: 95000}:  {Qty: 80},
	}
	pins := PinMap(positions)
	if len(pins) != 1 {
		t.Fatalf("expiries = %d", len(pins))
	}
	if got := pins[exp][90000]; got != 450 {
		t.Fatalf("pin at 90000 = %v, want abs-summed 450", got)
	}
	if got := pins[exp][95000]; got != 80 {
		t.Fatalf("pin at 95000 = %v", got)
	}
}

func TestIVCurvesSortedByStrike(t *testing.T) {
	lastIV := map[string]float64{
		"BTC-27MAR26-100000-C": 0.65,
		"BTC-27MAR26-80000-P":  0.72,
		"BTC-27MAR26-90000-C":  0.60,
		"BTC-PERPETUAL":        0.50, // unparsable, skipped
		"BTC-27MAR26-95000-C":  0,    // unknown IV, skipped
	}
	curves := IVCurves(lastIV)
	if len(curves) != 1 {
		t.Fatalf("expiries = %d", len(curves))
	}
	for _, pts := range curves {
		if len(pts) != 3 {
			t.Fatalf("points = %d", len(pts))
		}
		for i := 1; i < len(pts); i++ {
			if pts[i].Strike <= pts[i-1].Strike {
				t.Fatal("curve not sorted by strike")
			}
		}
	}
}
