// Package greeks holds the option-math collaborators the engine treats
// as black boxes: an implied-vol solver plus the pin-map and IV-curve
// builders derived from engine state.
package greeks

import (
	"math"
	"sort"

	"optflow/models"
)

// Solver turns an option premium into implied volatility. A
// non-positive return means the solver could not find a vol for the
// inputs; callers must treat that as "unknown", not as zero vol.
type Solver interface {
	// ImpliedVol takes the premium in underlying terms (the venue's
	// quote convention), the underlying price, the strike and the time
	// to expiry in years.
	ImpliedVol(premium, spot, strike, tYears float64, isCall bool) float64
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// price is zero-rate Black-Scholes in USD terms.
func price(spot, strike, tYears, vol float64, isCall bool) float64 {
	if tYears <= 0 || vol <= 0 {
		intrinsic := spot - strike
		if !isCall {
			intrinsic = strike - spot
		}
		return math.Max(intrinsic, 0)
	}
	sd := vol * math.Sqrt(tYears)
	d1 := (math.Log(spot/strike) + 0.5*vol*vol*tYears) / sd
	d2 := d1 - sd
	if isCall {
		return spot*normCDF(d1) - strike*normCDF(d2)
	}
	return strike*normCDF(-d2) - spot*normCDF(-d1)
}

// BisectionSolver brackets the vol between volLo and volHi and bisects.
type BisectionSolver struct {
	VolLo, VolHi float64
	Iterations   int
}

func NewSolver() *BisectionSolver {
	return &BisectionSolver{VolLo: 0.01, VolHi: 5.0, Iterations: 64}
}

func (s *BisectionSolver) ImpliedVol(premium, spot, strike, tYears float64, isCall bool) float64 {
	if premium <= 0 || spot <= 0 || strike <= 0 || tYears <= 0 {
		return 0
	}
	target := premium * spot
	lo, hi := s.VolLo, s.VolHi
	if price(spot, strike, tYears, lo, isCall) > target ||
		price(spot, strike, tYears, hi, isCall) < target {
		return 0
	}
	for i := 0; i < s.Iterations; i++ {
		mid := (lo + hi) / 2
		if price(spot, strike, tYears, mid, isCall) < target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// PinMap aggregates absolute residual quantity per expiry and strike,
// calls and puts folded together. It is a pure projection of the
// residual map.
func PinMap(positions map[models.ClusterKey]*models.ResidualPosition) map[int64]map[int64]float64 {
	out := make(map[int64]map[int64]float64)
	for key, pos := range positions {
		strikes, ok := out[key.ExpiryMs]
		if !ok {
			strikes = make(map[int64]float64)
			out[key.ExpiryMs] = strikes
		}
		strikes[key.StrikeBucket] += math.Abs(pos.Qty)
	}
	return out
}

// CurvePoint is one (strike, IV) sample on an expiry's smile.
type CurvePoint struct {
	Strike float64
	IV     float64
}

// IVCurves groups the last-known IV per instrument into per-expiry
// smiles, sorted by strike. Instruments whose name does not parse are
// skipped.
func IVCurves(lastIV map[string]float64) map[int64][]CurvePoint {
	out := make(map[int64][]CurvePoint)
	for inst, iv := range lastIV {
		if iv <= 0 {
			continue
		}
		exp := models.ExpiryFromInstrument(inst)
		strike := models.StrikeFromInstrument(inst)
		if exp <= 0 || strike <= 0 {
			continue
		}
		out[exp] = append(out[exp], CurvePoint{Strike: strike, IV: iv})
	}
	for exp := range out {
		sort.Slice(out[exp], func(i, j int) bool { return out[exp][i].Strike < out[exp][j].Strike })
	}
	return out
}
