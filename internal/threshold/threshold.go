// Package threshold derives the "big trade" size cutoff from a rolling
// 24h sample of absolute print amounts.
package threshold

import (
	"math"

	"optflow/internal/clock"
	"optflow/models"
)

const (
	// Floor is the minimum cutoff in contracts.
	Floor = 50
	// MinSamples below which the floor is returned unconditionally.
	MinSamples = 200
	// Quantile of |amount| used as the adaptive cutoff.
	Quantile = 0.98
	// RoundStep rounds the cutoff up to the next multiple.
	RoundStep = 10
)

// Estimator keeps the trailing-24h amount samples and answers
// BigUnit(). A manual override > 0 always wins.
type Estimator struct {
	clk      clock.Clock
	override int
	samples  []models.AmtSample
	scratch  []float64
}

func NewEstimator(clk clock.Clock, manualOverride int) *Estimator {
	return &Estimator{clk: clk, override: manualOverride}
}

// Push records one |amount| observation. Non-positive amounts and
// timestamps are ignored.
func (e *Estimator) Push(ts int64, absAmt float64) {
	if absAmt <= 0 || ts <= 0 {
		return
	}
	e.samples = append(e.samples, models.AmtSample{Ts: ts, AbsAmt: absAmt})
	e.prune(ts)
}

// Restore replaces the sample window, as read back from a snapshot.
func (e *Estimator) Restore(samples []models.AmtSample) {
	e.samples = append(e.samples[:0], samples...)
}

// Tail returns up to n of the most recent samples for snapshotting.
func (e *Estimator) Tail(n int) []models.AmtSample {
	if len(e.samples) <= n {
		out := make([]models.AmtSample, len(e.samples))
		copy(out, e.samples)
		return out
	}
	out := make([]models.AmtSample, n)
	copy(out, e.samples[len(e.samples)-n:])
	return out
}

func (e *Estimator) SampleCount() int { return len(e.samples) }

func (e *Estimator) prune(now int64) {
	cutoff := now - models.DayMs
	i := 0
	for ; i < len(e.samples) && e.samples[i].Ts < cutoff; i++ {
	}
	if i > 0 {
		e.samples = append(e.samples[:0], e.samples[i:]...)
	}
}

// BigUnit returns the current cutoff: the manual override when set,
// the floor when the window is thin, otherwise the 98th percentile of
// |amount| floored at 50 and rounded up to the next multiple of 10.
func (e *Estimator) BigUnit() int {
	if e.override > 0 {
		return e.override
	}
	e.prune(e.clk.NowMs())

	unit := Floor
	if len(e.samples) >= MinSamples {
		e.scratch = e.scratch[:0]
		for _, s := range e.samples {
			e.scratch = append(e.scratch, s.AbsAmt)
		}
		k := int(math.Floor(float64(len(e.scratch)-1) * Quantile))
		unit = int(math.Round(quickselect(e.scratch, k)))
		if unit < Floor {
			unit = Floor
		}
	}
	if unit%RoundStep != 0 {
		unit = ((unit + RoundStep - 1) / RoundStep) * RoundStep
	}
	return unit
}

// IsBig reports whether a print amount meets the current cutoff.
func (e *Estimator) IsBig(amount float64) bool {
	return math.Abs(amount) >= float64(e.BigUnit())
}

// quickselect returns the k-th smallest element (0-based), partitioning
// in place. Expected O(n), no full sort.
func quickselect(a []float64, k int) float64 {
	lo, hi := 0, len(a)-1
	for lo < hi {
		p := partition(a, lo, hi)
		switch {
		case p == k:
			return a[p]
		case p < k:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
	return a[k]
}

func partition(a []float64, lo, hi int) int {
	mid := lo + (hi-lo)/2
	a[mid], a[hi] = a[hi], a[mid]
	pivot := a[hi]
	i := lo
	for j := lo; j < hi; j++ {
		if a[j] < pivot {
			a[i], a[j] = a[j], a[i]
			i++
		}
	}
	a[i], a[hi] = a[hi], a[i]
	return i
}
