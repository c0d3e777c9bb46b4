// Package nbbo caches the last-known best bid/ask per instrument and
// infers the aggressor side of a print from it.
package nbbo

import (
	"math"

	"optflow/models"
)

// Store is last-write-wins per instrument; no history is kept.
type Store struct {
	byInstrument map[string]models.NbboSnapshot
}

func NewStore() *Store {
	return &Store{byInstrument: make(map[string]models.NbboSnapshot)}
}

// Update records a quote. Crossed or non-positive quotes are dropped.
func (s *Store) Update(instrument string, bid, ask float64) {
	if instrument == "" || bid <= 0 || ask <= 0 || ask < bid {
		return
	}
	s.byInstrument[instrument] = models.NbboSnapshot{Bid: bid, Ask: ask}
}

// Get returns the cached snapshot, zero-valued when unknown.
func (s *Store) Get(instrument string) models.NbboSnapshot {
	return s.byInstrument[instrument]
}

// InferAggressor classifies a print against the cached NBBO. The second
// return is the signed deviation from mid in basis points. tol is 5% of
// the spread: at or beyond bid−tol is HitBid, at or beyond ask+tol is
// LiftAsk, within tol of mid is Mid, anything between falls to the
// nearer side.
func (s *Store) InferAggressor(instrument string, tradePx float64) (models.Aggressor, float64) {
	nb := s.Get(instrument)
	if !nb.Valid() || tradePx <= 0 {
		return models.AggressorUnknown, 0
	}
	mid := nb.Mid()
	spread := nb.Ask - nb.Bid
	bpDiff := 0.0
	if mid > 0 {
		bpDiff = (tradePx - mid) / mid * 10000
	}

	tol := spread * 0.05
	switch {
	case tradePx <= nb.Bid-tol:
		return models.AggressorHitBid, bpDiff
	case tradePx >= nb.Ask+tol:
		return models.AggressorLiftAsk, bpDiff
	case math.Abs(tradePx-mid) <= tol:
		return models.AggressorMid, bpDiff
	case tradePx < mid:
		return models.AggressorHitBid, bpDiff
	default:
		return models.AggressorLiftAsk, bpDiff
	}
}
