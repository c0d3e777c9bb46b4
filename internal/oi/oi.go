// Package oi stores venue open interest per (expiry, strike, call/put),
// bulk-refreshed from the book summary endpoint. Consumed by the
// pin-map builder; unknown entries read as zero.
package oi

import "math"

type Key struct {
	ExpiryMs int64
	Strike   float64
	IsCall   bool
}

type Store struct {
	byKey map[Key]float64
}

func NewStore() *Store {
	return &Store{byKey: make(map[Key]float64)}
}

func (s *Store) Set(expiryMs int64, strike float64, isCall bool, oi float64) {
	s.byKey[Key{ExpiryMs: expiryMs, Strike: strike, IsCall: isCall}] = oi
}

func (s *Store) Get(expiryMs int64, strike float64, isCall bool) float64 {
	return s.byKey[Key{ExpiryMs: expiryMs, Strike: strike, IsCall: isCall}]
}

func (s *Store) Len() int { return len(s.byKey) }

// MaxRatio returns the largest |qty|/OI across the given strikes for
// one expiry and side. Strikes with zero or unknown OI are skipped.
func (s *Store) MaxRatio(expiryMs int64, absQtyByStrike map[float64]float64, isCall bool) float64 {
	mx := 0.0
	for strike, qty := range absQtyByStrike {
		oi := s.Get(expiryMs, strike, isCall)
		if oi > 0 {
			if r := math.Abs(qty) / oi; r > mx {
				mx = r
			}
		}
	}
	return mx
}
