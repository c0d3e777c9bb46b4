// Package burst accumulates same-side large prints in a nearby strike
// range into short-lived clusters and decides when a cluster has grown
// material enough to fire a signal. Fired or stale clusters are removed;
// the residual ledger, not the burst, is the durable state.
package burst

import (
	"fmt"
	"math"

	"optflow/internal/dedup"
	"optflow/logger"
	"optflow/models"
)

const (
	// WindowMs is how long a burst stays alive after its last print.
	WindowMs = 6_000
	// StrikeClusterWidth is the max distance from a burst's center for a
	// print to join it.
	StrikeClusterWidth = 1_500
	// DedupWindowMs suppresses repeat fires of the same cluster.
	DedupWindowMs = 90_000
	// DedupBucketMs coarsens the fire timestamp inside the dedup key.
	DedupBucketMs = 30_000

	// Fire thresholds as multiples of the current big unit.
	FireQtyMult  = 5
	FireDVolMult = 2
)

type state struct {
	models.FlowBurst
	expiryMs int64
}

type Detector struct {
	log    *logger.Entry
	bursts []*state
	fired  *dedup.Window
}

func NewDetector() *Detector {
	return &Detector{
		log:   logger.GetLogger().WithComponent("burst"),
		fired: dedup.NewWindow(DedupWindowMs),
	}
}

// Active returns the number of live bursts.
func (d *Detector) Active() int { return len(d.bursts) }

func (d *Detector) evict(nowMs int64) {
	kept := d.bursts[:0]
	for _, b := range d.bursts {
		if nowMs-b.LastMs <= WindowMs {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(d.bursts); i++ {
		d.bursts[i] = nil
	}
	d.bursts = kept
}

// match finds the closest live burst on the same expiry, side and
// call/put whose center is within the cluster width.
func (d *Detector) match(expiryMs int64, isBuy, isCall bool, strike float64) *state {
	var best *state
	bestDist := math.Inf(1)
	for _, b := range d.bursts {
		if b.expiryMs != expiryMs || b.IsBuy != isBuy || b.IsCall != isCall {
			continue
		}
		dist := math.Abs(b.CenterStrike - strike)
		if dist <= StrikeClusterWidth && dist < bestDist {
			best, bestDist = b, dist
		}
	}
	return best
}

func dedupKey(expiryMs int64, isCall bool, center float64, ts int64) string {
	cp := 0
	if isCall {
		cp = 1
	}
	rounded := int64(math.Round(center/StrikeClusterWidth)) * StrikeClusterWidth
	return fmt.Sprintf("%d|%d|%d|%d", expiryMs, cp, rounded, ts/DedupBucketMs)
}

// Observe feeds one qualified print into the detector. When the burst
// the print lands in crosses a fire threshold, the burst is consumed and
// its snapshot is returned with fired=true, unless an equivalent cluster
// already fired inside the dedup window.
func (d *Detector) Observe(instrument string, expiryMs, ts int64, amount float64, side models.Side, signedDelta float64, bigUnit int) (models.FlowBurst, bool) {
	d.evict(ts)

	absAmt := math.Abs(amount)
	isBuy := side == models.SideBuy
	isCall := models.IsCallInstrument(instrument)
	strike := models.StrikeFromInstrument(instrument)

	b := d.match(expiryMs, isBuy, isCall, strike)
	if b == nil {
		b = &state{
			FlowBurst: models.FlowBurst{
				StartMs:      ts,
				LastMs:       ts,
				IsBuy:        isBuy,
				IsCall:       isCall,
				CenterStrike: strike,
				Instruments:  make(map[string]struct{}),
			},
			expiryMs: expiryMs,
		}
		d.bursts = append(d.bursts, b)
	}

	// Running mean keeps the center inside the traded strike range.
	b.CenterStrike = (b.CenterStrike*float64(b.Trades) + strike) / float64(b.Trades+1)
	b.Trades++
	b.QtySum += absAmt
	b.DVolSum += side.Sign() * absAmt * signedDelta
	if ts > b.LastMs {
		b.LastMs = ts
	}
	b.Instruments[instrument] = struct{}{}

	unit := float64(bigUnit)
	if b.QtySum < unit*FireQtyMult && math.Abs(b.DVolSum) < unit*FireDVolMult {
		return models.FlowBurst{}, false
	}

	// Threshold crossed. The burst is consumed either way; the dedup
	// window decides whether a signal actually goes out.
	snap := b.FlowBurst
	d.remove(b)
	if d.fired.Seen(dedupKey(b.expiryMs, isCall, snap.CenterStrike, ts), ts) {
		d.log.WithFields(logger.Fields{
			"expiry_ms": b.expiryMs,
			"center":    snap.CenterStrike,
			"qty_sum":   snap.QtySum,
		}).Debug("burst fire suppressed by dedup window")
		return models.FlowBurst{}, false
	}
	return snap, true
}

func (d *Detector) remove(b *state) {
	for i, cur := range d.bursts {
		if cur == b {
			d.bursts[i] = d.bursts[len(d.bursts)-1]
			d.bursts[len(d.bursts)-1] = nil
			d.bursts = d.bursts[:len(d.bursts)-1]
			return
		}
	}
}
