// Package ledger holds the central mutable state: the per-cluster
// residual position estimate and the signal view projected from it.
// ApplyTrade is the single writer; live and all backfill pipelines call
// it with the same contract so one reconciled state emerges regardless
// of data source or arrival order.
package ledger

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"optflow/logger"
	"optflow/models"
)

// BigUnitSource answers the current large-trade cutoff.
type BigUnitSource interface {
	BigUnit() int
}

type miniEvent struct {
	ts  int64
	qty float64
}

// activity events are kept long enough for the all-time column; a hard
// cap guards memory.
const activityKeepMs = 365 * models.DayMs

type Ledger struct {
	log         *logger.Entry
	bucketWidth float64
	big         BigUnitSource

	refPx float64

	positions map[models.ClusterKey]*models.ResidualPosition
	anchors   map[models.ClusterKey]int64
	signals   map[models.ClusterKey]*models.Signal

	instToExpiry map[string]int64
	expiryEvents map[int64][]miniEvent
}

func New(bucketWidth float64, big BigUnitSource) *Ledger {
	return &Ledger{
		log:          logger.GetLogger().WithComponent("ledger"),
		bucketWidth:  bucketWidth,
		big:          big,
		positions:    make(map[models.ClusterKey]*models.ResidualPosition),
		anchors:      make(map[models.ClusterKey]int64),
		signals:      make(map[models.ClusterKey]*models.Signal),
		instToExpiry: make(map[string]int64),
		expiryEvents: make(map[int64][]miniEvent),
	}
}

// RegisterInstrument records the authoritative expiry for an instrument
// as reported by the venue's instrument listing.
func (l *Ledger) RegisterInstrument(name string, expiryMs int64) {
	if name != "" && expiryMs > 0 {
		l.instToExpiry[name] = expiryMs
	}
}

// ExpiryOf resolves the expiry for an instrument, falling back to the
// name-embedded date when the listing has not been seen.
func (l *Ledger) ExpiryOf(instrument string) int64 {
	if exp, ok := l.instToExpiry[instrument]; ok {
		return exp
	}
	return models.ExpiryFromInstrument(instrument)
}

// SetReferencePrice updates the underlying reference used for notional
// and for the delta fallback.
func (l *Ledger) SetReferencePrice(px float64) {
	if px > 0 {
		l.refPx = px
	}
}

func (l *Ledger) ReferencePrice() float64 { return l.refPx }

// FallbackAbsDelta estimates |delta| purely from strike distance to the
// reference price: 0.5 at the money, decaying with distance, bounded in
// (0, 0.5]. Used when the venue reported no delta for the instrument.
func FallbackAbsDelta(strike, refPx float64) float64 {
	if refPx <= 0 || strike <= 0 {
		return 0.5
	}
	return 0.5 * math.Exp(-math.Abs(strike-refPx)/(0.1*refPx))
}

// SignedDelta forces the call/put sign convention onto a raw delta,
// substituting the distance fallback when the raw value is negligible.
func (l *Ledger) SignedDelta(rawDelta, strike float64, isCall bool) float64 {
	dAbs := math.Abs(rawDelta)
	if dAbs <= 1e-9 {
		dAbs = FallbackAbsDelta(strike, l.refPx)
	}
	if isCall {
		return dAbs
	}
	return -dAbs
}

// ApplyTrade folds one print into the residual state. Returns the
// cluster key and whether the print qualified. Rejections: unknown
// expiry, unparsable strike, |amount| below the current big unit.
func (l *Ledger) ApplyTrade(instrument string, ts int64, amount float64, side models.Side, rawDelta, price float64) (models.ClusterKey, bool) {
	exp := l.ExpiryOf(instrument)
	if exp <= 0 {
		return models.ClusterKey{}, false
	}
	absAmt := math.Abs(amount)
	if absAmt < float64(l.big.BigUnit()) {
		return models.ClusterKey{}, false
	}
	strike := models.StrikeFromInstrument(instrument)
	if strike <= 0 {
		return models.ClusterKey{}, false
	}
	isCall := models.IsCallInstrument(instrument)
	key := models.MakeClusterKey(exp, isCall, strike, l.bucketWidth)

	pos, ok := l.positions[key]
	if !ok {
		pos = &models.ResidualPosition{Instruments: make(map[string]struct{})}
		l.positions[key] = pos
	}

	sign := side.Sign()
	pos.Qty += sign * absAmt
	pos.SignedQty += sign * absAmt // kept identical by construction
	pos.DeltaWeightedVol += sign * absAmt * l.SignedDelta(rawDelta, strike, isCall)
	if ts > pos.LastTradeTs {
		pos.LastTradeTs = ts
	}
	pos.TradeCount++
	pos.Instruments[instrument] = struct{}{}

	l.recordActivity(exp, ts, absAmt)

	// Refresh an existing signal row in place; rows are only created by
	// burst fires or a rebuild.
	if sig, ok := l.signals[key]; ok {
		l.project(sig, key, pos)
	}
	return key, true
}

func (l *Ledger) recordActivity(expiryMs, ts int64, absAmt float64) {
	events := append(l.expiryEvents[expiryMs], miniEvent{ts: ts, qty: absAmt})
	cutoff := ts - activityKeepMs
	i := 0
	for ; i < len(events) && events[i].ts < cutoff; i++ {
	}
	l.expiryEvents[expiryMs] = events[i:]
}

// ExpiryActivity aggregates traded quantity per expiry over the kept
// horizon, the last day and the last hour.
func (l *Ledger) ExpiryActivity(nowMs int64) []models.ExpiryActivity {
	out := make([]models.ExpiryActivity, 0, len(l.expiryEvents))
	for exp, events := range l.expiryEvents {
		row := models.ExpiryActivity{ExpiryMs: exp}
		for _, e := range events {
			row.QtyAll += e.qty
			if nowMs-e.ts <= models.DayMs {
				row.Qty24h += e.qty
			}
			if nowMs-e.ts <= models.HourMs {
				row.Qty1h += e.qty
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryMs < out[j].ExpiryMs })
	return out
}

// Position returns the residual for a key, or nil.
func (l *Ledger) Position(key models.ClusterKey) *models.ResidualPosition {
	return l.positions[key]
}

// Positions exposes the residual map for snapshotting and the pin-map
// and curve builders. Callers must not mutate.
func (l *Ledger) Positions() map[models.ClusterKey]*models.ResidualPosition {
	return l.positions
}

func (l *Ledger) Anchors() map[models.ClusterKey]int64 { return l.anchors }

// project fills a signal row from the current residual of its cluster.
func (l *Ledger) project(sig *models.Signal, key models.ClusterKey, pos *models.ResidualPosition) {
	qAbs := math.Abs(pos.Qty)
	absDVol := math.Abs(pos.DeltaWeightedVol)
	sig.ResidualQty = pos.Qty
	sig.AbsDVol = absDVol
	if qAbs > 1e-12 {
		sig.AvgAbsDelta = absDVol / qAbs
	} else {
		sig.AvgAbsDelta = 0
	}
	if l.refPx > 0 {
		sig.NotionalUSD = qAbs * l.refPx
	}
	sig.LastTradeTs = pos.LastTradeTs
	sig.TradeCount = pos.TradeCount
	sig.Instruments = len(pos.Instruments)
}

// UpsertSignal creates or refreshes the signal row for a cluster from a
// burst snapshot. The anchor timestamp is assigned exactly once: the
// burst's start when known, else the cluster's last trade time.
func (l *Ledger) UpsertSignal(key models.ClusterKey, snap models.FlowBurst, bigUnit int) *models.Signal {
	pos, ok := l.positions[key]
	if !ok {
		return nil
	}
	if math.Abs(pos.Qty) < math.Max(float64(bigUnit), 1) {
		delete(l.signals, key)
		return nil
	}

	sig, ok := l.signals[key]
	if !ok {
		sig = &models.Signal{
			ID:           uuid.New().String(),
			Key:          key,
			ExpiryMs:     key.ExpiryMs,
			IsCall:       key.IsCall,
			CenterStrike: snap.CenterStrike,
		}
		l.signals[key] = sig
	}

	anchor, ok := l.anchors[key]
	if !ok {
		anchor = snap.StartMs
		if anchor <= 0 {
			anchor = pos.LastTradeTs
		}
		l.anchors[key] = anchor
	}
	sig.AnchorTs = anchor

	// Direction from the delta-weighted sum; pure call/put x buy/sell
	// parity only when delta is entirely absent.
	if math.Abs(snap.DVolSum) > 1e-9 {
		if snap.DVolSum >= 0 {
			sig.Direction = 1
		} else {
			sig.Direction = -1
		}
	} else {
		cpSign := -1
		if snap.IsCall {
			cpSign = 1
		}
		bsSign := -1
		if snap.IsBuy {
			bsSign = 1
		}
		if cpSign*bsSign >= 0 {
			sig.Direction = 1
		} else {
			sig.Direction = -1
		}
	}
	sig.Strong = snap.QtySum >= float64(bigUnit)*10 ||
		math.Abs(snap.DVolSum) >= float64(bigUnit)*4

	l.project(sig, key, pos)
	return sig
}

// RebuildSignals reconstructs the whole signal view from the residual
// map, e.g. after a snapshot load or a completed backfill. Residual
// state is only read, never mutated; anchors persist across rebuilds.
func (l *Ledger) RebuildSignals(bigUnit int) []*models.Signal {
	l.signals = make(map[models.ClusterKey]*models.Signal)
	for key, pos := range l.positions {
		if math.Abs(pos.Qty) < float64(bigUnit) {
			continue
		}
		snap := models.FlowBurst{
			StartMs:      0, // unknown when restoring; anchor falls back to last trade
			LastMs:       pos.LastTradeTs,
			IsBuy:        pos.Qty >= 0,
			IsCall:       key.IsCall,
			CenterStrike: float64(key.StrikeBucket),
			QtySum:       pos.Qty,
			DVolSum:      pos.DeltaWeightedVol,
			Trades:       pos.TradeCount,
		}
		l.UpsertSignal(key, snap, bigUnit)
	}
	out := l.Signals()
	l.log.WithFields(logger.Fields{"rows": len(out), "big_unit": bigUnit}).Debug("signal view rebuilt from residual")
	return out
}

// Signals returns the current view sorted by anchor, newest first.
func (l *Ledger) Signals() []*models.Signal {
	out := make([]*models.Signal, 0, len(l.signals))
	for _, sig := range l.signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnchorTs > out[j].AnchorTs })
	return out
}

// Signal returns the row for one cluster, or nil.
func (l *Ledger) Signal(key models.ClusterKey) *models.Signal {
	return l.signals[key]
}

// Restore replaces the residual maps and anchors from a snapshot.
func (l *Ledger) Restore(positions map[models.ClusterKey]*models.ResidualPosition, anchors map[models.ClusterKey]int64) {
	if positions != nil {
		l.positions = positions
	}
	if anchors != nil {
		l.anchors = anchors
	}
}
