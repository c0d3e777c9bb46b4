// Package engine runs the single event loop that owns all mutable flow
// state. Prints, quote updates, reference prices and control events
// arrive over typed channels; every state transition happens on the
// loop goroutine, so the ledger, dedup store, threshold estimator and
// burst detector need no locks.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"optflow/internal/backfill"
	"optflow/internal/burst"
	"optflow/internal/channel"
	"optflow/internal/clock"
	"optflow/internal/dedup"
	"optflow/internal/greeks"
	"optflow/internal/ledger"
	"optflow/internal/metrics"
	"optflow/internal/nbbo"
	"optflow/internal/oi"
	"optflow/internal/snapshot"
	"optflow/internal/threshold"
	"optflow/logger"
	"optflow/models"
)

// VenueAPI are the pull-style venue calls the engine makes off-loop.
type VenueAPI interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
	Ticker(ctx context.Context, instrument string) (models.TickerUpdate, error)
	OpenInterest(ctx context.Context) ([]models.OpenInterest, error)
}

// Subscriber adds live quote streams for instruments.
type Subscriber interface {
	SubscribeTickers(instruments ...string)
}

// Backfiller is the slice of the orchestrator the engine drives.
type Backfiller interface {
	EnqueueDelta(instruments []string, sinceMs int64) int
	EnqueueFull(instruments []string) int
	EnqueueManual(instruments []string, fromMs, toMs int64) int
	Watermark() int64
	RestoreWatermark(ts int64)
}

// dedupIDCap bounds the trade-id store. The window spans the full
// backfill horizon so live and replayed prints share one store; the cap
// keeps its memory bounded when the venue is busy.
const dedupIDCap = 1_000_000

type Config struct {
	BucketWidth    float64       `yaml:"bucket_width"`
	ManualBigUnit  int           `yaml:"manual_big_unit"`
	FullOnStart    bool          `yaml:"full_on_start"`
	SnapshotEvery  time.Duration `yaml:"snapshot_every"`
	OIRefreshEvery time.Duration `yaml:"oi_refresh_every"`
	IVPumpEvery    time.Duration `yaml:"iv_pump_every"`
	IVPumpBatch    int           `yaml:"iv_pump_batch"`
	LegRingCap     int           `yaml:"leg_ring_cap"`
}

func (c *Config) applyDefaults() {
	if c.BucketWidth <= 0 {
		c.BucketWidth = 500
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = time.Minute
	}
	if c.OIRefreshEvery <= 0 {
		c.OIRefreshEvery = time.Minute
	}
	if c.IVPumpEvery <= 0 {
		c.IVPumpEvery = 2 * time.Second
	}
	if c.IVPumpBatch <= 0 {
		c.IVPumpBatch = 4
	}
	if c.LegRingCap <= 0 {
		c.LegRingCap = 200
	}
}

type Engine struct {
	config   Config
	clk      clock.Clock
	log      *logger.Entry
	channels *channel.Channels

	estimator *threshold.Estimator
	quotes    *nbbo.Store
	openInt   *oi.Store
	book      *ledger.Ledger
	bursts    *burst.Detector
	seen      *dedup.Window
	solver    greeks.Solver

	venue    VenueAPI
	sub      Subscriber
	backfill Backfiller
	store    snapshot.Store
	legOut   chan<- models.LegDetail

	lastDelta map[string]float64
	lastIV    map[string]float64

	legs map[models.ClusterKey][]models.LegDetail

	ivQueue    []string
	ivQueued   map[string]struct{}
	ivInflight map[string]struct{}

	// tasks carries closures posted by off-loop fetch goroutines back
	// onto the loop goroutine.
	tasks chan func()

	// watermarkMs is the highest print timestamp processed on the loop,
	// persisted so the next start can delta-catch-up from here.
	watermarkMs int64

	instruments []string

	// view holds the last published read-model snapshot. Everything in
	// it is copied off the loop state, so readers never touch live maps.
	view atomic.Value
}

// View is an immutable snapshot of the flow state for HTTP consumers.
type View struct {
	UpdatedMs int64
	BigUnit   int
	RefPrice  float64
	Signals   []models.Signal
	PinRisk   map[int64]float64
	Curves    map[int64][]greeks.CurvePoint
	Activity  []models.ExpiryActivity
}

func New(cfg Config, clk clock.Clock, ch *channel.Channels,
	api VenueAPI, sub Subscriber, bf Backfiller, store snapshot.Store,
	legOut chan<- models.LegDetail,
) *Engine {
	cfg.applyDefaults()
	return &Engine{
		config:     cfg,
		clk:        clk,
		log:        logger.GetLogger().WithComponent("engine"),
		channels:   ch,
		estimator:  threshold.NewEstimator(clk, cfg.ManualBigUnit),
		quotes:     nbbo.NewStore(),
		openInt:    oi.NewStore(),
		bursts:     burst.NewDetector(),
		seen:       dedup.NewBounded(backfill.FullLookbackMs+models.DayMs, dedupIDCap),
		solver:     greeks.NewSolver(),
		venue:      api,
		sub:        sub,
		backfill:   bf,
		store:      store,
		legOut:     legOut,
		lastDelta:  make(map[string]float64),
		lastIV:     make(map[string]float64),
		legs:       make(map[models.ClusterKey][]models.LegDetail),
		ivQueued:   make(map[string]struct{}),
		ivInflight: make(map[string]struct{}),
		tasks:      make(chan func(), 64),
	}
}

// Ledger exposes the state for read-model consumers.
func (e *Engine) Ledger() *ledger.Ledger { return e.book }

func (e *Engine) BigUnit() int { return e.estimator.BigUnit() }

// Bootstrap restores the snapshot, lists instruments and schedules the
// startup backfill. Must run before the loop starts.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.book = ledger.New(e.config.BucketWidth, e.estimator)

	data, err := e.store.Load(ctx)
	if err != nil {
		e.log.WithError(err).Warn("snapshot load failed, starting cold")
	}
	state := snapshot.Decode(data)
	positions, anchors := state.Residuals()
	e.book.Restore(positions, anchors)
	e.estimator.Restore(state.AmtSamples)
	for inst, v := range state.LastIV {
		e.lastIV[inst] = v
	}
	for inst, v := range state.LastDelta {
		e.lastDelta[inst] = v
	}
	e.watermarkMs = state.WatermarkMs
	e.backfill.RestoreWatermark(state.WatermarkMs)
	if len(positions) > 0 {
		e.book.RebuildSignals(e.estimator.BigUnit())
	}
	e.log.WithFields(logger.Fields{
		"clusters":  len(positions),
		"samples":   e.estimator.SampleCount(),
		"watermark": state.WatermarkMs,
	}).Info("state restored from snapshot")

	insts, err := e.venue.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("list instruments: %w", err)
	}
	e.instruments = e.instruments[:0]
	for _, inst := range insts {
		if !inst.IsActive {
			continue
		}
		e.book.RegisterInstrument(inst.Name, inst.ExpiryMs)
		e.instruments = append(e.instruments, inst.Name)
	}
	e.log.WithFields(logger.Fields{"instruments": len(e.instruments)}).Info("instrument universe loaded")

	if e.config.FullOnStart {
		e.backfill.EnqueueFull(e.instruments)
	} else {
		e.backfill.EnqueueDelta(e.instruments, e.currentWatermark())
	}
	e.publishView()
	return nil
}

// currentWatermark folds the loop's own high-water mark with the
// orchestrator's.
func (e *Engine) currentWatermark() int64 {
	wm := e.watermarkMs
	if b := e.backfill.Watermark(); b > wm {
		wm = b
	}
	return wm
}

// Run processes events until the context ends, then saves a final
// snapshot.
func (e *Engine) Run(ctx context.Context) {
	snapTicker := time.NewTicker(e.config.SnapshotEvery)
	oiTicker := time.NewTicker(e.config.OIRefreshEvery)
	ivTicker := time.NewTicker(e.config.IVPumpEvery)
	defer snapTicker.Stop()
	defer oiTicker.Stop()
	defer ivTicker.Stop()

	e.refreshOI(ctx)
	for {
		select {
		case <-ctx.Done():
			e.saveSnapshot(context.WithoutCancel(ctx))
			return
		case tick := <-e.channels.Trades:
			e.handleTrade(tick)
		case u := <-e.channels.Tickers:
			e.handleTicker(u)
		case px := <-e.channels.RefPrices:
			e.book.SetReferencePrice(px)
		case ev := <-e.channels.Events:
			e.handleEvent(ctx, ev)
		case task := <-e.tasks:
			task()
		case <-snapTicker.C:
			e.publishView()
			e.saveSnapshot(ctx)
		case <-oiTicker.C:
			e.refreshOI(ctx)
		case <-ivTicker.C:
			e.pumpIV(ctx)
		}
	}
}

func (e *Engine) handleTrade(tick models.TradeTick) {
	if tick.TradeID != "" && e.seen.Seen(tick.TradeID, tick.TimestampMs) {
		metrics.IncrementDeduped()
		return
	}
	metrics.IncrementIngested(tick.Source.String())
	if tick.TimestampMs > e.watermarkMs {
		e.watermarkMs = tick.TimestampMs
	}

	absAmt := tick.Amount
	if absAmt < 0 {
		absAmt = -absAmt
	}
	e.estimator.Push(tick.TimestampMs, absAmt)

	e.noteTradeIV(tick)

	rawDelta := e.lastDelta[tick.Instrument]
	key, ok := e.book.ApplyTrade(tick.Instrument, tick.TimestampMs, tick.Amount, tick.Side, rawDelta, tick.Price)
	if !ok {
		return
	}
	unit := e.estimator.BigUnit()
	metrics.IncrementBigPrint()
	metrics.SetBigUnit(unit)
	metrics.SetResidualClusters(len(e.book.Positions()))

	strike := models.StrikeFromInstrument(tick.Instrument)
	isCall := models.IsCallInstrument(tick.Instrument)
	e.recordLeg(key, tick, strike, isCall)

	signedDelta := e.book.SignedDelta(rawDelta, strike, isCall)
	snap, fired := e.bursts.Observe(tick.Instrument, key.ExpiryMs, tick.TimestampMs, tick.Amount, tick.Side, signedDelta, unit)
	metrics.SetActiveBursts(e.bursts.Active())
	if !fired {
		return
	}
	sig := e.book.UpsertSignal(key, snap, unit)
	if sig == nil {
		return
	}
	dir := "bearish"
	if sig.Direction > 0 {
		dir = "bullish"
	}
	metrics.IncrementSignal(dir, sig.Strong)
	e.publishView()
	e.log.WithFields(logger.Fields{
		"signal_id":    sig.ID,
		"expiry_ms":    sig.ExpiryMs,
		"center":       sig.CenterStrike,
		"direction":    dir,
		"strong":       sig.Strong,
		"residual_qty": sig.ResidualQty,
		"abs_dvol":     sig.AbsDVol,
		"trades":       sig.TradeCount,
	}).Info("flow signal emitted")
}

// noteTradeIV keeps the first usable IV per instrument: the print's own
// IV when reported, otherwise a solve from the premium.
func (e *Engine) noteTradeIV(tick models.TradeTick) {
	if tick.IV > 0 {
		e.lastIV[tick.Instrument] = tick.IV
		return
	}
	if _, known := e.lastIV[tick.Instrument]; known {
		return
	}
	spot := e.book.ReferencePrice()
	exp := e.book.ExpiryOf(tick.Instrument)
	strike := models.StrikeFromInstrument(tick.Instrument)
	if spot <= 0 || exp <= tick.TimestampMs || strike <= 0 || tick.Price <= 0 {
		e.queueIV(tick.Instrument)
		return
	}
	tYears := float64(exp-tick.TimestampMs) / float64(365*models.DayMs)
	iv := e.solver.ImpliedVol(tick.Price, spot, strike, tYears, models.IsCallInstrument(tick.Instrument))
	if iv > 0 {
		e.lastIV[tick.Instrument] = iv * 100
	} else {
		e.queueIV(tick.Instrument)
	}
}

func (e *Engine) recordLeg(key models.ClusterKey, tick models.TradeTick, strike float64, isCall bool) {
	agg, bp := e.quotes.InferAggressor(tick.Instrument, tick.Price)
	quote := e.quotes.Get(tick.Instrument)
	leg := models.LegDetail{
		Ts:         tick.TimestampMs,
		Key:        key,
		Instrument: tick.Instrument,
		Side:       tick.Side,
		Amount:     tick.Amount,
		EstDelta:   e.book.SignedDelta(e.lastDelta[tick.Instrument], strike, isCall),
		Price:      tick.Price,
		Aggressor:  agg,
		ExpiryMs:   key.ExpiryMs,
		Strike:     strike,
		IsCall:     isCall,
		NbboBid:    quote.Bid,
		NbboAsk:    quote.Ask,
		BpDiff:     bp,
		TradeIV:    tick.IV,
		TradeID:    tick.TradeID,
	}
	if quote.Valid() {
		leg.Mid = quote.Mid()
	}

	ring := append(e.legs[key], leg)
	if len(ring) > e.config.LegRingCap {
		ring = ring[len(ring)-e.config.LegRingCap:]
	}
	e.legs[key] = ring

	if e.legOut != nil {
		select {
		case e.legOut <- leg:
		default:
		}
	}
}

// Legs returns the retained detail rows for a cluster, oldest first.
func (e *Engine) Legs(key models.ClusterKey) []models.LegDetail { return e.legs[key] }

func (e *Engine) handleTicker(u models.TickerUpdate) {
	e.quotes.Update(u.Instrument, u.Bid, u.Ask)
	if u.HasDelta {
		e.lastDelta[u.Instrument] = u.Delta
	}
	if u.IV > 0 {
		e.lastIV[u.Instrument] = u.IV
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev channel.Event) {
	switch ev.Kind {
	case channel.EventReconnected:
		e.log.WithFields(logger.Fields{"ts": ev.TsMs}).Info("live feed reconnected, scheduling delta catch-up")
		e.backfill.EnqueueDelta(e.instruments, e.currentWatermark())
	case channel.EventBackfillDone:
		e.log.WithFields(logger.Fields{"pipeline": ev.Name, "trades": ev.Count}).Info("backfill complete, rebuilding signal view")
		e.book.RebuildSignals(e.estimator.BigUnit())
		e.publishView()
		e.saveSnapshot(ctx)
	case channel.EventSaveSnapshot:
		e.saveSnapshot(ctx)
	}
}

func (e *Engine) saveSnapshot(ctx context.Context) {
	state := snapshot.Capture(
		e.clk.NowMs(),
		e.book.Positions(),
		e.book.Anchors(),
		e.estimator.Tail(snapshot.SampleCap),
		e.lastIV,
		e.lastDelta,
		e.currentWatermark(),
	)
	data, err := snapshot.Encode(state)
	if err == nil {
		err = e.store.Save(ctx, data)
	}
	if err != nil {
		metrics.IncrementSnapshotSave("error")
		e.log.WithError(err).Error("snapshot save failed")
		return
	}
	metrics.IncrementSnapshotSave("success")
	logger.IncrementSnapshotSave(int64(len(data)))
}

// PinRisk reports, per expiry, the largest residual-to-open-interest
// ratio across strikes on either side.
func (e *Engine) PinRisk() map[int64]float64 {
	pins := greeks.PinMap(e.book.Positions())
	out := make(map[int64]float64, len(pins))
	for exp, strikes := range pins {
		byStrike := make(map[float64]float64, len(strikes))
		for strike, qty := range strikes {
			byStrike[float64(strike)] = qty
		}
		ratio := e.openInt.MaxRatio(exp, byStrike, true)
		if put := e.openInt.MaxRatio(exp, byStrike, false); put > ratio {
			ratio = put
		}
		out[exp] = ratio
	}
	return out
}

// IVCurves projects the cached per-instrument IVs into per-expiry
// smiles.
func (e *Engine) IVCurves() map[int64][]greeks.CurvePoint {
	return greeks.IVCurves(e.lastIV)
}

// View returns the last published snapshot. Safe to call from any
// goroutine.
func (e *Engine) View() View {
	if v, ok := e.view.Load().(View); ok {
		return v
	}
	return View{}
}

// publishView copies the loop state into an immutable snapshot. Must
// run on the loop goroutine.
func (e *Engine) publishView() {
	rows := e.book.Signals()
	sigs := make([]models.Signal, 0, len(rows))
	for _, s := range rows {
		sigs = append(sigs, *s)
	}
	e.view.Store(View{
		UpdatedMs: e.clk.NowMs(),
		BigUnit:   e.estimator.BigUnit(),
		RefPrice:  e.book.ReferencePrice(),
		Signals:   sigs,
		PinRisk:   e.PinRisk(),
		Curves:    e.IVCurves(),
		Activity:  e.book.ExpiryActivity(e.clk.NowMs()),
	})
}

// queueIV requests an on-demand quote fetch for an instrument whose IV
// is unknown. Single-flight per instrument.
func (e *Engine) queueIV(instrument string) {
	if _, ok := e.ivQueued[instrument]; ok {
		return
	}
	if _, ok := e.ivInflight[instrument]; ok {
		return
	}
	e.ivQueued[instrument] = struct{}{}
	e.ivQueue = append(e.ivQueue, instrument)
}

func (e *Engine) pumpIV(ctx context.Context) {
	n := e.config.IVPumpBatch
	for n > 0 && len(e.ivQueue) > 0 {
		inst := e.ivQueue[0]
		e.ivQueue = e.ivQueue[1:]
		delete(e.ivQueued, inst)
		if _, known := e.lastIV[inst]; known {
			continue
		}
		e.ivInflight[inst] = struct{}{}
		n--
		go func(inst string) {
			u, err := e.venue.Ticker(ctx, inst)
			e.post(func() {
				delete(e.ivInflight, inst)
				if err != nil {
					e.log.WithError(err).WithFields(logger.Fields{"instrument": inst}).Debug("iv warm fetch failed")
					return
				}
				e.handleTicker(u)
				if e.sub != nil {
					e.sub.SubscribeTickers(inst)
				}
			})
		}(inst)
	}
}

// StartManualBackfill schedules an operator-requested history replay
// over [fromMs, toMs). Quotes for the targets are warmed first so
// replayed prints carry real deltas and IVs instead of the distance
// fallback. Safe to call from any goroutine; an empty target list means
// the whole live universe.
func (e *Engine) StartManualBackfill(ctx context.Context, fromMs, toMs int64, instruments []string) {
	e.post(func() {
		targets := instruments
		if len(targets) == 0 {
			targets = append([]string(nil), e.instruments...)
		}
		e.warmThenReplay(ctx, fromMs, toMs, targets)
	})
}

// warmThenReplay runs the prefetch phase off-loop and enqueues the
// history range only after every target's quote attempt settled.
func (e *Engine) warmThenReplay(ctx context.Context, fromMs, toMs int64, targets []string) {
	go func() {
		for _, inst := range targets {
			u, err := e.venue.Ticker(ctx, inst)
			if err != nil {
				e.log.WithError(err).WithFields(logger.Fields{"instrument": inst}).Debug("manual prefetch ticker failed")
				continue
			}
			e.post(func() { e.handleTicker(u) })
		}
		e.post(func() {
			n := e.backfill.EnqueueManual(targets, fromMs, toMs)
			e.log.WithFields(logger.Fields{
				"instruments": n,
				"from_ms":     fromMs,
				"to_ms":       toMs,
			}).Info("manual backfill scheduled")
		})
	}()
}

func (e *Engine) refreshOI(ctx context.Context) {
	go func() {
		rows, err := e.venue.OpenInterest(ctx)
		e.post(func() {
			if err != nil {
				e.log.WithError(err).Debug("open interest refresh failed")
				return
			}
			for _, row := range rows {
				exp := e.book.ExpiryOf(row.Instrument)
				strike := models.StrikeFromInstrument(row.Instrument)
				if exp <= 0 || strike <= 0 {
					continue
				}
				e.openInt.Set(exp, strike, models.IsCallInstrument(row.Instrument), row.OpenInterest)
			}
			e.log.WithFields(logger.Fields{"entries": e.openInt.Len()}).Debug("open interest refreshed")
		})
	}()
}

// post hands a closure to the loop goroutine. Drops only if the engine
// is shutting down and the task buffer is full.
func (e *Engine) post(task func()) {
	select {
	case e.tasks <- task:
	default:
		e.log.Warn("task buffer full, dropping loop task")
	}
}
