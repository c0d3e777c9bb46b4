package models

import (
	"time"
)

// Side is the reported direction of an option print.
type Side int

const (
	SideSell Side = -1
	SideBuy  Side = 1
)

// Sign returns -1 or +1 for accumulation arithmetic.
func (s Side) Sign() float64 {
	if s >= 0 {
		return 1
	}
	return -1
}

func (s Side) String() string {
	if s >= 0 {
		return "buy"
	}
	return "sell"
}

// SideFromDirection maps the venue's "buy"/"sell" direction string.
func SideFromDirection(dir string) Side {
	if dir == "buy" || dir == "Buy" || dir == "BUY" {
		return SideBuy
	}
	return SideSell
}

// TradeSource tells the engine which path delivered a print. Live and
// backfill prints share one dedup store and one ledger contract; the
// source is only kept for logging and metrics.
type TradeSource int

const (
	SourceLive TradeSource = iota
	SourceDeltaBackfill
	SourceFullBackfill
	SourceManualBackfill
)

func (s TradeSource) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceDeltaBackfill:
		return "delta_backfill"
	case SourceFullBackfill:
		return "full_backfill"
	case SourceManualBackfill:
		return "manual_backfill"
	}
	return "unknown"
}

// TradeTick is one execution print as delivered by the websocket or the
// history endpoint, before any classification.
type TradeTick struct {
	TradeID     string      `json:"trade_id"`
	Instrument  string      `json:"instrument_name"`
	TimestampMs int64       `json:"timestamp"`
	Amount      float64     `json:"amount"`
	Price       float64     `json:"price"`
	Side        Side        `json:"-"`
	IV          float64     `json:"iv,omitempty"`
	Source      TradeSource `json:"-"`
}

// TickerUpdate carries the per-instrument quote state the engine caches:
// best bid/ask for aggressor inference plus the venue's delta and IV.
type TickerUpdate struct {
	Instrument string
	Bid        float64
	Ask        float64
	Delta      float64
	HasDelta   bool
	IV         float64
}

// NbboSnapshot is the last-write-wins best bid/ask for one instrument.
type NbboSnapshot struct {
	Bid float64
	Ask float64
}

func (n NbboSnapshot) Valid() bool { return n.Bid > 0 && n.Ask > 0 && n.Ask >= n.Bid }

func (n NbboSnapshot) Mid() float64 { return (n.Bid + n.Ask) / 2 }

// Aggressor is the inferred initiating side of a print relative to the
// prevailing NBBO.
type Aggressor int

const (
	AggressorUnknown Aggressor = iota
	AggressorHitBid
	AggressorLiftAsk
	AggressorMid
)

func (a Aggressor) String() string {
	switch a {
	case AggressorHitBid:
		return "HitBid"
	case AggressorLiftAsk:
		return "LiftAsk"
	case AggressorMid:
		return "Mid"
	}
	return "Unknown"
}

// ClusterKey groups near-identical options into one economic unit:
// same expiry, same call/put, strikes rounded to one bucket.
type ClusterKey struct {
	ExpiryMs     int64
	IsCall       bool
	StrikeBucket int64
}

// ResidualPosition is the running estimate of accumulated large-trade
// flow for one cluster. Buy adds, sell subtracts; qty is never floored
// at zero, a net-negative cluster means accumulated selling.
type ResidualPosition struct {
	Qty              float64             `json:"qty"`
	SignedQty        float64             `json:"signed_qty"`
	DeltaWeightedVol float64             `json:"dvol"`
	LastTradeTs      int64               `json:"last_ts"`
	TradeCount       int                 `json:"trades"`
	Instruments      map[string]struct{} `json:"-"`
}

// FlowBurst is the transient accumulation of same-side large prints in
// a nearby strike range, before it fires or is evicted.
type FlowBurst struct {
	StartMs      int64
	LastMs       int64
	IsBuy        bool
	IsCall       bool
	CenterStrike float64
	QtySum       float64
	DVolSum      float64
	Trades       int
	Instruments  map[string]struct{}
}

// Signal is one displayable row for a cluster whose residual flow
// crossed the materiality thresholds. AnchorTs is assigned once, the
// first time the cluster crosses the display threshold, and never moves.
type Signal struct {
	ID           string     `json:"id"`
	Key          ClusterKey `json:"-"`
	ExpiryMs     int64      `json:"expiry_ms"`
	IsCall       bool       `json:"is_call"`
	CenterStrike float64    `json:"center_strike"`
	AnchorTs     int64      `json:"anchor_ts"`
	LastTradeTs  int64      `json:"last_trade_ts"`
	Direction    int        `json:"direction"` // +1 / -1
	Strong       bool       `json:"strong"`
	ResidualQty  float64    `json:"residual_qty"`
	AbsDVol      float64    `json:"abs_dvol"`
	AvgAbsDelta  float64    `json:"avg_abs_delta"`
	NotionalUSD  float64    `json:"notional_usd"`
	TradeCount   int        `json:"trade_count"`
	Instruments  int        `json:"instruments"`
}

// LegDetail is one big print kept for the per-cluster detail view and
// the parquet archive, enriched with NBBO state at arrival time.
type LegDetail struct {
	Ts         int64
	Key        ClusterKey
	Instrument string
	Side       Side
	Amount     float64
	EstDelta   float64
	Price      float64
	Aggressor  Aggressor
	Venue      string
	ExpiryMs   int64
	Strike     float64
	IsCall     bool
	NbboBid    float64
	NbboAsk    float64
	Mid        float64
	BpDiff     float64
	TradeIV    float64
	TradeID    string
}

// Instrument is the subset of the venue's instrument description the
// engine needs.
type Instrument struct {
	Name     string  `json:"instrument_name"`
	ExpiryMs int64   `json:"expiration_timestamp"`
	IsActive bool    `json:"is_active"`
	Strike   float64 `json:"strike"`
	Kind     string  `json:"kind"`
}

// AmtSample is one |amount| observation for the adaptive threshold.
type AmtSample struct {
	Ts     int64   `json:"ts"`
	AbsAmt float64 `json:"amt"`
}

// OpenInterest is one row of the venue's bulk book summary.
type OpenInterest struct {
	Instrument   string  `json:"instrument_name"`
	OpenInterest float64 `json:"open_interest"`
}

// ExpiryActivity aggregates traded quantity per expiry over several
// lookback windows.
type ExpiryActivity struct {
	ExpiryMs int64
	QtyAll   float64
	Qty24h   float64
	Qty1h    float64
}

const (
	MinuteMs = int64(time.Minute / time.Millisecond)
	HourMs   = int64(time.Hour / time.Millisecond)
	DayMs    = 24 * HourMs
)
