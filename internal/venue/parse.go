package venue

import (
	"encoding/json"
	"strings"

	"optflow/models"
)

// wsEnvelope is the JSON-RPC notification frame the venue pushes for
// subscribed channels.
type wsEnvelope struct {
	Method string `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

type tradeRow struct {
	TradeID    string  `json:"trade_id"`
	Instrument string  `json:"instrument_name"`
	Timestamp  int64   `json:"timestamp"`
	Amount     float64 `json:"amount"`
	Price      float64 `json:"price"`
	Direction  string  `json:"direction"`
	IV         float64 `json:"iv"`
}

type tickerRow struct {
	Instrument string  `json:"instrument_name"`
	BestBid    float64 `json:"best_bid_price"`
	BestAsk    float64 `json:"best_ask_price"`
	MarkIV     float64 `json:"mark_iv"`
	Greeks     struct {
		Delta *float64 `json:"delta"`
		IV    float64  `json:"iv"`
	} `json:"greeks"`
}

// parseTrades decodes a trades channel payload. Rows that lack an
// instrument or timestamp are dropped.
func parseTrades(data json.RawMessage) []models.TradeTick {
	var rows []tradeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil
	}
	out := make([]models.TradeTick, 0, len(rows))
	for _, r := range rows {
		if r.Instrument == "" || r.Timestamp <= 0 {
			continue
		}
		out = append(out, models.TradeTick{
			TradeID:     r.TradeID,
			Instrument:  r.Instrument,
			TimestampMs: r.Timestamp,
			Amount:      r.Amount,
			Price:       r.Price,
			Side:        models.SideFromDirection(r.Direction),
			IV:          r.IV,
			Source:      models.SourceLive,
		})
	}
	return out
}

// parseTicker decodes one ticker channel payload. The venue reports IV
// as mark_iv on options; greeks.iv is the fallback for older payloads.
func parseTicker(instrument string, data json.RawMessage) (models.TickerUpdate, bool) {
	var row tickerRow
	if err := json.Unmarshal(data, &row); err != nil {
		return models.TickerUpdate{}, false
	}
	if row.Instrument != "" {
		instrument = row.Instrument
	}
	if instrument == "" {
		return models.TickerUpdate{}, false
	}
	u := models.TickerUpdate{
		Instrument: instrument,
		Bid:        row.BestBid,
		Ask:        row.BestAsk,
		IV:         row.MarkIV,
	}
	if u.IV == 0 {
		u.IV = row.Greeks.IV
	}
	if row.Greeks.Delta != nil {
		u.Delta = *row.Greeks.Delta
		u.HasDelta = true
	}
	return u, true
}

// channelInstrument extracts the instrument from a channel name like
// "ticker.BTC-27MAR26-90000-C.raw".
func channelInstrument(channel string) string {
	parts := strings.Split(channel, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
