package venue

import (
	"encoding/json"
	"testing"

	"optflow/models"
)

func TestParseTrades(t *testing.T) {
	payload := json.RawMessage(`[
		{"trade_id":"281474976","instrument_name":"BTC-27MAR26-90000-C",
		 "timestamp":1756500000000,"amount":120,"price":0.055,
		 "direction":"buy","iv":61.5},
		{"trade_id":"281474977","instrument_name":"BTC-27MAR26-90000-C",
		 "timestamp":1756500000100,"amount":40,"price":0.054,"direction":"sell"},
		{"trade_id":"broken","timestamp":0,"amount":1}
	]`)
	ticks := parseTrades(payload)
	if len(ticks) != 2 {
		t.Fatalf("ticks = %d, want malformed row dropped", len(ticks))
	}
	first := ticks[0]
	if first.TradeID != "281474976" || first.Side != models.SideBuy || first.IV != 61.5 {
		t.Fatalf("first tick = %+v", first)
	}
	if first.Source != models.SourceLive {
		t.Fatalf("source = %v", first.Source)
	}
	if ticks[1].Side != models.SideSell {
		t.Fatal("sell direction lost")
	}
}

func TestParseTickerPrefersMarkIV(t *testing.T) {
	payload := json.RawMessage(`{
		"instrument_name":"BTC-27MAR26-90000-C",
		"best_bid_price":0.051,"best_ask_price":0.053,
		"mark_iv":62.1,"greeks":{"delta":0.41,"iv":60.0}
	}`)
	u, ok := parseTicker("", payload)
	if !ok {
		t.Fatal("parse failed")
	}
	if u.Instrument != "BTC-27MAR26-90000-C" {
		t.Fatalf("instrument = %q", u.Instrument)
	}
	if u.IV != 62.1 {
		t.Fatalf("iv = %v, want mark_iv preferred", u.IV)
	}
	if !u.HasDelta || u.Delta != 0.41 {
		t.Fatalf("delta = %v has=%v", u.Delta, u.HasDelta)
	}
	if u.Bid != 0.051 || u.Ask != 0.053 {
		t.Fatalf("quote = %v/%v", u.Bid, u.Ask)
	}
}

func TestParseTickerFallsBackToGreeksIV(t *testing.T) {
	payload := json.RawMessage(`{"best_bid_price":0.05,"best_ask_price":0.06,"greeks":{"iv":58.3}}`)
	u, ok := parseTicker("BTC-27MAR26-90000-P", payload)
	if !ok {
		t.Fatal("parse failed")
	}
	if u.IV != 58.3 {
		t.Fatalf("iv = %v, want greeks fallback", u.IV)
	}
	if u.HasDelta {
		t.Fatal("absent delta reported as present")
	}
}

func TestParseTickerWithoutInstrument(t *testing.T) {
	if _, ok := parseTicker("", json.RawMessage(`{"best_bid_price":0.05}`)); ok {
		t.Fatal("accepted update with no instrument")
	}
}

func TestChannelInstrument(t *testing.T) {
	if got := channelInstrument("ticker.BTC-27MAR26-90000-C.raw"); got != "BTC-27MAR26-90000-C" {
		t.Fatalf("got %q", got)
	}
	if got := channelInstrument("garbage"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestEnvelopeRouting(t *testing.T) {
	msg := []byte(`{"jsonrpc":"2.0","method":"subscription",
		"params":{"channel":"trades.option.BTC.raw",
		"data":[{"trade_id":"1","instrument_name":"BTC-27MAR26-90000-C",
		"timestamp":1756500000000,"amount":60,"price":0.05,"direction":"buy"}]}}`)
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatal(err)
	}
	if env.Method != "subscription" || env.Params.Channel != "trades.option.BTC.raw" {
		t.Fatalf("envelope = %+v", env)
	}
	if ticks := parseTrades(env.Params.Data); len(ticks) != 1 {
		t.Fatalf("ticks = %d", len(ticks))
	}
}
