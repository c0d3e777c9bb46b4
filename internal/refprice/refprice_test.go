package refprice

import (
	"context"
	"errors"
	"testing"

	"optflow/internal/channel"
)

type fixedPrimary struct {
	px  float64
	err error
}

func (f *fixedPrimary) ReferencePrice(ctx context.Context) (float64, error) {
	return f.px, f.err
}

func TestPollForwardsPrimaryPrice(t *testing.T) {
	ch := channel.NewChannels(4, 4)
	p := NewPoller(Config{}, &fixedPrimary{px: 91250}, ch)

	p.poll(context.Background())

	select {
	case px := <-ch.RefPrices:
		if px != 91250 {
			t.Fatalf("forwarded price = %v, want 91250", px)
		}
	default:
		t.Fatal("expected a reference price on the channel")
	}
}

func TestPollSkipsWhenNoSourceAvailable(t *testing.T) {
	ch := channel.NewChannels(4, 4)
	p := NewPoller(Config{FallbackSymbol: "BTCUSDT"}, &fixedPrimary{err: errors.New("down")}, ch)
	// Point the fallback at nothing so it fails fast.
	p.spot.BaseURL = "http://127.0.0.1:1"

	p.poll(context.Background())

	select {
	case px := <-ch.RefPrices:
		t.Fatalf("unexpected price forwarded: %v", px)
	default:
	}
}

func TestNewPollerDefaults(t *testing.T) {
	p := NewPoller(Config{}, &fixedPrimary{}, channel.NewChannels(1, 1))
	if p.config.Interval <= 0 {
		t.Fatal("interval default not applied")
	}
	if p.config.FallbackSymbol != "BTCUSDT" {
		t.Fatalf("unexpected fallback symbol: %s", p.config.FallbackSymbol)
	}
}
