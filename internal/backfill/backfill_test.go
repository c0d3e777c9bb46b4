package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"optflow/internal/channel"
	"optflow/internal/clock"
	"optflow/internal/venue"
	"optflow/models"
)

// fakeFetcher synthesizes one print every intervalMs, honoring the page
// limit the way the venue does.
type fakeFetcher struct {
	intervalMs int64

	mu        sync.Mutex
	calls     int
	failFirst int
	garbled   int
}

func (f *fakeFetcher) TradesBetween(_ context.Context, inst string, startMs, endMs int64, limit int) ([]models.TradeTick, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if call <= f.garbled {
		return nil, &venue.ParseError{
			Method:  "public/get_last_trades_by_instrument_and_time",
			Excerpt: "<html>not json</html>",
			Err:     errors.New("invalid character '<'"),
		}
	}
	if call <= f.failFirst {
		return nil, errors.New("venue unavailable")
	}

	var out []models.TradeTick
	first := ((startMs + f.intervalMs - 1) / f.intervalMs) * f.intervalMs
	for ts := first; ts <= endMs && len(out) < limit; ts += f.intervalMs {
		out = append(out, models.TradeTick{
			TradeID:     fmt.Sprintf("%s-%d", inst, ts),
			Instrument:  inst,
			TimestampMs: ts,
			Amount:      60,
			Price:       0.05,
			Side:        models.SideBuy,
		})
	}
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// collectUntilDone consumes trades until the named pipeline reports
// completion, then drains whatever is still buffered.
func collectUntilDone(t *testing.T, ch *channel.Channels, pipeline string) ([]models.TradeTick, channel.Event) {
	t.Helper()
	var trades []models.TradeTick
	timeout := time.After(10 * time.Second)
	for {
		select {
		case tr := <-ch.Trades:
			trades = append(trades, tr)
		case ev := <-ch.Events:
			if ev.Kind != channel.EventBackfillDone || ev.Name != pipeline {
				continue
			}
			for {
				select {
				case tr := <-ch.Trades:
					trades = append(trades, tr)
				default:
					return trades, ev
				}
			}
		case <-timeout:
			t.Fatal("pipeline did not complete")
		}
	}
}

func assertNoDuplicates(t *testing.T, trades []models.TradeTick) {
	t.Helper()
	seen := make(map[string]struct{}, len(trades))
	for _, tr := range trades {
		if _, dup := seen[tr.TradeID]; dup {
			t.Fatalf("trade %s delivered twice", tr.TradeID)
		}
		seen[tr.TradeID] = struct{}{}
	}
}

func TestDeltaCatchUpCoversSinceWatermark(t *testing.T) {
	now := 8 * models.DayMs
	clk := clock.NewFake(now)
	fetcher := &fakeFetcher{intervalMs: models.MinuteMs}
	ch := channel.NewChannels(64, 16)
	o := NewOrchestrator(clk, fetcher, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	since := now - 2*models.HourMs
	o.EnqueueDelta([]string{"BTC-27MAR26-90000-C"}, since)

	trades, _ := collectUntilDone(t, ch, "delta_backfill")
	if len(trades) != 120 {
		t.Fatalf("trades = %d, want 120", len(trades))
	}
	assertNoDuplicates(t, trades)
	for _, tr := range trades {
		if tr.TimestampMs <= since || tr.TimestampMs > now {
			t.Fatalf("trade at %d outside (%d, %d]", tr.TimestampMs, since, now)
		}
		if tr.Source != models.SourceDeltaBackfill {
			t.Fatalf("source = %v", tr.Source)
		}
	}
	if o.Watermark() != now {
		t.Fatalf("watermark = %d, want %d", o.Watermark(), now)
	}
}

func TestDeltaLookbackCapsOldWatermark(t *testing.T) {
	now := 30 * models.DayMs
	clk := clock.NewFake(now)
	fetcher := &fakeFetcher{intervalMs: models.HourMs}
	ch := channel.NewChannels(64, 16)
	o := NewOrchestrator(clk, fetcher, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// Watermark is 20 days stale; catch-up still reaches back only 7d.
	o.EnqueueDelta([]string{"BTC-27MAR26-90000-C"}, now-20*models.DayMs)

	trades, _ := collectUntilDone(t, ch, "delta_backfill")
	for _, tr := range trades {
		if tr.TimestampMs < now-DeltaLookbackMs {
			t.Fatalf("trade at %d older than lookback", tr.TimestampMs)
		}
	}
	want := int(DeltaLookbackMs/models.HourMs) + 1
	if len(trades) != want {
		t.Fatalf("trades = %d, want %d", len(trades), want)
	}
}

func TestFullPageShrinksWindowWithoutGaps(t *testing.T) {
	base := models.DayMs
	clk := clock.NewFake(base + 4*models.HourMs)
	// 10s cadence: a 6h window holds 2161 candidates, forcing truncation.
	fetcher := &fakeFetcher{intervalMs: 10_000}
	ch := channel.NewChannels(64, 16)
	o := NewOrchestrator(clk, fetcher, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	if o.EnqueueManual([]string{"BTC-27MAR26-90000-C"}, base, base+3*models.HourMs) != 1 {
		t.Fatal("manual enqueue rejected")
	}

	trades, ev := collectUntilDone(t, ch, "manual_backfill")
	want := int(3*models.HourMs/10_000) + 1
	if len(trades) != want {
		t.Fatalf("trades = %d, want %d (page truncation lost rows)", len(trades), want)
	}
	assertNoDuplicates(t, trades)
	if ev.Count != want {
		t.Fatalf("done count = %d, want %d", ev.Count, want)
	}
	if fetcher.callCount() < 2 {
		t.Fatal("full page should have forced a second window")
	}
}

func TestFullWindowErrorRequeued(t *testing.T) {
	now := 121 * models.DayMs
	clk := clock.NewFake(now)
	fetcher := &fakeFetcher{intervalMs: models.HourMs, failFirst: 2}
	ch := channel.NewChannels(256, 16)
	o := NewOrchestrator(clk, fetcher, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.EnqueueFull([]string{"BTC-27MAR26-90000-C"})

	trades, _ := collectUntilDone(t, ch, "full_backfill")
	want := int(FullLookbackMs/models.HourMs) + 1
	if len(trades) != want {
		t.Fatalf("trades = %d, want %d despite transient failures", len(trades), want)
	}
	assertNoDuplicates(t, trades)
	if fetcher.callCount() <= 2 {
		t.Fatal("failed windows were not retried")
	}
}

func TestDeltaErrorAbandonsJob(t *testing.T) {
	now := 8 * models.DayMs
	clk := clock.NewFake(now)
	fetcher := &fakeFetcher{intervalMs: models.MinuteMs, failFirst: 1 << 30}
	ch := channel.NewChannels(64, 16)
	o := NewOrchestrator(clk, fetcher, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.EnqueueDelta([]string{"BTC-27MAR26-90000-C"}, now-models.HourMs)

	trades, ev := collectUntilDone(t, ch, "delta_backfill")
	if len(trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(trades))
	}
	if ev.Count != 0 {
		t.Fatalf("done count = %d, want 0", ev.Count)
	}
}

func TestFullPipelineAdvancesPastUnreadablePage(t *testing.T) {
	now := 121 * models.DayMs
	clk := clock.NewFake(now)
	fetcher := &fakeFetcher{intervalMs: models.HourMs, garbled: 1}
	ch := channel.NewChannels(256, 16)
	o := NewOrchestrator(clk, fetcher, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.EnqueueFull([]string{"BTC-27MAR26-90000-C"})

	// The first window comes back unreadable. It must count as empty
	// and the job must move on, not refetch the same window forever.
	trades, ev := collectUntilDone(t, ch, "full_backfill")
	full := int(FullLookbackMs/models.HourMs) + 1
	if len(trades) == 0 || len(trades) >= full {
		t.Fatalf("trades = %d, want (0, %d): one skipped window", len(trades), full)
	}
	assertNoDuplicates(t, trades)
	if ev.Count != len(trades) {
		t.Fatalf("done count = %d, trades = %d", ev.Count, len(trades))
	}
	upper := 4 * full / int(InitialStepMs/models.HourMs)
	if fetcher.callCount() > upper {
		t.Fatalf("calls = %d, unreadable window was retried", fetcher.callCount())
	}
}

func TestManualEmptyRangeCompletesAsNoop(t *testing.T) {
	now := 8 * models.DayMs
	clk := clock.NewFake(now)
	ch := channel.NewChannels(16, 16)
	o := NewOrchestrator(clk, &fakeFetcher{intervalMs: models.MinuteMs}, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	if o.EnqueueManual([]string{"BTC-27MAR26-90000-C"}, now, now-models.HourMs) != 0 {
		t.Fatal("inverted range was accepted")
	}
	_, ev := collectUntilDone(t, ch, "manual_backfill")
	if ev.Count != 0 {
		t.Fatalf("done count = %d, want 0", ev.Count)
	}
}

func TestDeltaNothingToFetchStillReportsDone(t *testing.T) {
	now := 8 * models.DayMs
	clk := clock.NewFake(now)
	ch := channel.NewChannels(16, 16)
	o := NewOrchestrator(clk, &fakeFetcher{intervalMs: models.MinuteMs}, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// Watermark already at now: the catch-up has no range to cover but
	// the engine still needs the done event to persist the watermark.
	o.EnqueueDelta([]string{"BTC-27MAR26-90000-C"}, now)
	_, ev := collectUntilDone(t, ch, "delta_backfill")
	if ev.Count != 0 {
		t.Fatalf("done count = %d, want 0", ev.Count)
	}
}

func TestDoneEventFiresOncePerPipeline(t *testing.T) {
	now := 8 * models.DayMs
	clk := clock.NewFake(now)
	fetcher := &fakeFetcher{intervalMs: models.MinuteMs}
	ch := channel.NewChannels(4096, 16)
	o := NewOrchestrator(clk, fetcher, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	insts := make([]string, 20)
	for i := range insts {
		insts[i] = fmt.Sprintf("BTC-27MAR26-%d000-C", 80+i)
	}
	o.EnqueueDelta(insts, now-30*models.MinuteMs)

	trades, ev := collectUntilDone(t, ch, "delta_backfill")
	if ev.Count != len(trades) {
		t.Fatalf("done count = %d, trades = %d", ev.Count, len(trades))
	}
	// A job that finishes while siblings still sit in the enq buffer
	// must not close the pipeline early.
	select {
	case extra := <-ch.Events:
		if extra.Kind == channel.EventBackfillDone && extra.Name == "delta_backfill" {
			t.Fatalf("second done event: %+v", extra)
		}
	case <-time.After(200 * time.Millisecond):
	}
}
