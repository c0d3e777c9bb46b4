// Package backfill replays historical option prints through the same
// path live prints take. Three pipelines share one job queue and one
// in-flight bound: delta catch-up after a restart, a full deep rebuild,
// and operator-requested manual ranges. Windows adapt to the venue's
// page limit so coverage stays gap-free.
package backfill

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"optflow/internal/channel"
	"optflow/internal/clock"
	"optflow/internal/metrics"
	"optflow/internal/venue"
	"optflow/logger"
	"optflow/models"
)

const (
	// MaxInflight bounds concurrent history requests. This is the only
	// backpressure mechanism; the queue itself is unbounded.
	MaxInflight = 8

	// DeltaLookbackMs caps how far a delta catch-up reaches back even
	// when the persisted watermark is older.
	DeltaLookbackMs = 7 * models.DayMs
	// FullLookbackMs is the horizon of a full rebuild.
	FullLookbackMs = 120 * models.DayMs

	InitialStepMs = 6 * models.HourMs
	MinStepMs     = 5 * models.MinuteMs
	MaxStepMs     = 24 * models.HourMs

	// PageLimit is the venue's max rows per history call. A full page
	// means the window was truncated and must shrink.
	PageLimit = 1000
	// growBelow widens the window when a page came back this sparse.
	growBelow = 800
)

// Fetcher pulls historical prints from the venue.
type Fetcher interface {
	TradesBetween(ctx context.Context, instrument string, startMs, endMs int64, limit int) ([]models.TradeTick, error)
}

// Job is one instrument's remaining range in one pipeline. A job is
// re-enqueued at the front after each window so an instrument finishes
// before the queue moves on.
type Job struct {
	ID         string
	Pipeline   models.TradeSource
	Instrument string
	FromMs     int64
	ToMs       int64
	StepMs     int64
	Attempts   int
}

// result summarizes one fetched window. Rows are forwarded by the fetch
// goroutine itself, so only counts travel back to the dispatch loop.
type result struct {
	job       *Job
	pageLen   int
	forwarded int
	lastTs    int64
	skipped   bool
	err       error
}

type Orchestrator struct {
	log     *logger.Entry
	clk     clock.Clock
	fetcher Fetcher
	out     *channel.Channels

	enq     chan *Job
	results chan result

	queue    []*Job
	inflight int

	// outstanding counts jobs per pipeline from the moment they are
	// enqueued, not received, so a fast first job cannot observe an
	// empty pipeline while siblings still sit in the enq buffer.
	outstanding [4]atomic.Int64
	forwarded   map[models.TradeSource]int

	watermarkMs atomic.Int64
}

func NewOrchestrator(clk clock.Clock, fetcher Fetcher, out *channel.Channels) *Orchestrator {
	return &Orchestrator{
		log:       logger.GetLogger().WithComponent("backfill"),
		clk:       clk,
		fetcher:   fetcher,
		out:       out,
		enq:       make(chan *Job, 256),
		results:   make(chan result, MaxInflight),
		forwarded: make(map[models.TradeSource]int),
	}
}

// Watermark is the highest print timestamp forwarded so far. The engine
// persists it so the next start can delta-catch-up from here.
func (o *Orchestrator) Watermark() int64 { return o.watermarkMs.Load() }

// RestoreWatermark seeds the watermark from persisted state.
func (o *Orchestrator) RestoreWatermark(ts int64) {
	if ts > o.watermarkMs.Load() {
		o.watermarkMs.Store(ts)
	}
}

// EnqueueDelta schedules a catch-up from the watermark for each
// instrument, bounded by the delta lookback. A catch-up with nothing to
// fetch still reports completion so the watermark gets persisted.
func (o *Orchestrator) EnqueueDelta(instruments []string, sinceMs int64) int {
	now := o.clk.NowMs()
	from := now - DeltaLookbackMs
	if sinceMs+1 > from {
		from = sinceMs + 1
	}
	if from >= now || len(instruments) == 0 {
		o.log.WithFields(logger.Fields{"since_ms": sinceMs, "instruments": len(instruments)}).Info("delta catch-up has nothing to fetch")
		o.noopDone(models.SourceDeltaBackfill)
		return 0
	}
	for _, inst := range instruments {
		o.outstanding[models.SourceDeltaBackfill].Add(1)
		o.enq <- newJob(models.SourceDeltaBackfill, inst, from, now)
	}
	return len(instruments)
}

// EnqueueFull schedules a deep rebuild over the full lookback.
func (o *Orchestrator) EnqueueFull(instruments []string) int {
	if len(instruments) == 0 {
		o.noopDone(models.SourceFullBackfill)
		return 0
	}
	now := o.clk.NowMs()
	for _, inst := range instruments {
		o.outstanding[models.SourceFullBackfill].Add(1)
		o.enq <- newJob(models.SourceFullBackfill, inst, now-FullLookbackMs, now)
	}
	return len(instruments)
}

// EnqueueManual schedules an operator-requested range replay. An empty
// range is logged and completes as a no-op.
func (o *Orchestrator) EnqueueManual(instruments []string, fromMs, toMs int64) int {
	if fromMs >= toMs || len(instruments) == 0 {
		o.log.WithFields(logger.Fields{
			"from_ms":     fromMs,
			"to_ms":       toMs,
			"instruments": len(instruments),
		}).Warn("manual backfill range is empty, completing as no-op")
		o.noopDone(models.SourceManualBackfill)
		return 0
	}
	for _, inst := range instruments {
		o.outstanding[models.SourceManualBackfill].Add(1)
		o.enq <- newJob(models.SourceManualBackfill, inst, fromMs, toMs)
	}
	return len(instruments)
}

// noopDone emits the completion event for a pipeline run that scheduled
// no work, so callers waiting on the done event still observe one.
func (o *Orchestrator) noopDone(p models.TradeSource) {
	if o.outstanding[p].Load() > 0 {
		return
	}
	o.out.SendEvent(context.Background(), channel.Event{
		Kind: channel.EventBackfillDone,
		Name: p.String(),
		TsMs: o.clk.NowMs(),
	})
}

func newJob(p models.TradeSource, inst string, fromMs, toMs int64) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Pipeline:   p,
		Instrument: inst,
		FromMs:     fromMs,
		ToMs:       toMs,
		StepMs:     InitialStepMs,
	}
}

// Run drives the queue until the context ends. All queue mutation
// happens here; fetching and forwarding run on short-lived goroutines
// bounded by MaxInflight, so this loop never blocks on a channel send
// and enqueuers always find it responsive.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case job := <-o.enq:
			o.queue = append(o.queue, job)
			o.drain(ctx)
		case res := <-o.results:
			o.inflight--
			o.handle(ctx, res)
			o.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) drain(ctx context.Context) {
	for o.inflight < MaxInflight && len(o.queue) > 0 {
		job := o.queue[0]
		o.queue = o.queue[1:]
		o.inflight++
		go o.fetch(ctx, job)
	}
}

// fetch pulls one window and forwards its rows. An unreadable page is a
// venue-side defect a retry cannot cure, so it counts as zero rows and
// the job advances past it. Transport failures go back to handle for
// the per-pipeline retry policy.
func (o *Orchestrator) fetch(ctx context.Context, job *Job) {
	end := job.FromMs + job.StepMs
	if end > job.ToMs {
		end = job.ToMs
	}
	rows, err := o.fetcher.TradesBetween(ctx, job.Instrument, job.FromMs, end, PageLimit)
	res := result{job: job}
	var perr *venue.ParseError
	switch {
	case errors.As(err, &perr):
		metrics.IncrementBackfillWindow(job.Pipeline.String(), "parse_error")
		o.log.WithError(err).WithFields(logger.Fields{
			"pipeline":   job.Pipeline.String(),
			"instrument": job.Instrument,
			"from_ms":    job.FromMs,
			"payload":    perr.Excerpt,
		}).Warn("history page unreadable, window skipped")
		res.skipped = true
	case err != nil:
		res.err = err
	default:
		res.pageLen = len(rows)
		for _, row := range rows {
			if row.TimestampMs < job.FromMs || row.TimestampMs > job.ToMs {
				continue
			}
			row.Source = job.Pipeline
			if o.out.SendTrade(ctx, row) {
				res.forwarded++
			}
			if row.TimestampMs > res.lastTs {
				res.lastTs = row.TimestampMs
			}
		}
	}
	select {
	case o.results <- res:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) handle(ctx context.Context, res result) {
	job := res.job

	if res.err != nil {
		metrics.IncrementBackfillWindow(job.Pipeline.String(), "error")
		if job.Pipeline == models.SourceFullBackfill {
			// A full rebuild must cover its whole range; retry the
			// window later, behind whatever else is queued.
			job.Attempts++
			o.queue = append(o.queue, job)
			o.log.WithError(res.err).WithFields(logger.Fields{
				"instrument": job.Instrument,
				"from_ms":    job.FromMs,
				"attempts":   job.Attempts,
			}).Warn("full backfill window failed, requeued")
			return
		}
		// Delta and manual gaps heal on the next cycle; drop the job.
		o.log.WithError(res.err).WithFields(logger.Fields{
			"pipeline":   job.Pipeline.String(),
			"instrument": job.Instrument,
		}).Error("backfill job abandoned")
		o.finish(ctx, job)
		return
	}

	if !res.skipped {
		metrics.IncrementBackfillWindow(job.Pipeline.String(), "success")
		logger.IncrementBackfillRead(res.pageLen)
	}
	o.forwarded[job.Pipeline] += res.forwarded
	if res.lastTs > o.watermarkMs.Load() {
		o.watermarkMs.Store(res.lastTs)
	}

	// Window adaptation: a full page means truncation, shrink; a sparse
	// page means the step is wastefully small, grow.
	step := job.StepMs
	if res.pageLen >= PageLimit {
		step /= 2
		if step < MinStepMs {
			step = MinStepMs
		}
	} else if res.pageLen < growBelow {
		step = step * 3 / 2
		if step > MaxStepMs {
			step = MaxStepMs
		}
	}

	// Resume after the last row actually seen so a truncated page never
	// leaves a hole.
	var nextFrom int64
	if res.lastTs > 0 {
		nextFrom = res.lastTs + 1
	} else {
		nextFrom = job.FromMs + job.StepMs + 1
		if nextFrom > job.ToMs {
			nextFrom = job.ToMs
		}
		if res.pageLen == 0 && job.FromMs+job.StepMs >= job.ToMs {
			// Empty terminal window.
			o.finish(ctx, job)
			return
		}
	}
	if nextFrom > job.ToMs {
		o.finish(ctx, job)
		return
	}

	job.FromMs = nextFrom
	job.StepMs = step
	o.queue = append([]*Job{job}, o.queue...)
}

func (o *Orchestrator) finish(ctx context.Context, job *Job) {
	left := o.outstanding[job.Pipeline].Add(-1)
	if left > 0 {
		return
	}
	if left < 0 {
		// A finish without a matching enqueue would otherwise emit a
		// spurious done event per stray job.
		o.outstanding[job.Pipeline].Store(0)
		return
	}
	count := o.forwarded[job.Pipeline]
	o.forwarded[job.Pipeline] = 0
	o.log.WithFields(logger.Fields{
		"pipeline": job.Pipeline.String(),
		"trades":   count,
	}).Info("backfill pipeline complete")
	o.out.SendEvent(ctx, channel.Event{
		Kind:  channel.EventBackfillDone,
		Name:  job.Pipeline.String(),
		TsMs:  o.clk.NowMs(),
		Count: count,
	})
}
