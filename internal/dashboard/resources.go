package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"optflow/logger"
)

// hostSample is one reading of machine utilisation served by the
// resources endpoint.
type hostSample struct {
	Timestamp   time.Time
	CPUPercent  float64
	MemoryUsed  uint64
	MemoryTotal uint64
	MemoryPct   float64
	DiskUsed    uint64
	DiskTotal   uint64
	DiskPct     float64
}

// The reader functions are variables so tests can substitute deterministic
// readings. readCPU blocks for the given interval, which paces the
// sampler loop.
var (
	readCPU = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	readMemory = mem.VirtualMemoryWithContext
	readDisk   = disk.UsageWithContext
)

// hostSampler periodically reads cpu, memory and disk usage and keeps
// a bounded history of the readings.
type hostSampler struct {
	history  *ring[hostSample]
	interval time.Duration
	diskPath string
	log      *logger.Entry

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

func newHostSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *hostSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostSampler{
		history:  newRing[hostSample](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log.WithComponent("dashboard"),
	}
}

func (s *hostSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.run(ctx)
	}()
}

func (s *hostSampler) stop() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *hostSampler) snapshot() []hostSample {
	if s == nil {
		return nil
	}
	return s.history.snapshot()
}

func (s *hostSampler) run(ctx context.Context) {
	for ctx.Err() == nil {
		sample, ok := s.collect(ctx)
		if ok {
			s.history.push(sample)
			continue
		}
		// A failed reader may return instantly; wait out the interval
		// so the loop cannot spin.
		select {
		case <-ctx.Done():
		case <-time.After(s.interval):
		}
	}
}

func (s *hostSampler) collect(ctx context.Context) (hostSample, bool) {
	cpuPcts, err := readCPU(ctx, s.interval)
	if err != nil {
		s.log.WithError(err).Debug("cpu read failed")
		return hostSample{}, false
	}
	memStats, err := readMemory(ctx)
	if err != nil {
		s.log.WithError(err).Debug("memory read failed")
		return hostSample{}, false
	}
	diskStats, err := readDisk(ctx, s.diskPath)
	if err != nil {
		s.log.WithError(err).Debug("disk read failed")
		return hostSample{}, false
	}

	sample := hostSample{
		Timestamp:   time.Now(),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPct:     diskStats.UsedPercent,
	}
	if len(cpuPcts) > 0 {
		sample.CPUPercent = cpuPcts[0]
	}
	return sample, true
}
