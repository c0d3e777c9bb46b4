package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsLive     int64
	errorsBackfill int64
	warnsLive      int64
	warnsBackfill  int64
	liveReads      int64
	backfillReads  int64
	snapshotSaves  int64
	archiveWrites  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "backfill") {
		atomic.AddInt64(&warnsBackfill, 1)
	} else {
		atomic.AddInt64(&warnsLive, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "backfill") {
		atomic.AddInt64(&errorsBackfill, 1)
	} else {
		atomic.AddInt64(&errorsLive, 1)
	}
}

func IncrementLiveRead(size int) {
	atomic.AddInt64(&liveReads, 1)
	recordChannel("live_ws", size)
}

func IncrementBackfillRead(size int) {
	atomic.AddInt64(&backfillReads, 1)
	recordChannel("backfill_rest", size)
}

func IncrementSnapshotSave(size int64) {
	atomic.AddInt64(&snapshotSaves, 1)
	recordChannel("snapshot_save", int(size))
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_live":     atomic.LoadInt64(&errorsLive),
		"errors_backfill": atomic.LoadInt64(&errorsBackfill),
		"warns_live":      atomic.LoadInt64(&warnsLive),
		"warns_backfill":  atomic.LoadInt64(&warnsBackfill),
		"live_reads":      atomic.LoadInt64(&liveReads),
		"backfill_reads":  atomic.LoadInt64(&backfillReads),
		"snapshot_saves":  atomic.LoadInt64(&snapshotSaves),
		"archive_writes":  atomic.LoadInt64(&archiveWrites),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-ErrorsLive"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_live"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-ErrorsBackfill"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_backfill"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-WarnsLive"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_live"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-WarnsBackfill"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_backfill"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-LiveReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["live_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-BackfillReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["backfill_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-SnapshotSaves"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["snapshot_saves"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Optflow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Optflow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Optflow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
