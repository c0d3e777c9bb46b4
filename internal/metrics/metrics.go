// Registers:
//
//	#optflow_trades_ingested_total
//	#optflow_signals_emitted_total
//	#optflow_big_unit and other engine gauges
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optflow/logger"
)

var (
	once sync.Once

	tradesIngested   *prometheus.CounterVec
	tradesDeduped    prometheus.Counter
	bigPrints        prometheus.Counter
	signalsEmitted   *prometheus.CounterVec
	backfillWindows  *prometheus.CounterVec
	snapshotSaves    *prometheus.CounterVec
	activeBursts     prometheus.Gauge
	residualClusters prometheus.Gauge
	bigUnit          prometheus.Gauge
)

func Init(addr string) {
	once.Do(func() {
		tradesIngested = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optflow_trades_ingested_total",
				Help: "Prints accepted by the engine",
			},
			[]string{"source"},
		)
		tradesDeduped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optflow_trades_deduped_total",
			Help: "Prints dropped because their id was already seen",
		})
		bigPrints = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optflow_big_prints_total",
			Help: "Prints at or above the adaptive big unit",
		})
		signalsEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optflow_signals_emitted_total",
				Help: "Signals fired",
			},
			[]string{"direction", "strong"},
		)
		backfillWindows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optflow_backfill_windows_total",
				Help: "Backfill window fetches",
			},
			[]string{"pipeline", "outcome"},
		)
		snapshotSaves = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optflow_snapshot_saves_total",
				Help: "Snapshot persistence attempts",
			},
			[]string{"outcome"},
		)
		activeBursts = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optflow_active_bursts",
			Help: "Live burst clusters",
		})
		residualClusters = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optflow_residual_clusters",
			Help: "Clusters with a non-empty residual position",
		})
		bigUnit = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optflow_big_unit",
			Help: "Current adaptive large-trade cutoff in contracts",
		})

		_ = prometheus.Register(tradesIngested)
		_ = prometheus.Register(tradesDeduped)
		_ = prometheus.Register(bigPrints)
		_ = prometheus.Register(signalsEmitted)
		_ = prometheus.Register(backfillWindows)
		_ = prometheus.Register(snapshotSaves)
		_ = prometheus.Register(activeBursts)
		_ = prometheus.Register(residualClusters)
		_ = prometheus.Register(bigUnit)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				// The exporter is an observability surface; losing it
				// must not take the engine down with it.
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics listener stopped")
			}
		}()
	})
}

func IncrementIngested(source string) {
	if tradesIngested != nil {
		tradesIngested.WithLabelValues(source).Inc()
	}
}

func IncrementDeduped() {
	if tradesDeduped != nil {
		tradesDeduped.Inc()
	}
}

func IncrementBigPrint() {
	if bigPrints != nil {
		bigPrints.Inc()
	}
}

func IncrementSignal(direction string, strong bool) {
	if signalsEmitted != nil {
		s := "false"
		if strong {
			s = "true"
		}
		signalsEmitted.WithLabelValues(direction, s).Inc()
	}
}

func IncrementBackfillWindow(pipeline, outcome string) {
	if backfillWindows != nil {
		backfillWindows.WithLabelValues(pipeline, outcome).Inc()
	}
}

func IncrementSnapshotSave(outcome string) {
	if snapshotSaves != nil {
		snapshotSaves.WithLabelValues(outcome).Inc()
	}
}

func SetActiveBursts(n int) {
	if activeBursts != nil {
		activeBursts.Set(float64(n))
	}
}

func SetResidualClusters(n int) {
	if residualClusters != nil {
		residualClusters.Set(float64(n))
	}
}

func SetBigUnit(v int) {
	if bigUnit != nil {
		bigUnit.Set(float64(v))
	}
}
