package metrics

import (
	"math"

	"github.com/Rouzip/hwcounter/pkg/counter"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "hwcounter"
	Event     = "event"
	Source    = "source"
)

var (
	CounterValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "count",
		Help:      "Value of a hardware counter over the last measurement window.",
	}, []string{Event, Source})
	CounterAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "available",
		Help:      "Whether the counter could be opened (1) or not (0).",
	}, []string{Event})
	ReadFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_failures_total",
		Help:      "Counter reads that failed and were reported as zero.",
	}, []string{Event})
	Windows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "windows_total",
		Help:      "Completed measurement windows.",
	})
	IPC = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instructions_per_cycle",
		Help:      "Instructions retired per CPU cycle over the last window, NaN when either was not read.",
	})
	Collectors = []prometheus.Collector{CounterValue, CounterAvailable, ReadFailures, Windows, IPC}
)

// SourceCounter labels values read through the counter package.
const SourceCounter = "counter"

func init() {
	prometheus.MustRegister(Collectors...)
}

// RecordCounts publishes one measurement window.
func RecordCounts(counts counter.Counts) {
	for _, c := range counts {
		labels := prometheus.Labels{Event: c.Event}
		if c.Available {
			CounterAvailable.With(labels).Set(1)
		} else {
			CounterAvailable.With(labels).Set(0)
		}
		if c.Err != nil {
			RecordReadFailure(c.Event)
		}

		labels[Source] = SourceCounter
		CounterValue.With(labels).Set(float64(c.Value))
	}

	if ipc, ok := counts.IPC(); ok {
		IPC.Set(ipc)
	} else {
		IPC.Set(math.NaN())
	}
	Windows.Inc()
}

// RecordReadFailure counts a read of event that was reported as zero.
func RecordReadFailure(event string) {
	ReadFailures.With(prometheus.Labels{Event: event}).Inc()
}

// RecordValue publishes a single value measured by another source.
func RecordValue(event, source string, value uint64) {
	CounterValue.With(prometheus.Labels{Event: event, Source: source}).Set(float64(value))
}
