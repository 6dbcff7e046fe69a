package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/procq/internal/model"
)

// Every collector carries an "engine" label so that engines sharing a
// process report separate series. Engines with the same name share them.
var (
	processesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procq_processes_total",
			Help: "Processes that left the scheduler, by final status.",
		},
		[]string{"engine", "status"},
	)

	processRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procq_process_run_duration_seconds",
			Help:    "Wall-clock duration of process Run calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine", "priority"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procq_queue_depth",
			Help: "Pending processes per priority level.",
		},
		[]string{"engine", "priority"},
	)

	cancellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procq_cancellations_total",
			Help: "CancelCurrentProcess calls by outcome.",
		},
		[]string{"engine", "outcome"},
	)

	processingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "procq_currently_processing",
			Help: "1 while a process is between dequeue and retirement.",
		},
		[]string{"engine"},
	)
)

func init() {
	prometheus.MustRegister(processesTotal)
	prometheus.MustRegister(processRunDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(cancellationsTotal)
	prometheus.MustRegister(processingGauge)
}

// engineMetrics holds the collectors bound to one engine's label.
type engineMetrics struct {
	processes     *prometheus.CounterVec
	runDuration   prometheus.ObserverVec
	queueDepth    *prometheus.GaugeVec
	cancellations *prometheus.CounterVec
	processing    prometheus.Gauge
}

func newEngineMetrics(name string) engineMetrics {
	l := prometheus.Labels{"engine": name}
	m := engineMetrics{
		processes:     processesTotal.MustCurryWith(l),
		runDuration:   processRunDuration.MustCurryWith(l),
		queueDepth:    queueDepth.MustCurryWith(l),
		cancellations: cancellationsTotal.MustCurryWith(l),
		processing:    processingGauge.With(l),
	}
	m.processing.Set(0)
	m.observeQueues(Counts{})
	return m
}

// observeQueues publishes the current queue depths.
func (m engineMetrics) observeQueues(c Counts) {
	m.queueDepth.WithLabelValues(model.PriorityHigh.String()).Set(float64(c.High))
	m.queueDepth.WithLabelValues(model.PriorityMedium.String()).Set(float64(c.Medium))
	m.queueDepth.WithLabelValues(model.PriorityLow.String()).Set(float64(c.Low))
}
