package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync metrics
var (
	SyncItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricNameSyncItemsTotal,
			Help:      HelpTextSyncItemsTotal,
		},
		[]string{LabelEntity, LabelOperation, LabelOutcome},
	)

	SyncRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricNameSyncRequestDuration,
			Help:      HelpTextSyncRequestDuration,
			Buckets:   RequestLatencyBuckets,
		},
		[]string{LabelEntity, LabelOperation},
	)

	DrainCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricNameDrainCyclesTotal,
			Help:      HelpTextDrainCyclesTotal,
		},
		[]string{LabelResult},
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricNameDrainDuration,
			Help:      HelpTextDrainDuration,
			Buckets:   DrainBuckets,
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricNameQueueDepth,
			Help:      HelpTextQueueDepth,
		},
		[]string{LabelStatus},
	)
)

// Connectivity metrics
var (
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricNameProbesTotal,
			Help:      HelpTextProbesTotal,
		},
		[]string{LabelQuality},
	)

	ProbeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricNameProbeLatency,
			Help:      HelpTextProbeLatency,
			Buckets:   ProbeBuckets,
		},
	)

	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricNameOnline,
			Help:      HelpTextOnline,
		},
	)
)

// SetQueueDepth publishes the current queue counts.
func SetQueueDepth(pending, inFlight, failed int) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

func SetOnline(online bool) {
	if online {
		Online.Set(1)
		return
	}
	Online.Set(0)
}
