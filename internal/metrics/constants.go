package metrics

const namespace = "farmsync"

// Metric names
const (
	MetricNameSyncItemsTotal      = "sync_items_total"
	MetricNameSyncRequestDuration = "sync_request_duration_seconds"
	MetricNameDrainCyclesTotal    = "drain_cycles_total"
	MetricNameDrainDuration       = "drain_duration_seconds"
	MetricNameQueueDepth          = "queue_depth"
	MetricNameProbesTotal         = "connectivity_probes_total"
	MetricNameProbeLatency        = "connectivity_probe_latency_seconds"
	MetricNameOnline              = "connectivity_online"
)

// Help text
const (
	HelpTextSyncItemsTotal      = "Queue items processed, by outcome"
	HelpTextSyncRequestDuration = "Latency of remote API calls made while draining"
	HelpTextDrainCyclesTotal    = "Drain cycles run, by result"
	HelpTextDrainDuration       = "Duration of drain cycles"
	HelpTextQueueDepth          = "Sync queue items by status"
	HelpTextProbesTotal         = "Connectivity probes, by resulting quality"
	HelpTextProbeLatency        = "Health probe round trip time"
	HelpTextOnline              = "1 when the remote API is considered reachable"
)

// Labels
const (
	LabelEntity    = "entity"
	LabelOperation = "operation"
	LabelOutcome   = "outcome"
	LabelResult    = "result"
	LabelStatus    = "status"
	LabelQuality   = "quality"
)

// Outcome label values
const (
	OutcomeDone       = "done"
	OutcomeRetry      = "retry"
	OutcomeFailed     = "failed"
	OutcomeNotFound   = "not_found"
	ResultCompleted   = "completed"
	ResultOffline     = "offline"
	ResultInterrupted = "interrupted"
	ResultError       = "error"
)

var (
	RequestLatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	DrainBuckets          = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300}
	ProbeBuckets          = []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 3, 5}
)
