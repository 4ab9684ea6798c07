package telemetry

// Histogram bucket definitions
var (
	// PublishBuckets for publish latency including BLOCK waits
	PublishBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}

	// DispatchBuckets for listener callback latency
	DispatchBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

	// BatchSizeBuckets for entries delivered per read
	BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Publish metrics
var (
	// PublishTotal counts publishes by topic and result (ok, dropped, overload, timeout, error)
	PublishTotal CounterVec = noopCounterVec{}

	// PublishSeconds measures publish latency by topic
	PublishSeconds HistogramVec = noopHistogramVec{}

	// PublishBlockedTotal counts publishes that had to wait under the BLOCK policy
	PublishBlockedTotal CounterVec = noopCounterVec{}
)

// Listener metrics
var (
	// ActiveListeners tracks live runners per topic
	ActiveListeners GaugeVec = noopGaugeVec{}

	// DispatchTotal counts messages delivered to callbacks per topic
	DispatchTotal CounterVec = noopCounterVec{}

	// DispatchSeconds measures callback latency per topic
	DispatchSeconds HistogramVec = noopHistogramVec{}

	// DispatchBatchEntries measures entries returned per ring read
	DispatchBatchEntries HistogramVec = noopHistogramVec{}

	// CallbackFaultsTotal counts panics recovered from subscriber callbacks
	CallbackFaultsTotal CounterVec = noopCounterVec{}

	// StaleJumpsTotal counts loss-tolerant head jumps per topic
	StaleJumpsTotal CounterVec = noopCounterVec{}

	// RunnerTerminationsTotal counts terminal runner errors by reason (stale, retries_exhausted)
	RunnerTerminationsTotal CounterVec = noopCounterVec{}

	// RunnerLag tracks tail minus cursor per topic (max across runners, set by the collector)
	RunnerLag GaugeVec = noopGaugeVec{}
)

// Ring metrics
var (
	// RingSize tracks retained entries per topic
	RingSize GaugeVec = noopGaugeVec{}

	// RingReadRetriesTotal counts transient read failures per topic
	RingReadRetriesTotal CounterVec = noopCounterVec{}
)

// InitMetrics creates all metrics against the live registry. Call after
// InitializeTelemetry; without it all metrics are noops.
func InitMetrics() {
	PublishTotal = NewCounterVec(
		"publish_total",
		"Publishes by topic and result",
		[]string{"topic", "result"})

	PublishSeconds = NewHistogramVec(
		"publish_seconds",
		"Publish latency by topic, including BLOCK waits",
		[]string{"topic"}, PublishBuckets)

	PublishBlockedTotal = NewCounterVec(
		"publish_blocked_total",
		"Publishes that waited for capacity under the BLOCK policy",
		[]string{"topic"})

	ActiveListeners = NewGaugeVec(
		"active_listeners",
		"Live listener runners by topic",
		[]string{"topic"})

	DispatchTotal = NewCounterVec(
		"dispatch_total",
		"Messages delivered to listener callbacks by topic",
		[]string{"topic"})

	DispatchSeconds = NewHistogramVec(
		"dispatch_seconds",
		"Listener callback latency by topic",
		[]string{"topic"}, DispatchBuckets)

	DispatchBatchEntries = NewHistogramVec(
		"dispatch_batch_entries",
		"Entries returned per ring read",
		[]string{"topic"}, BatchSizeBuckets)

	CallbackFaultsTotal = NewCounterVec(
		"callback_faults_total",
		"Panics recovered from subscriber callbacks by topic",
		[]string{"topic"})

	StaleJumpsTotal = NewCounterVec(
		"stale_jumps_total",
		"Loss-tolerant cursor jumps to head by topic",
		[]string{"topic"})

	RunnerTerminationsTotal = NewCounterVec(
		"runner_terminations_total",
		"Terminal runner errors by topic and reason",
		[]string{"topic", "reason"})

	RunnerLag = NewGaugeVec(
		"runner_lag",
		"Largest tail-to-cursor distance across runners by topic",
		[]string{"topic"})

	RingSize = NewGaugeVec(
		"ring_size",
		"Retained ring entries by topic",
		[]string{"topic"})

	RingReadRetriesTotal = NewCounterVec(
		"ring_read_retries_total",
		"Transient ring read failures by topic",
		[]string{"topic"})
}
