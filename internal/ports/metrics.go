package ports

// Metric names shared by the pipeline and the observability backends.
const (
	MetricSnapshotsReceived = "thermo_snapshots_received_total"
	MetricSnapshotsDropped  = "thermo_snapshots_dropped_total"
	MetricWindowsReduced    = "thermo_windows_reduced_total"
	MetricPartialWindows    = "thermo_partial_windows_total"
	MetricRecordsAccepted   = "thermo_records_accepted_total"
	MetricRecordsRejected   = "thermo_records_rejected_total"
	MetricForwardExhausted  = "thermo_forward_exhausted_total"
	MetricForwardAttempts   = "thermo_forward_attempts_total"
	MetricRecordsSpooled    = "thermo_records_spooled_total"
	MetricRecordsDropped    = "thermo_records_dropped_total"
	MetricPipelinesAborted  = "thermo_pipelines_aborted_total"

	GaugeActiveMachines = "thermo_active_machines"
	GaugeSpoolSizeBytes = "thermo_spool_size_bytes"

	HistForwardLatency = "thermo_forward_latency_seconds"
)
