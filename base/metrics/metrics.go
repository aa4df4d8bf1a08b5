package metrics

const (
	SyncExchangesN = "pathtime_sync_exchanges_total"
	SyncExchangesH = "The total number of reference clock exchanges attempted"

	SyncFailuresN = "pathtime_sync_failures_total"
	SyncFailuresH = "The total number of failed reference clock exchanges"

	SyncOffsetN = "pathtime_sync_offset_seconds"
	SyncOffsetH = "The current estimate of the offset to the reference clock"

	SyncSynchronizedN = "pathtime_sync_synchronized"
	SyncSynchronizedH = "Whether the offset estimate is fresh (1) or stale/absent (0)"

	ProberProbesSentN = "pathtime_prober_probes_sent_total"
	ProberProbesSentH = "The total number of hop-limited probes sent"

	ProberSilentHopsN = "pathtime_prober_silent_hops_total"
	ProberSilentHopsH = "The total number of hops that did not respond in time"

	ProberTracesN = "pathtime_prober_traces_total"
	ProberTracesH = "The total number of path traces finalized"

	ProberTargetsReachedN = "pathtime_prober_targets_reached_total"
	ProberTargetsReachedH = "The total number of path traces that reached their target"
)

const (
	MonitorCyclesN = "pathtime_monitor_cycles_total"
	MonitorCyclesH = "The total number of path monitoring cycles run"

	MonitorPathLatencyN = "pathtime_monitor_path_latency_microseconds"
	MonitorPathLatencyH = "The total latency of the most recent trace per target"

	MonitorPathHopsN = "pathtime_monitor_path_hops"
	MonitorPathHopsH = "The number of responding hops of the most recent trace per target"
)
