package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RecordsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_records_processed_total",
			Help: "Telemetry log records handed to the interpreter.",
		},
		[]string{"source"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage"},
	)

	LogRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_log_rotations_total",
			Help: "Telemetry log rotations detected by the tailer.",
		},
	)

	EventsBroadcastTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_events_broadcast_total",
			Help: "Outbound events placed into the batch buffer.",
		},
	)

	BatchesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_batches_flushed_total",
			Help: "Event batches flushed to client queues.",
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetryhub_batch_size",
			Help:    "Events per flushed batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryhub_connected_clients",
			Help: "Currently connected WebSocket clients.",
		},
	)

	AdmissionRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_admission_rejects_total",
			Help: "WebSocket connections rejected at admission.",
		},
		[]string{"reason"},
	)

	DroppedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_dropped_messages_total",
			Help: "Messages dropped from full client queues.",
		},
	)

	StalePeersRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryhub_stale_peers_removed_total",
			Help: "Peers removed by the periodic cleanup sweep.",
		},
	)

	NameChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_name_changes_total",
			Help: "Peer name change attempts by outcome.",
		},
		[]string{"outcome"},
	)

	LastRecordTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryhub_last_record_timestamp_seconds",
			Help: "Unix timestamp of the last processed telemetry record.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		RecordsProcessedTotal,
		ParseErrorsTotal,
		LogRotationsTotal,
		EventsBroadcastTotal,
		BatchesFlushedTotal,
		BatchSize,
		ConnectedClients,
		AdmissionRejectsTotal,
		DroppedMessagesTotal,
		StalePeersRemovedTotal,
		NameChangesTotal,
		LastRecordTimestamp,
	)
}
