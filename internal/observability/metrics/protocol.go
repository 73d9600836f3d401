package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctproto_connections_active",
			Help: "Number of live protocol connections",
		},
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctproto_connections_closed_total",
			Help: "Total number of closed connections by close code",
		},
		[]string{"code"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctproto_auth_failures_total",
			Help: "Total number of failed authorizations by reason",
		},
		[]string{"reason"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctproto_messages_total",
			Help: "Total number of inbound messages by type",
		},
		[]string{"message_type"},
	)

	MessageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctproto_message_errors_total",
			Help: "Total number of rejected inbound frames by kind",
		},
		[]string{"kind"},
	)

	UploadChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ctproto_upload_chunks_total",
			Help: "Total number of received upload chunks",
		},
	)

	UploadsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ctproto_uploads_completed_total",
			Help: "Total number of fully reassembled uploads",
		},
	)

	UploadsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctproto_uploads_dropped_total",
			Help: "Total number of dropped uploads by reason",
		},
		[]string{"reason"},
	)

	MessageProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctproto_message_processing_duration_seconds",
			Help:    "Duration of inbound message handling in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"message_type"},
	)
)
