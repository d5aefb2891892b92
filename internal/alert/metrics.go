package alert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sos_dispatch_seconds",
		Help:    "Time from SOS trigger to all delivery attempts settling.",
		Buckets: prometheus.DefBuckets,
	})

	triggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sos_triggers_total",
		Help: "SOS triggers grouped by outcome.",
	}, []string{"result"})

	deliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sos_delivery_attempts_total",
		Help: "Per-channel delivery attempts grouped by outcome.",
	}, []string{"channel", "result"})

	recordWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sos_notification_record_failures_total",
		Help: "Notification records that could not be written.",
	})
)
