package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xornet",
		Subsystem: "routing",
		Name:      "messages_handled_total",
		Help:      "Inbound messages by handling outcome.",
	}, []string{"outcome"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xornet",
		Subsystem: "routing",
		Name:      "messages_dropped_total",
		Help:      "Messages dropped by reason.",
	}, []string{"reason"})

	metricSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xornet",
		Subsystem: "routing",
		Name:      "messages_sent_total",
		Help:      "Frames handed to the transport.",
	})

	metricSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xornet",
		Subsystem: "routing",
		Name:      "send_failures_total",
		Help:      "Transport send errors.",
	})

	metricTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "xornet",
		Subsystem: "routing",
		Name:      "table_size",
		Help:      "Connected routing peers.",
	})

	metricAcksOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "xornet",
		Subsystem: "routing",
		Name:      "acks_outstanding",
		Help:      "Hop acknowledgements awaiting reply.",
	})
)
