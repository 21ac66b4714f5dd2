package simctl

import "github.com/prometheus/client_golang/prometheus"

const (
	resultOK        = "ok"
	resultTransport = "transport_error"
	resultProtocol  = "protocol_error"
	resultRejected  = "rejected"
)

type sessionMetrics struct {
	exchanges *prometheus.CounterVec
	duration  prometheus.Histogram
	commands  prometheus.Histogram
	frames    prometheus.Histogram
}

func newSessionMetrics(reg prometheus.Registerer) *sessionMetrics {
	m := &sessionMetrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simctl",
			Name:      "exchanges_total",
			Help:      "Request/reply exchanges by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simctl",
			Name:      "exchange_duration_seconds",
			Help:      "Time from send to a fully received reply.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		commands: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simctl",
			Name:      "batch_commands",
			Help:      "Commands per sent batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		frames: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simctl",
			Name:      "response_frames",
			Help:      "Frames per reply, sentinel included.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.exchanges, m.duration, m.commands, m.frames)
	}
	return m
}
