package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequence_emails_sent_total",
			Help: "Total sequence emails dispatched",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequence_email_failures_total",
			Help: "Total failed dispatch attempts",
		},
	)

	StepsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequence_steps_skipped_total",
			Help: "Total steps skipped by reply/bounce policy",
		},
	)

	RepliesDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inbound_replies_total",
			Help: "Total inbound messages matched as replies",
		},
	)

	BouncesDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inbound_bounces_total",
			Help: "Total inbound messages matched as bounces",
		},
	)

	InboundIgnored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inbound_ignored_total",
			Help: "Total inbound messages matching no contact or delivery",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(
		EmailsSent,
		EmailFailures,
		StepsSkipped,
		RepliesDetected,
		BouncesDetected,
		InboundIgnored,
	)
}
