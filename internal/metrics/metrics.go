package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	IncomingProcessed prometheus.Counter
	IncomingFailed    prometheus.Counter
	OutgoingPublished prometheus.Counter
	FlowStepsSent     prometheus.Counter
	AutomationFired   prometheus.Counter
	OperatorUpdates   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			IncomingProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenticcore",
				Name:      "incoming_processed_total",
				Help:      "Total inbound envelopes handed to the AI engine or flow engine",
			}),
			IncomingFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenticcore",
				Name:      "incoming_failed_total",
				Help:      "Total inbound envelopes that failed processing",
			}),
			OutgoingPublished: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenticcore",
				Name:      "outgoing_published_total",
				Help:      "Total outbound messages published for the gateway to deliver",
			}),
			FlowStepsSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenticcore",
				Name:      "flow_steps_sent_total",
				Help:      "Total flow steps executed by the flow engine",
			}),
			AutomationFired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenticcore",
				Name:      "automation_fired_total",
				Help:      "Total synthetic turns fired by the inactivity sweeper",
			}),
			OperatorUpdates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agenticcore",
				Name:      "operator_updates_total",
				Help:      "Total Telegram updates received by the operator console bot",
			}),
		}
		prometheus.MustRegister(
			global.IncomingProcessed,
			global.IncomingFailed,
			global.OutgoingPublished,
			global.FlowStepsSent,
			global.AutomationFired,
			global.OperatorUpdates,
		)
	})
	return global
}
