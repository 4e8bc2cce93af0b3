package webhook

import "github.com/prometheus/client_golang/prometheus"

var (
	inboundProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhook_inbound_processed_total",
		Help: "Number of inbound webhook payloads processed successfully",
	})
	inboundRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhook_inbound_rejected_total",
		Help: "Number of inbound webhook payloads rejected (signature, disabled, errors)",
	})
	deliveriesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhook_deliveries_sent_total",
		Help: "Number of outbound webhook deliveries accepted by subscribers",
	})
	deliveriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhook_deliveries_failed_total",
		Help: "Number of outbound webhook deliveries that exhausted retries",
	})
)

func init() {
	prometheus.MustRegister(inboundProcessed, inboundRejected, deliveriesSent, deliveriesFailed)
}
