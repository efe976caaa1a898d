package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_enqueue_total", Help: "Dispatch job enqueue results"},
		[]string{"result"},
	)
	GatewaySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_gateway_send_total", Help: "Gateway send outcomes"},
		[]string{"result", "http_status"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "campaigner_gateway_send_latency_seconds", Help: "Gateway send latency"},
	)
	JobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_job_outcomes_total", Help: "Dispatch job outcomes"},
		[]string{"outcome"},
	)
	Receipts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaigner_receipts_total", Help: "Gateway delivery receipts"},
		[]string{"status"},
	)
	SweepCompletions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaigner_sweep_completions_total", Help: "Campaigns completed by the reconciliation sweep"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, GatewaySend, GatewayLatency, JobOutcomes, Receipts, SweepCompletions)
}
