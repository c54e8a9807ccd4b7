// Package metrics holds the Prometheus series of the decision loop.
//
// Series:
//
//	gptbot_cycles_total
//	gptbot_orders_placed_total{side}
//	gptbot_errors_total{stage}
//	gptbot_decisions_total{action,result}
//	gptbot_substitutions_total{reason}
//	gptbot_info_requests_total{served}
//	gptbot_remaining_info_requests{symbol}
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gptbot_cycles_total",
		Help: "Decision cycles run",
	})

	ordersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gptbot_orders_placed_total",
		Help: "Orders accepted by the venue (or recorded in dry-run)",
	}, []string{"side"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gptbot_errors_total",
		Help: "Errors by pipeline stage",
	}, []string{"stage"})

	decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gptbot_decisions_total",
		Help: "Model decisions by action and pipeline result",
	}, []string{"action", "result"})

	substitutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gptbot_substitutions_total",
		Help: "Decisions replaced by do_nothing, by rule",
	}, []string{"reason"})

	infoRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gptbot_info_requests_total",
		Help: "Accepted request_data decisions; served=cache|live",
	}, []string{"served"})

	remainingInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gptbot_remaining_info_requests",
		Help: "Remaining info requests in the running cycle",
	}, []string{"symbol"})
)

func init() {
	registry.MustRegister(
		cycles, ordersPlaced, errorsTotal, decisions, substitutions, infoRequests, remainingInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func Registry() *prometheus.Registry { return registry }

func CycleRun() { cycles.Inc() }

func OrderPlaced(side string) { ordersPlaced.WithLabelValues(side).Inc() }

func Error(stage string) { errorsTotal.WithLabelValues(stage).Inc() }

func Decision(action, result string) { decisions.WithLabelValues(action, result).Inc() }

func Substitution(reason string) { substitutions.WithLabelValues(reason).Inc() }

func InfoRequest(fromCache bool) {
	served := "live"
	if fromCache {
		served = "cache"
	}
	infoRequests.WithLabelValues(served).Inc()
}

func SetRemaining(symbol string, n int) { remainingInfo.WithLabelValues(symbol).Set(float64(n)) }
